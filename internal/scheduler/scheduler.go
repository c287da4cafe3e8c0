// Package scheduler computes which steps of a plan are eligible to run.
// It is pure bookkeeping over step ids and dependency edges: the orchestrator
// owns all mutation, the scheduler only answers questions about the graph.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/planrun/internal/plan"
)

// Ready returns the steps eligible to run now: not yet terminal and with
// every dependency completed. Input order is preserved so that sequential
// batches execute in the order the plan author wrote them.
func Ready(steps []plan.Step, completed, failed map[string]bool) []plan.Step {
	var ready []plan.Step
	for i := range steps {
		step := steps[i]
		if completed[step.ID] || failed[step.ID] {
			continue
		}
		if depsCompleted(step, completed) {
			ready = append(ready, step)
		}
	}
	return ready
}

// Partition splits a ready set into the concurrent batch (canParallelize
// unset or true) and the sequential batch, both in input order.
func Partition(ready []plan.Step) (concurrent, sequential []plan.Step) {
	for i := range ready {
		if ready[i].Parallelizable() {
			concurrent = append(concurrent, ready[i])
		} else {
			sequential = append(sequential, ready[i])
		}
	}
	return concurrent, sequential
}

// Unreachable returns the sorted ids of steps that are neither terminal nor
// ready. With an empty ready set a non-empty result means the plan can make
// no further progress: the steps sit on a dependency cycle or behind a
// failed ancestor.
func Unreachable(steps []plan.Step, completed, failed map[string]bool) []string {
	var stuck []string
	for i := range steps {
		step := steps[i]
		if completed[step.ID] || failed[step.ID] {
			continue
		}
		if !depsCompleted(step, completed) {
			stuck = append(stuck, step.ID)
		}
	}
	sort.Strings(stuck)
	return stuck
}

// Waves simulates an all-success run and returns the step layers it would
// execute, one ready set per wave. Used for plan preview and dry runs. A
// graph whose steps can never all become ready yields an error naming the
// stuck ids.
func Waves(steps []plan.Step) ([][]plan.Step, error) {
	completed := make(map[string]bool, len(steps))
	failed := map[string]bool{}

	var waves [][]plan.Step
	for len(completed) < len(steps) {
		ready := Ready(steps, completed, failed)
		if len(ready) == 0 {
			stuck := Unreachable(steps, completed, failed)
			return nil, fmt.Errorf("circular dependency: steps %s can never become ready", strings.Join(stuck, ", "))
		}
		waves = append(waves, ready)
		for i := range ready {
			completed[ready[i].ID] = true
		}
	}
	return waves, nil
}

func depsCompleted(step plan.Step, completed map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}
