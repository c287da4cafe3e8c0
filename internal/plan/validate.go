package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmptyStepID indicates a step with a missing id.
	ErrEmptyStepID = errors.New("step id is empty")

	// ErrDuplicateID indicates two steps sharing one id.
	ErrDuplicateID = errors.New("duplicate step id")

	// ErrUnknownDependency indicates a dependsOn id with no matching step.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrSelfDependency indicates a step depending on itself.
	ErrSelfDependency = errors.New("step depends on itself")

	// ErrCircularDependency indicates the step graph contains a cycle.
	ErrCircularDependency = errors.New("circular dependency")
)

// Validate checks plan well-formedness at ingestion: non-empty unique step
// ids, dependencies that reference existing steps, no self-dependencies, and
// an acyclic graph. Cycle errors name the stuck step ids.
func (p *Plan) Validate() error {
	ids := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		id := p.Steps[i].ID
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: step %d", ErrEmptyStepID, i)
		}
		if ids[id] {
			return fmt.Errorf("%w: %q", ErrDuplicateID, id)
		}
		ids[id] = true
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("%w: %q", ErrSelfDependency, step.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: step %q depends on %q", ErrUnknownDependency, step.ID, dep)
			}
		}
	}

	if stuck := cyclicSteps(p.Steps); len(stuck) > 0 {
		return fmt.Errorf("%w: steps %s can never become ready", ErrCircularDependency, strings.Join(stuck, ", "))
	}
	return nil
}

// cyclicSteps runs Kahn's algorithm and returns the sorted ids of steps left
// unprocessed, which are exactly the members and downstream dependents of
// cycles. Empty for acyclic graphs.
func cyclicSteps(steps []Step) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for i := range steps {
		indegree[steps[i].ID] += 0
		for _, dep := range steps[i].DependsOn {
			indegree[steps[i].ID]++
			dependents[dep] = append(dependents[dep], steps[i].ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for i := range steps {
		if indegree[steps[i].ID] == 0 {
			queue = append(queue, steps[i].ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(steps) {
		return nil
	}

	stuck := make([]string, 0, len(steps)-processed)
	for id, deg := range indegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}
