// Package reporting delivers plan and step boundary events to pluggable
// sinks. The orchestrator fires events through the Reporter interface and
// treats sink errors as non-fatal: a broken reporter never fails a run.
package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/planrun/internal/plan"
)

// PlanEvent marks the start of a plan run.
type PlanEvent struct {
	RunID     string    `json:"run_id"`
	PlanID    string    `json:"plan_id,omitempty"`
	Task      string    `json:"task,omitempty"`
	StepCount int       `json:"step_count"`
	Timestamp time.Time `json:"timestamp"`
}

// StepEvent marks a step boundary within a run. Result is nil on start and
// populated on finish.
type StepEvent struct {
	RunID     string           `json:"run_id"`
	PlanID    string           `json:"plan_id,omitempty"`
	StepID    string           `json:"step_id"`
	Title     string           `json:"title,omitempty"`
	Type      string           `json:"type,omitempty"`
	Wave      int              `json:"wave"`
	Result    *plan.StepResult `json:"result,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Reporter receives run lifecycle events. Implementations must be safe for
// concurrent use: steps in the same wave finish from separate goroutines.
type Reporter interface {
	// PlanStarted fires once, before the first wave.
	PlanStarted(ctx context.Context, e PlanEvent) error

	// StepStarted fires when a step begins its first attempt.
	StepStarted(ctx context.Context, e StepEvent) error

	// StepFinished fires when a step's attempt loop ends, successful or not.
	StepFinished(ctx context.Context, e StepEvent) error

	// PlanFinished fires once with the aggregated result, on every exit path
	// that produced one.
	PlanFinished(ctx context.Context, result *plan.ExecutionResult) error

	// Close releases sink resources.
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PlanStarted(context.Context, PlanEvent) error {
	return nil
}

func (Nop) StepStarted(context.Context, StepEvent) error {
	return nil
}

func (Nop) StepFinished(context.Context, StepEvent) error {
	return nil
}

func (Nop) PlanFinished(context.Context, *plan.ExecutionResult) error {
	return nil
}

func (Nop) Close() error {
	return nil
}

// Multi fans events out to every reporter. Each sink sees every event even
// when an earlier sink fails; errors are joined.
type Multi struct {
	reporters []Reporter
}

// NewMulti combines reporters into one. Nil entries are skipped.
func NewMulti(reporters ...Reporter) *Multi {
	m := &Multi{}
	for _, r := range reporters {
		if r != nil {
			m.reporters = append(m.reporters, r)
		}
	}
	return m
}

// PlanStarted forwards the event to every sink.
func (m *Multi) PlanStarted(ctx context.Context, e PlanEvent) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.PlanStarted(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StepStarted forwards the event to every sink.
func (m *Multi) StepStarted(ctx context.Context, e StepEvent) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.StepStarted(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StepFinished forwards the event to every sink.
func (m *Multi) StepFinished(ctx context.Context, e StepEvent) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.StepFinished(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PlanFinished forwards the result to every sink.
func (m *Multi) PlanFinished(ctx context.Context, result *plan.ExecutionResult) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.PlanFinished(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Reporter = Nop{}
	_ Reporter = (*Multi)(nil)
)
