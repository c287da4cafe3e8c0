// Package plan defines the plan data model: the step DAG submitted for
// execution, per-step results, and the aggregate execution result. It also
// provides plan file loading, ingestion validation, and file-parameter
// dependency inference.
package plan

import (
	"time"
)

// StepStatus tracks a step through its lifecycle.
type StepStatus string

const (
	// StatusPending means the step has not yet become eligible to run.
	StatusPending StepStatus = "pending"

	// StatusReady means every dependency has completed.
	StatusReady StepStatus = "ready"

	// StatusRunning means the step is executing. Retries happen inside this
	// state; other steps only ever observe the final outcome.
	StatusRunning StepStatus = "running"

	// StatusCompleted is terminal success.
	StatusCompleted StepStatus = "completed"

	// StatusFailed is terminal failure after exhausting retries, or a
	// non-retryable render failure.
	StatusFailed StepStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s StepStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Plan is the unit of work submitted to the engine: a DAG of steps plus
// shared render context.
type Plan struct {
	// ID is opaque to the engine and stable for the run.
	ID string `yaml:"plan_id" json:"plan_id"`

	// Task is a human-readable description. The engine passes it to prompt
	// rendering but never interprets it.
	Task string `yaml:"task" json:"task"`

	// Steps is the step graph. IDs must be unique and dependencies acyclic.
	Steps []Step `yaml:"steps" json:"steps"`

	// Context holds shared parameters merged into every step's render data.
	Context map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
}

// Step is one schedulable unit of work.
type Step struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`

	// Type selects the prompt template. Opaque to the scheduler.
	Type string `yaml:"type" json:"type"`

	// Params are step-specific render inputs. The key "file" (or legacy
	// "path") names the output path relative to the workspace root.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// DependsOn lists step ids that must complete before this step is ready.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// CanParallelize controls wave partitioning. Nil means true; false forces
	// the step into its wave's sequential batch.
	CanParallelize *bool `yaml:"can_parallelize,omitempty" json:"can_parallelize,omitempty"`

	// Validation names the ordered checks the step's output must pass.
	Validation Validation `yaml:"validation,omitempty" json:"validation,omitempty"`

	// Status is runtime state, maintained by the orchestrator.
	Status StepStatus `yaml:"status,omitempty" json:"status,omitempty"`
}

// Validation is the ordered check sequence gating a step's output. The first
// failing check short-circuits the rest.
type Validation struct {
	Checks []string `yaml:"checks,omitempty" json:"checks,omitempty"`
}

// Parallelizable reports whether the step may run in a wave's concurrent
// batch. Unset defaults to true.
func (s *Step) Parallelizable() bool {
	return s.CanParallelize == nil || *s.CanParallelize
}

// OutputPath returns the step's output path from params, or "" when the step
// produces no file. "file" is the canonical key; "path" is accepted for
// older plan documents.
func (s *Step) OutputPath() string {
	for _, key := range []string{"file", "path"} {
		if v, ok := s.Params[key]; ok {
			if p, ok := v.(string); ok {
				return p
			}
		}
	}
	return ""
}

// DependsOnStep reports whether id is listed in the step's dependencies.
func (s *Step) DependsOnStep(id string) bool {
	for _, dep := range s.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepResult is the immutable record produced once a step leaves running.
type StepResult struct {
	StepID   string   `json:"step_id"`
	Success  bool     `json:"success"`
	Attempts int      `json:"attempts"`
	Errors   []string `json:"errors,omitempty"`

	// Escalate marks a step that exhausted its retry budget and needs a
	// higher-capability resolver.
	Escalate bool `json:"escalate"`
}

// ExecutionResult aggregates the outcome of one plan run.
type ExecutionResult struct {
	RunID  string `json:"run_id"`
	PlanID string `json:"plan_id"`

	// Success is true iff every step reached completed.
	Success bool `json:"success"`

	Steps       []StepResult `json:"steps"`
	FailedSteps []string     `json:"failed_steps,omitempty"`

	// EscalateToCloud lists the steps that exhausted retries.
	EscalateToCloud []Step `json:"escalate_to_cloud,omitempty"`

	// StructuralFailure is set when the run aborted because remaining steps
	// could never become ready (cycle, or dependents of failed steps).
	StructuralFailure string `json:"structural_failure,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
