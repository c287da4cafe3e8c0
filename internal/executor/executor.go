// Package executor runs a single step's lifecycle: render the prompt, call
// the generator, write the output, validate it, and retry with corrective
// feedback until the step succeeds or its attempt budget is exhausted.
//
// Execute never returns a Go error. Every failure is captured in the
// StepResult so the orchestrator's wave loop stays free of step-local error
// propagation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/checkpoint"
	"github.com/fyrsmithlabs/planrun/internal/generator"
	"github.com/fyrsmithlabs/planrun/internal/plan"
	"github.com/fyrsmithlabs/planrun/internal/secrets"
	"github.com/fyrsmithlabs/planrun/internal/template"
	"github.com/fyrsmithlabs/planrun/internal/validator"
)

const instrumentationName = "github.com/fyrsmithlabs/planrun/internal/executor"

// maxErrorLength bounds each recorded error string so huge provider
// responses cannot bloat results or feedback prompts.
const maxErrorLength = 2000

// Config configures a step executor.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, giving
	// MaxRetries+1 attempts in total (default: 2).
	MaxRetries int

	// WorkspaceRoot anchors output path resolution. Paths escaping it are
	// rejected.
	WorkspaceRoot string
}

// DefaultConfig returns defaults rooted at the current directory.
func DefaultConfig() *Config {
	return &Config{MaxRetries: 2, WorkspaceRoot: "."}
}

// Executor executes one step at a time. It is safe for concurrent use by
// sibling steps of a wave; all shared mutable state lives in the checkpoint
// store, which serializes internally.
type Executor struct {
	config    *Config
	renderer  template.Renderer
	generator generator.Client
	checks    validator.Runner
	store     checkpoint.Store
	scrubber  secrets.Scrubber
	logger    *zap.Logger

	tracer             trace.Tracer
	meter              metric.Meter
	attemptsCounter    metric.Int64Counter
	escalationsCounter metric.Int64Counter
}

// New creates a step executor. The scrubber may be nil to disable prompt
// scrubbing.
func New(cfg *Config, renderer template.Renderer, gen generator.Client, checks validator.Runner, store checkpoint.Store, scrubber secrets.Scrubber, logger *zap.Logger) (*Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if gen == nil {
		return nil, errors.New("generator client is required")
	}
	if checks == nil {
		return nil, errors.New("validator is required")
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if scrubber == nil {
		scrubber = secrets.NopScrubber{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	root, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	cfg.WorkspaceRoot = root

	e := &Executor{
		config:    cfg,
		renderer:  renderer,
		generator: gen,
		checks:    checks,
		store:     store,
		scrubber:  scrubber,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Executor) initMetrics() {
	var err error

	e.attemptsCounter, err = e.meter.Int64Counter(
		"planrun.executor.attempts_total",
		metric.WithDescription("Step execution attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		e.logger.Warn("failed to create attempts counter", zap.Error(err))
	}

	e.escalationsCounter, err = e.meter.Int64Counter(
		"planrun.executor.escalations_total",
		metric.WithDescription("Steps that exhausted their retry budget"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		e.logger.Warn("failed to create escalations counter", zap.Error(err))
	}
}

// Execute runs one step to its final outcome. task and planContext come from
// the enclosing plan; planContext keys are merged under the step's params,
// with params winning on conflict.
func (e *Executor) Execute(ctx context.Context, step plan.Step, task string, planContext map[string]any) plan.StepResult {
	ctx, span := e.tracer.Start(ctx, "executor.execute_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("step_id", step.ID),
		attribute.String("step_type", step.Type),
	)

	result := plan.StepResult{StepID: step.ID}
	defer func() {
		span.SetAttributes(
			attribute.Bool("success", result.Success),
			attribute.Int("attempts", result.Attempts),
			attribute.Bool("escalate", result.Escalate),
		)
	}()

	outPath, err := e.resolveOutputPath(step)
	if err != nil {
		// A path outside the workspace is a plan defect, not something
		// retries can fix.
		result.Attempts = 1
		result.Errors = append(result.Errors, truncate(err.Error()))
		span.RecordError(err)
		return result
	}

	tracked := false
	var feedback []string
	maxAttempts := e.config.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, truncate(fmt.Sprintf("aborted: %v", err)))
			return result
		}

		prompt, err := e.renderPrompt(ctx, step, task, planContext, feedback)
		if err != nil {
			// Missing template or unresolved placeholder: a configuration
			// defect. No retry, no escalation.
			result.Errors = append(result.Errors, truncate(err.Error()))
			span.RecordError(err)
			return result
		}

		attemptErr := e.attempt(ctx, step, prompt, outPath, &tracked)
		e.recordAttempt(ctx, step, attemptErr)
		if attemptErr == nil {
			result.Success = true
			e.logger.Info("step completed",
				zap.String("step_id", step.ID),
				zap.Int("attempts", attempt),
			)
			return result
		}

		msg := truncate(attemptErr.Error())
		result.Errors = append(result.Errors, msg)
		feedback = append(feedback, msg)
		e.logger.Warn("step attempt failed",
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempt),
			zap.String("error", msg),
		)
	}

	result.Escalate = true
	if e.escalationsCounter != nil {
		e.escalationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("step_type", step.Type)))
	}
	e.logger.Error("step exhausted retries",
		zap.String("step_id", step.ID),
		zap.Int("attempts", result.Attempts),
	)
	return result
}

// attempt runs generate, write, and validate once. A nil return means the
// step's output passed every check.
func (e *Executor) attempt(ctx context.Context, step plan.Step, prompt, outPath string, tracked *bool) error {
	output, err := e.generator.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	output = stripMarkdownFence(output)

	if outPath != "" {
		if err := e.writeOutput(ctx, outPath, output, tracked); err != nil {
			return err
		}
	}

	results := e.checks.RunChecks(ctx, step.Validation.Checks, outPath)
	for _, res := range results {
		if !res.Success {
			return fmt.Errorf("check %q failed: %s", res.Check, res.Message)
		}
	}
	return nil
}

// writeOutput tracks the path on its first write, then writes the content.
// Tracking precedes the write so a crash mid-write still leaves the original
// recoverable.
func (e *Executor) writeOutput(ctx context.Context, path, content string, tracked *bool) error {
	if !*tracked {
		if _, err := os.Stat(path); err == nil {
			if err := e.store.TrackModification(ctx, path); err != nil {
				return fmt.Errorf("failed to track modification: %w", err)
			}
		} else if os.IsNotExist(err) {
			if err := e.store.TrackCreation(ctx, path); err != nil {
				return fmt.Errorf("failed to track creation: %w", err)
			}
		} else {
			return fmt.Errorf("failed to stat output path: %w", err)
		}
		*tracked = true
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// renderPrompt renders the step's template and appends accumulated failure
// feedback so each retry sees exactly what was wrong before.
func (e *Executor) renderPrompt(ctx context.Context, step plan.Step, task string, planContext map[string]any, feedback []string) (string, error) {
	data := make(map[string]any, len(planContext)+len(step.Params)+3)
	for k, v := range planContext {
		data[k] = v
	}
	data["task"] = task
	data["step_id"] = step.ID
	data["title"] = step.Title
	for k, v := range step.Params {
		data[k] = v
	}

	templateID := step.Type
	if templateID == "" {
		templateID = "default"
	}
	prompt, err := e.renderer.Render(templateID, data)
	if err != nil {
		return "", err
	}

	if len(feedback) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\nThe previous attempt failed validation. Fix the following and produce the complete corrected output:\n")
		for _, f := range feedback {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		prompt = b.String()
	}

	scrubbed, _ := e.scrubber.Scrub(ctx, prompt)
	return scrubbed, nil
}

// resolveOutputPath resolves the step's output path under the workspace
// root, rejecting anything that escapes it.
func (e *Executor) resolveOutputPath(step plan.Step) (string, error) {
	raw := step.OutputPath()
	if raw == "" {
		return "", nil
	}

	root := e.config.WorkspaceRoot
	abs := filepath.Clean(raw)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, raw)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q escapes workspace root", raw)
	}
	return abs, nil
}

func (e *Executor) recordAttempt(ctx context.Context, step plan.Step, attemptErr error) {
	if e.attemptsCounter == nil {
		return
	}
	status := "success"
	if attemptErr != nil {
		status = "failure"
	}
	e.attemptsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step_type", step.Type),
		attribute.String("status", status),
	))
}

// stripMarkdownFence removes a single wrapping code fence, with optional
// language tag, from generated output. Content without a fence passes
// through unchanged.
func stripMarkdownFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// truncate bounds an error message to maxErrorLength characters.
func truncate(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength] + "...(truncated)"
}
