package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/checkpoint"
	"github.com/fyrsmithlabs/planrun/internal/executor"
	"github.com/fyrsmithlabs/planrun/internal/generator"
	"github.com/fyrsmithlabs/planrun/internal/plan"
	"github.com/fyrsmithlabs/planrun/internal/reporting"
	"github.com/fyrsmithlabs/planrun/internal/secrets"
	"github.com/fyrsmithlabs/planrun/internal/template"
	"github.com/fyrsmithlabs/planrun/internal/validator"
)

const instrumentationName = "github.com/fyrsmithlabs/planrun/internal/orchestrator"

var (
	// ErrStructural indicates a run aborted because the remaining steps can
	// never become ready. The partial result returned alongside it names the
	// stuck steps in StructuralFailure.
	ErrStructural = errors.New("plan cannot make further progress")

	// ErrClosed indicates the service has been closed.
	ErrClosed = errors.New("orchestrator is closed")
)

// Config configures the orchestrator.
type Config struct {
	// MaxRetries is the per-step retry budget after the first attempt
	// (default: 2).
	MaxRetries int

	// MaxConcurrent bounds how many steps of a wave's concurrent batch run
	// at once (default: 4).
	MaxConcurrent int

	// WorkspaceRoot anchors step output paths and rollback (default: ".").
	WorkspaceRoot string

	// CheckpointDir is where checkpoint records are persisted
	// (default: <WorkspaceRoot>/.planrun/checkpoints).
	CheckpointDir string
}

// DefaultConfig returns defaults rooted at the current directory.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:    2,
		MaxConcurrent: 4,
		WorkspaceRoot: ".",
	}
}

// Service executes plans.
type Service interface {
	// ExecutePlan runs p to its aggregated result. The returned error is
	// non-nil only for runs that could not finish: invalid plans, context
	// cancellation, and structural failures. Step-local failures live in
	// the result, with Success false.
	ExecutePlan(ctx context.Context, p *plan.Plan) (*plan.ExecutionResult, error)

	// Close marks the service closed. Injected collaborators stay open;
	// they belong to the caller.
	Close() error
}

type service struct {
	config    *Config
	renderer  template.Renderer
	generator generator.Client
	checks    validator.Runner
	scrubber  secrets.Scrubber
	reporter  reporting.Reporter
	logger    *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	plansCounter metric.Int64Counter
	stepsCounter metric.Int64Counter
	wavesCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// New creates an orchestrator service. The scrubber may be nil to disable
// prompt scrubbing and the reporter may be nil to discard events.
func New(cfg *Config, renderer template.Renderer, gen generator.Client, checks validator.Runner, scrubber secrets.Scrubber, reporter reporting.Reporter, logger *zap.Logger) (Service, error) {
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
	if scrubber == nil {
		scrubber = secrets.NopScrubber{}
	}
	if reporter == nil {
		reporter = reporting.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "."
	}

	s := &service{
		config:    cfg,
		renderer:  renderer,
		generator: gen,
		checks:    checks,
		scrubber:  scrubber,
		reporter:  reporter,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.plansCounter, err = s.meter.Int64Counter(
		"planrun.orchestrator.plans_total",
		metric.WithDescription("Plan runs by final status"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		s.logger.Warn("failed to create plans counter", zap.Error(err))
	}

	s.stepsCounter, err = s.meter.Int64Counter(
		"planrun.orchestrator.steps_total",
		metric.WithDescription("Steps reaching a terminal status"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		s.logger.Warn("failed to create steps counter", zap.Error(err))
	}

	s.wavesCounter, err = s.meter.Int64Counter(
		"planrun.orchestrator.waves_total",
		metric.WithDescription("Scheduling waves dispatched"),
		metric.WithUnit("{wave}"),
	)
	if err != nil {
		s.logger.Warn("failed to create waves counter", zap.Error(err))
	}
}

// ExecutePlan validates p, infers file dependencies, and drives the wave
// loop to completion. Each call builds its own checkpoint store and step
// executor, so concurrent calls never share run state.
func (s *service) ExecutePlan(ctx context.Context, p *plan.Plan) (*plan.ExecutionResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	if p == nil {
		return nil, errors.New("plan is required")
	}

	ctx, span := s.tracer.Start(ctx, "orchestrator.execute_plan")
	defer span.End()

	if err := p.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan validation failed")
		return nil, fmt.Errorf("plan validation failed: %w", err)
	}
	plan.InferFileDependencies(p)

	runID := uuid.NewString()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("plan_id", p.ID),
		attribute.Int("step_count", len(p.Steps)),
	)

	store, err := checkpoint.NewStore(&checkpoint.Config{
		Root:   s.config.WorkspaceRoot,
		Dir:    s.config.CheckpointDir,
		RunID:  runID,
		PlanID: p.ID,
	}, s.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint store creation failed")
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			s.logger.Warn("failed to close checkpoint store",
				zap.String("run_id", runID),
				zap.Error(cerr),
			)
		}
	}()

	exec, err := executor.New(&executor.Config{
		MaxRetries:    s.config.MaxRetries,
		WorkspaceRoot: s.config.WorkspaceRoot,
	}, s.renderer, s.generator, s.checks, store, s.scrubber, s.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor creation failed")
		return nil, fmt.Errorf("failed to create step executor: %w", err)
	}

	result, err := s.execute(ctx, &run{id: runID, plan: p, exec: exec, store: store})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.Bool("success", result.Success))
	return result, nil
}

// Close marks the service closed. Idempotent.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("orchestrator closed")
	return nil
}
