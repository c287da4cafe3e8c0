package reporting

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/plan"
)

// ZapReporter logs every event through a zap logger. It never returns an
// error.
type ZapReporter struct {
	logger *zap.Logger
}

// NewZapReporter creates a logging reporter.
func NewZapReporter(logger *zap.Logger) *ZapReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapReporter{logger: logger}
}

func (r *ZapReporter) PlanStarted(_ context.Context, e PlanEvent) error {
	r.logger.Info("plan started",
		zap.String("run_id", e.RunID),
		zap.String("plan_id", e.PlanID),
		zap.Int("steps", e.StepCount),
	)
	return nil
}

func (r *ZapReporter) StepStarted(_ context.Context, e StepEvent) error {
	r.logger.Info("step started",
		zap.String("run_id", e.RunID),
		zap.String("step_id", e.StepID),
		zap.Int("wave", e.Wave),
	)
	return nil
}

func (r *ZapReporter) StepFinished(_ context.Context, e StepEvent) error {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
		zap.String("step_id", e.StepID),
		zap.Int("wave", e.Wave),
	}
	if e.Result != nil {
		fields = append(fields,
			zap.Bool("success", e.Result.Success),
			zap.Int("attempts", e.Result.Attempts),
			zap.Bool("escalate", e.Result.Escalate),
		)
		if !e.Result.Success {
			fields = append(fields, zap.Strings("errors", e.Result.Errors))
			r.logger.Warn("step failed", fields...)
			return nil
		}
	}
	r.logger.Info("step finished", fields...)
	return nil
}

func (r *ZapReporter) PlanFinished(_ context.Context, result *plan.ExecutionResult) error {
	r.logger.Info("plan finished",
		zap.String("run_id", result.RunID),
		zap.String("plan_id", result.PlanID),
		zap.Bool("success", result.Success),
		zap.Int("failed_steps", len(result.FailedSteps)),
		zap.Int("escalated_steps", len(result.EscalateToCloud)),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	return nil
}

func (r *ZapReporter) Close() error {
	return nil
}

var _ Reporter = (*ZapReporter)(nil)
