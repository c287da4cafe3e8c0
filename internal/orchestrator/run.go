package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/checkpoint"
	"github.com/fyrsmithlabs/planrun/internal/executor"
	"github.com/fyrsmithlabs/planrun/internal/plan"
	"github.com/fyrsmithlabs/planrun/internal/reporting"
	"github.com/fyrsmithlabs/planrun/internal/scheduler"
)

// run bundles the collaborators built for a single plan execution.
type run struct {
	id    string
	plan  *plan.Plan
	exec  *executor.Executor
	store checkpoint.Store
}

// execute drives the wave loop. All plan state (step statuses, completion
// bookkeeping, the aggregated result) is mutated here, on the calling
// goroutine; worker goroutines only ever produce StepResults.
func (s *service) execute(ctx context.Context, r *run) (*plan.ExecutionResult, error) {
	result := &plan.ExecutionResult{
		RunID:     r.id,
		PlanID:    r.plan.ID,
		StartedAt: time.Now().UTC(),
	}

	s.logger.Info("plan execution started",
		zap.String("run_id", r.id),
		zap.String("plan_id", r.plan.ID),
		zap.Int("steps", len(r.plan.Steps)),
	)
	s.reportPlanStarted(ctx, reporting.PlanEvent{
		RunID:     r.id,
		PlanID:    r.plan.ID,
		Task:      r.plan.Task,
		StepCount: len(r.plan.Steps),
		Timestamp: time.Now().UTC(),
	})

	completed := make(map[string]bool, len(r.plan.Steps))
	failed := make(map[string]bool)
	wave := 0

	for len(completed)+len(failed) < len(r.plan.Steps) {
		if err := ctx.Err(); err != nil {
			s.finish(ctx, result, "canceled")
			return result, fmt.Errorf("plan execution aborted: %w", err)
		}

		ready := scheduler.Ready(r.plan.Steps, completed, failed)
		if len(ready) == 0 {
			stuck := scheduler.Unreachable(r.plan.Steps, completed, failed)
			msg := fmt.Sprintf("steps %s can never become ready", strings.Join(stuck, ", "))
			result.StructuralFailure = msg
			s.logger.Error("plan structurally stuck",
				zap.String("run_id", r.id),
				zap.Strings("steps", stuck),
			)
			s.finish(ctx, result, "structural")
			return result, fmt.Errorf("%w: %s", ErrStructural, msg)
		}

		wave++
		if s.wavesCounter != nil {
			s.wavesCounter.Add(ctx, 1)
		}
		for i := range ready {
			r.plan.StepByID(ready[i].ID).Status = plan.StatusReady
		}

		concurrent, sequential := scheduler.Partition(ready)
		s.logger.Info("wave scheduled",
			zap.String("run_id", r.id),
			zap.Int("wave", wave),
			zap.Int("concurrent", len(concurrent)),
			zap.Int("sequential", len(sequential)),
		)

		results := s.runConcurrent(ctx, r, wave, concurrent)
		results = append(results, s.runSequential(ctx, r, wave, sequential)...)
		for _, res := range results {
			s.apply(ctx, r, result, res, completed, failed)
		}
	}

	result.Success = len(failed) == 0
	if result.Success {
		// The run changed nothing that needs undoing anymore; drop the
		// checkpoint so a later rollback cannot revert a good run.
		if err := r.store.Clear(ctx); err != nil {
			s.logger.Warn("failed to clear checkpoint",
				zap.String("run_id", r.id),
				zap.Error(err),
			)
		}
		s.finish(ctx, result, "success")
		return result, nil
	}
	s.finish(ctx, result, "failed")
	return result, nil
}

// runConcurrent fans a wave's parallel batch out across worker goroutines,
// at most MaxConcurrent in flight. Steps whose workers cannot start before
// ctx is canceled produce no result; the wave loop notices the cancellation
// on its next pass.
func (s *service) runConcurrent(ctx context.Context, r *run, wave int, steps []plan.Step) []plan.StepResult {
	if len(steps) == 0 {
		return nil
	}

	resultsChan := make(chan plan.StepResult, len(steps))
	sem := make(chan struct{}, s.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range steps {
		r.plan.StepByID(steps[i].ID).Status = plan.StatusRunning
		wg.Add(1)
		go func(step plan.Step) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			resultsChan <- s.safeExecute(ctx, r, wave, step)
		}(steps[i])
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	var results []plan.StepResult
	for res := range resultsChan {
		results = append(results, res)
	}
	return results
}

// runSequential executes a wave's order-sensitive batch one step at a time,
// in plan order. The first failure stops the batch; the unexecuted steps
// remain non-terminal and are rescheduled once the failure's consequences
// are known.
func (s *service) runSequential(ctx context.Context, r *run, wave int, steps []plan.Step) []plan.StepResult {
	var results []plan.StepResult
	for i := range steps {
		if ctx.Err() != nil {
			break
		}

		r.plan.StepByID(steps[i].ID).Status = plan.StatusRunning
		res := s.safeExecute(ctx, r, wave, steps[i])
		results = append(results, res)
		if !res.Success {
			s.logger.Warn("sequential batch stopped",
				zap.String("run_id", r.id),
				zap.Int("wave", wave),
				zap.String("step_id", res.StepID),
				zap.Int("deferred", len(steps)-i-1),
			)
			break
		}
	}
	return results
}

// safeExecute runs one step through the executor, converting a panic into a
// failed StepResult so a single step cannot take down the run. The step
// finish event fires on both the normal and the panic path.
func (s *service) safeExecute(ctx context.Context, r *run, wave int, step plan.Step) (res plan.StepResult) {
	s.reportStepStarted(ctx, reporting.StepEvent{
		RunID:     r.id,
		PlanID:    r.plan.ID,
		StepID:    step.ID,
		Title:     step.Title,
		Type:      step.Type,
		Wave:      wave,
		Timestamp: time.Now().UTC(),
	})

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("step panicked",
				zap.String("run_id", r.id),
				zap.String("step_id", step.ID),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			res = plan.StepResult{
				StepID:   step.ID,
				Attempts: 1,
				Errors:   []string{fmt.Sprintf("step panicked: %v", rec)},
			}
		}
		s.reportStepFinished(ctx, reporting.StepEvent{
			RunID:     r.id,
			PlanID:    r.plan.ID,
			StepID:    step.ID,
			Title:     step.Title,
			Type:      step.Type,
			Wave:      wave,
			Result:    &res,
			Timestamp: time.Now().UTC(),
		})
	}()

	return r.exec.Execute(ctx, step, r.plan.Task, r.plan.Context)
}

// apply folds one step outcome into the run's bookkeeping.
func (s *service) apply(ctx context.Context, r *run, result *plan.ExecutionResult, res plan.StepResult, completed, failed map[string]bool) {
	result.Steps = append(result.Steps, res)

	step := r.plan.StepByID(res.StepID)
	if res.Success {
		step.Status = plan.StatusCompleted
		completed[res.StepID] = true
	} else {
		step.Status = plan.StatusFailed
		failed[res.StepID] = true
		result.FailedSteps = append(result.FailedSteps, res.StepID)
		if res.Escalate {
			result.EscalateToCloud = append(result.EscalateToCloud, *step)
		}
	}

	if s.stepsCounter != nil {
		s.stepsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(step.Status)),
		))
	}
}

// finish stamps the result and fires the terminal callbacks shared by every
// exit path.
func (s *service) finish(ctx context.Context, result *plan.ExecutionResult, status string) {
	result.FinishedAt = time.Now().UTC()

	if s.plansCounter != nil {
		s.plansCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status),
		))
	}
	s.logger.Info("plan execution finished",
		zap.String("run_id", result.RunID),
		zap.String("status", status),
		zap.Int("steps", len(result.Steps)),
		zap.Int("failed", len(result.FailedSteps)),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	s.reportPlanFinished(ctx, result)
}

func (s *service) reportPlanStarted(ctx context.Context, e reporting.PlanEvent) {
	if err := s.reporter.PlanStarted(ctx, e); err != nil {
		s.logger.Warn("failed to report plan start", zap.Error(err))
	}
}

func (s *service) reportStepStarted(ctx context.Context, e reporting.StepEvent) {
	if err := s.reporter.StepStarted(ctx, e); err != nil {
		s.logger.Warn("failed to report step start",
			zap.String("step_id", e.StepID),
			zap.Error(err),
		)
	}
}

func (s *service) reportStepFinished(ctx context.Context, e reporting.StepEvent) {
	if err := s.reporter.StepFinished(ctx, e); err != nil {
		s.logger.Warn("failed to report step finish",
			zap.String("step_id", e.StepID),
			zap.Error(err),
		)
	}
}

func (s *service) reportPlanFinished(ctx context.Context, result *plan.ExecutionResult) {
	if err := s.reporter.PlanFinished(ctx, result); err != nil {
		s.logger.Warn("failed to report plan finish", zap.Error(err))
	}
}
