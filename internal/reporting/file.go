package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/plan"
)

const (
	eventPlanStarted  = "plan_started"
	eventStepStarted  = "step_started"
	eventStepFinished = "step_finished"
	eventPlanFinished = "plan_finished"

	eventsFileName  = "events.jsonl"
	summaryFileName = "result.json"
)

// FileReporter appends run events as JSON lines to
// <dir>/<runID>/events.jsonl and writes the aggregated result to
// <dir>/<runID>/result.json when the plan finishes. One reporter serves any
// number of runs; files are opened on a run's first event and closed when its
// plan finishes.
type FileReporter struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*os.File
}

// NewFileReporter creates a file reporter rooted at dir.
func NewFileReporter(dir string, logger *zap.Logger) (*FileReporter, error) {
	if dir == "" {
		return nil, errors.New("report directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve report directory: %w", err)
	}

	return &FileReporter{
		dir:    abs,
		logger: logger,
		runs:   make(map[string]*os.File),
	}, nil
}

// RunDir returns the directory holding a run's report files.
func (r *FileReporter) RunDir(runID string) string {
	return filepath.Join(r.dir, runID)
}

type planLine struct {
	Event string `json:"event"`
	PlanEvent
}

type stepLine struct {
	Event string `json:"event"`
	StepEvent
}

type summaryLine struct {
	Event  string                `json:"event"`
	Result *plan.ExecutionResult `json:"result"`
}

func (r *FileReporter) PlanStarted(_ context.Context, e PlanEvent) error {
	return r.append(e.RunID, planLine{Event: eventPlanStarted, PlanEvent: e})
}

func (r *FileReporter) StepStarted(_ context.Context, e StepEvent) error {
	return r.append(e.RunID, stepLine{Event: eventStepStarted, StepEvent: e})
}

func (r *FileReporter) StepFinished(_ context.Context, e StepEvent) error {
	return r.append(e.RunID, stepLine{Event: eventStepFinished, StepEvent: e})
}

// PlanFinished appends the closing event, writes the summary file, and
// releases the run's event stream.
func (r *FileReporter) PlanFinished(_ context.Context, result *plan.ExecutionResult) error {
	if err := r.append(result.RunID, summaryLine{Event: eventPlanFinished, Result: result}); err != nil {
		return err
	}

	summary, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.RunDir(result.RunID), summaryFileName), summary, 0o644); err != nil {
		return fmt.Errorf("failed to write result summary: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.runs[result.RunID]; ok {
		delete(r.runs, result.RunID)
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close event stream: %w", err)
		}
	}
	return nil
}

// Close releases every open event stream.
func (r *FileReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for runID, f := range r.runs {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event stream for run %s: %w", runID, err))
		}
	}
	r.runs = make(map[string]*os.File)
	return errors.Join(errs...)
}

// append writes one JSON line to the run's event stream, opening it on the
// run's first event.
func (r *FileReporter) append(runID string, line any) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.eventStreamLocked(runID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (r *FileReporter) eventStreamLocked(runID string) (*os.File, error) {
	if f, ok := r.runs[runID]; ok {
		return f, nil
	}

	runDir := r.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run report directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(runDir, eventsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	r.runs[runID] = f
	r.logger.Debug("opened run event stream", zap.String("run_id", runID), zap.String("dir", runDir))
	return f, nil
}

var _ Reporter = (*FileReporter)(nil)
