package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/planrun/internal/checkpoint"
	"github.com/fyrsmithlabs/planrun/internal/plan"
	"github.com/fyrsmithlabs/planrun/internal/reporting"
	"github.com/fyrsmithlabs/planrun/internal/validator"
)

// stubRenderer produces a prompt carrying the step id so the generator stub
// can key its behavior per step.
type stubRenderer struct {
	panicOn string
}

func (r *stubRenderer) Render(_ string, data map[string]any) (string, error) {
	id, _ := data["step_id"].(string)
	if r.panicOn != "" && id == r.panicOn {
		panic("template registry corrupted")
	}
	return "step:" + id, nil
}

// stubGenerator succeeds or fails per step id and tracks how many calls run
// at once.
type stubGenerator struct {
	delay  time.Duration
	failOn map[string]bool

	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	id, _, _ := strings.Cut(strings.TrimPrefix(prompt, "step:"), "\n")

	g.mu.Lock()
	g.calls = append(g.calls, id)
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	g.active--
	fail := g.failOn[id]
	g.mu.Unlock()

	if fail {
		return "", errors.New("model unavailable")
	}
	return "content for " + id, nil
}

func (g *stubGenerator) Close() error { return nil }

func (g *stubGenerator) capturedCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *stubGenerator) peakActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

// recordingReporter captures event order for scheduling assertions.
type recordingReporter struct {
	mu           sync.Mutex
	sequence     []string
	waves        map[string]int
	planStarts   int
	planFinishes int
	lastResult   *plan.ExecutionResult
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{waves: make(map[string]int)}
}

func (r *recordingReporter) PlanStarted(_ context.Context, _ reporting.PlanEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planStarts++
	return nil
}

func (r *recordingReporter) StepStarted(_ context.Context, e reporting.StepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence = append(r.sequence, "started:"+e.StepID)
	r.waves[e.StepID] = e.Wave
	return nil
}

func (r *recordingReporter) StepFinished(_ context.Context, e reporting.StepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence = append(r.sequence, "finished:"+e.StepID)
	return nil
}

func (r *recordingReporter) PlanFinished(_ context.Context, result *plan.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planFinishes++
	r.lastResult = result
	return nil
}

func (r *recordingReporter) Close() error { return nil }

// index returns the position of event in the captured sequence, or -1.
func (r *recordingReporter) index(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.sequence {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *recordingReporter) wave(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waves[stepID]
}

// failingReporter errors on every callback.
type failingReporter struct{}

func (failingReporter) PlanStarted(context.Context, reporting.PlanEvent) error {
	return errors.New("sink down")
}

func (failingReporter) StepStarted(context.Context, reporting.StepEvent) error {
	return errors.New("sink down")
}

func (failingReporter) StepFinished(context.Context, reporting.StepEvent) error {
	return errors.New("sink down")
}

func (failingReporter) PlanFinished(context.Context, *plan.ExecutionResult) error {
	return errors.New("sink down")
}

func (failingReporter) Close() error { return errors.New("sink down") }

func newTestService(t *testing.T, cfg *Config, gen *stubGenerator, rep reporting.Reporter) Service {
	t.Helper()
	svc, err := New(cfg, &stubRenderer{}, gen, validator.NewRunner(nil), nil, rep, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func fileStep(id string, deps ...string) plan.Step {
	return plan.Step{
		ID:        id,
		Title:     "generate " + id,
		Type:      "code",
		Params:    map[string]any{"file": filepath.Join("out", id+".txt")},
		DependsOn: deps,
	}
}

func stepResult(t *testing.T, result *plan.ExecutionResult, id string) plan.StepResult {
	t.Helper()
	for _, res := range result.Steps {
		if res.StepID == id {
			return res
		}
	}
	t.Fatalf("no result for step %q", id)
	return plan.StepResult{}
}

func recordFiles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, ".planrun", "checkpoints"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestNew_RequiresDependencies(t *testing.T) {
	gen := &stubGenerator{}
	renderer := &stubRenderer{}
	runner := validator.NewRunner(nil)

	_, err := New(nil, nil, gen, runner, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(nil, renderer, nil, runner, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(nil, renderer, gen, nil, nil, nil, nil)
	assert.Error(t, err)

	svc, err := New(nil, renderer, gen, runner, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, svc)
	assert.NoError(t, svc.Close())
}

func TestExecutePlan_CompletesDAGInDependencyOrder(t *testing.T) {
	root := t.TempDir()
	gen := &stubGenerator{}
	rep := newRecordingReporter()
	svc := newTestService(t, &Config{MaxRetries: 0, MaxConcurrent: 4, WorkspaceRoot: root}, gen, rep)

	p := &plan.Plan{
		ID:   "build-greeter",
		Task: "build a greeter",
		Steps: []plan.Step{
			fileStep("a"),
			fileStep("b"),
			fileStep("c", "a", "b"),
			fileStep("d", "c"),
		},
	}

	result, err := svc.ExecutePlan(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "build-greeter", result.PlanID)
	assert.Len(t, result.Steps, 4)
	assert.Empty(t, result.FailedSteps)
	assert.Empty(t, result.StructuralFailure)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, plan.StatusCompleted, p.StepByID(id).Status)
		content, err := os.ReadFile(filepath.Join(root, "out", id+".txt"))
		require.NoError(t, err)
		assert.Equal(t, "content for "+id, string(content))
	}

	// No step may start before every dependency has finished.
	assert.Less(t, rep.index("finished:a"), rep.index("started:c"))
	assert.Less(t, rep.index("finished:b"), rep.index("started:c"))
	assert.Less(t, rep.index("finished:c"), rep.index("started:d"))

	assert.Equal(t, 1, rep.wave("a"))
	assert.Equal(t, 1, rep.wave("b"))
	assert.Equal(t, 2, rep.wave("c"))
	assert.Equal(t, 3, rep.wave("d"))
	assert.Equal(t, 1, rep.planStarts)
	assert.Equal(t, 1, rep.planFinishes)

	// A fully successful run leaves no checkpoint behind.
	assert.Empty(t, recordFiles(t, root))
}

func TestExecutePlan_RejectsCyclicPlan(t *testing.T) {
	gen := &stubGenerator{}
	rep := newRecordingReporter()
	svc := newTestService(t, &Config{WorkspaceRoot: t.TempDir()}, gen, rep)

	p := &plan.Plan{
		ID: "cyclic",
		Steps: []plan.Step{
			fileStep("a", "b"),
			fileStep("b", "a"),
		},
	}

	result, err := svc.ExecutePlan(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrCircularDependency)
	assert.Nil(t, result)

	// Rejected before anything ran or was reported.
	assert.Empty(t, gen.capturedCalls())
	assert.Equal(t, 0, rep.planStarts)
}

func TestExecutePlan_NilPlan(t *testing.T) {
	svc := newTestService(t, &Config{WorkspaceRoot: t.TempDir()}, &stubGenerator{}, nil)

	result, err := svc.ExecutePlan(context.Background(), nil)
	assert.Error(t, err)
	assert.Nil(t, result)
}

func TestExecutePlan_EmptyPlanSucceeds(t *testing.T) {
	rep := newRecordingReporter()
	svc := newTestService(t, &Config{WorkspaceRoot: t.TempDir()}, &stubGenerator{}, rep)

	result, err := svc.ExecutePlan(context.Background(), &plan.Plan{ID: "empty"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.Steps)
	assert.Equal(t, 1, rep.planStarts)
	assert.Equal(t, 1, rep.planFinishes)
}

func TestExecutePlan_StructuralFailureReturnsPartialResult(t *testing.T) {
	gen := &stubGenerator{failOn: map[string]bool{"a": true}}
	rep := newRecordingReporter()
	svc := newTestService(t, &Config{MaxRetries: 0, MaxConcurrent: 4, WorkspaceRoot: t.TempDir()}, gen, rep)

	p := &plan.Plan{
		ID: "stuck",
		Steps: []plan.Step{
			fileStep("a"),
			fileStep("b"),
			fileStep("c", "a"),
		},
	}

	result, err := svc.ExecutePlan(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStructural)
	assert.Contains(t, err.Error(), "steps c can never become ready")

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "steps c can never become ready", result.StructuralFailure)
	assert.Len(t, result.Steps, 2)
	assert.Equal(t, []string{"a"}, result.FailedSteps)

	// The failed step exhausted its budget, so it is flagged for escalation.
	require.Len(t, result.EscalateToCloud, 1)
	assert.Equal(t, "a", result.EscalateToCloud[0].ID)

	// The stuck step never ran.
	assert.Equal(t, plan.StatusPending, p.StepByID("c").Status)
	assert.Equal(t, -1, rep.index("started:c"))

	// The partial result still reaches the reporter.
	assert.Equal(t, 1, rep.planFinishes)
	require.NotNil(t, rep.lastResult)
	assert.Equal(t, "steps c can never become ready", rep.lastResult.StructuralFailure)
}

func TestExecutePlan_IndependentBranchesContinue(t *testing.T) {
	root := t.TempDir()
	gen := &stubGenerator{failOn: map[string]bool{"a": true}}
	rep := newRecordingReporter()
	svc := newTestService(t, &Config{MaxRetries: 1, MaxConcurrent: 4, WorkspaceRoot: root}, gen, rep)

	p := &plan.Plan{
		ID: "branches",
		Steps: []plan.Step{
			fileStep("a"),
			fileStep("b"),
			fileStep("c", "b"),
		},
	}

	result, err := svc.ExecutePlan(context.Background(), p)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"a"}, result.FailedSteps)
	assert.Len(t, result.Steps, 3)

	failedRes := stepResult(t, result, "a")
	assert.Equal(t, 2, failedRes.Attempts)
	assert.True(t, failedRes.Escalate)

	assert.Equal(t, plan.StatusCompleted, p.StepByID("c").Status)
	assert.Less(t, rep.index("finished:b"), rep.index("started:c"))
	assert.Equal(t, 2, rep.wave("c"))
}

func TestExecutePlan_SequentialStopsAtFirstFailure(t *testing.T) {
	noParallel := false
	gen := &stubGenerator{failOn: map[string]bool{"x": true}}
	rep := newRecordingReporter()
	svc := newTestService(t, &Config{MaxRetries: 0, MaxConcurrent: 4, WorkspaceRoot: t.TempDir()}, gen, rep)

	p := &plan.Plan{
		ID: "sequential",
		Steps: []plan.Step{
			{ID: "x", Type: "code", CanParallelize: &noParallel},
			{ID: "y", Type: "code", CanParallelize: &noParallel},
		},
	}

	result, err := svc.ExecutePlan(context.Background(), p)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"x"}, result.FailedSteps)
	assert.Equal(t, plan.StatusCompleted, p.StepByID("y").Status)

	// y was deferred past x's failure and ran in the following wave.
	assert.Less(t, rep.index("finished:x"), rep.index("started:y"))
	assert.Equal(t, 1, rep.wave("x"))
	assert.Equal(t, 2, rep.wave("y"))
}

func TestExecutePlan_BoundsConcurrency(t *testing.T) {
	gen := &stubGenerator{delay: 25 * time.Millisecond}
	rep := newRecordingReporter()
	svc := newTestService(t, &Config{MaxRetries: 0, MaxConcurrent: 2, WorkspaceRoot: t.TempDir()}, gen, rep)

	p := &plan.Plan{ID: "wide"}
	for i := 0; i < 6; i++ {
		p.Steps = append(p.Steps, fileStep(fmt.Sprintf("s%d", i)))
	}

	result, err := svc.ExecutePlan(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Len(t, gen.capturedCalls(), 6)
	assert.LessOrEqual(t, gen.peakActive(), 2)
	for i := 0; i < 6; i++ {
		assert.Equal(t, 1, rep.wave(fmt.Sprintf("s%d", i)))
	}
}

func TestExecutePlan_IsolatesStepPanic(t *testing.T) {
	root := t.TempDir()
	gen := &stubGenerator{}
	rep := newRecordingReporter()
	svc, err := New(
		&Config{MaxRetries: 0, MaxConcurrent: 4, WorkspaceRoot: root},
		&stubRenderer{panicOn: "boom"},
		gen,
		validator.NewRunner(nil),
		nil,
		rep,
		nil,
	)
	require.NoError(t, err)
	defer svc.Close()

	p := &plan.Plan{
		ID: "panicky",
		Steps: []plan.Step{
			fileStep("boom"),
			fileStep("ok"),
		},
	}

	result, err := svc.ExecutePlan(context.Background(), p)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"boom"}, result.FailedSteps)
	assert.Equal(t, plan.StatusCompleted, p.StepByID("ok").Status)

	boomRes := stepResult(t, result, "boom")
	assert.False(t, boomRes.Success)
	assert.Equal(t, 1, boomRes.Attempts)
	require.NotEmpty(t, boomRes.Errors)
	assert.Contains(t, boomRes.Errors[0], "step panicked")
	assert.False(t, boomRes.Escalate)

	// The finish event still fires for the panicked step.
	assert.NotEqual(t, -1, rep.index("finished:boom"))
}

func TestExecutePlan_FailedRunLeavesCheckpointForRollback(t *testing.T) {
	root := t.TempDir()
	origPath := filepath.Join(root, "orig.txt")
	require.NoError(t, os.WriteFile(origPath, []byte("original contents"), 0o644))

	gen := &stubGenerator{failOn: map[string]bool{"doomed": true}}
	svc := newTestService(t, &Config{MaxRetries: 0, MaxConcurrent: 4, WorkspaceRoot: root}, gen, nil)

	p := &plan.Plan{
		ID: "partial",
		Steps: []plan.Step{
			{ID: "edit", Type: "code", Params: map[string]any{"file": "orig.txt"}},
			{ID: "create", Type: "code", Params: map[string]any{"file": filepath.Join("gen", "new.txt")}},
			{ID: "doomed", Type: "code"},
		},
	}

	result, err := svc.ExecutePlan(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, result.Success)

	// The run's output stays on disk; nothing is undone automatically.
	content, err := os.ReadFile(origPath)
	require.NoError(t, err)
	assert.Equal(t, "content for edit", string(content))
	assert.FileExists(t, filepath.Join(root, "gen", "new.txt"))
	require.Len(t, recordFiles(t, root), 1)

	// An operator rolls the run back through the persisted record.
	store, err := checkpoint.OpenLatest(&checkpoint.Config{Root: root}, nil)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, result.RunID, store.Record().RunID)

	summary, err := store.Rollback(context.Background())
	require.NoError(t, err)
	assert.Len(t, summary.Deleted, 1)
	assert.Len(t, summary.Restored, 1)

	content, err = os.ReadFile(origPath)
	require.NoError(t, err)
	assert.Equal(t, "original contents", string(content))
	assert.NoFileExists(t, filepath.Join(root, "gen", "new.txt"))
	assert.NoDirExists(t, filepath.Join(root, "gen"))
	assert.Empty(t, recordFiles(t, root))

	// Rolling back again is a no-op.
	summary, err = store.Rollback(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Deleted)
	assert.Empty(t, summary.Restored)
}

func TestExecutePlan_CanceledContext(t *testing.T) {
	rep := newRecordingReporter()
	svc := newTestService(t, &Config{WorkspaceRoot: t.TempDir()}, &stubGenerator{}, rep)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &plan.Plan{ID: "canceled", Steps: []plan.Step{fileStep("a")}}
	result, err := svc.ExecutePlan(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Empty(t, result.Steps)
	assert.False(t, result.FinishedAt.IsZero())
	assert.Equal(t, 1, rep.planFinishes)
}

func TestExecutePlan_ReporterFailureDoesNotFailRun(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, &Config{MaxRetries: 0, WorkspaceRoot: root}, &stubGenerator{}, failingReporter{})

	p := &plan.Plan{ID: "reported", Steps: []plan.Step{fileStep("a")}}
	result, err := svc.ExecutePlan(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestClose_Idempotent(t *testing.T) {
	svc := newTestService(t, nil, &stubGenerator{}, nil)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err := svc.ExecutePlan(context.Background(), &plan.Plan{ID: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}
