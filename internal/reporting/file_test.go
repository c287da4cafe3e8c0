package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/planrun/internal/plan"
)

func readEventLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &line), "line: %s", raw)
		lines = append(lines, line)
	}
	return lines
}

func TestNewFileReporter_RequiresDir(t *testing.T) {
	_, err := NewFileReporter("", nil)
	assert.Error(t, err)
}

func TestFileReporter_WritesEventStreamAndSummary(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileReporter(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.PlanStarted(ctx, PlanEvent{RunID: "run-1", PlanID: "p1", Task: "build", StepCount: 2, Timestamp: now}))
	require.NoError(t, r.StepStarted(ctx, StepEvent{RunID: "run-1", StepID: "a", Wave: 0, Timestamp: now}))
	require.NoError(t, r.StepFinished(ctx, StepEvent{
		RunID:  "run-1",
		StepID: "a",
		Wave:   0,
		Result: &plan.StepResult{StepID: "a", Success: true, Attempts: 1},
	}))

	result := &plan.ExecutionResult{
		RunID:      "run-1",
		PlanID:     "p1",
		Success:    true,
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	}
	require.NoError(t, r.PlanFinished(ctx, result))

	lines := readEventLines(t, filepath.Join(dir, "run-1", "events.jsonl"))
	require.Len(t, lines, 4)
	assert.Equal(t, "plan_started", lines[0]["event"])
	assert.Equal(t, "step_started", lines[1]["event"])
	assert.Equal(t, "step_finished", lines[2]["event"])
	assert.Equal(t, "plan_finished", lines[3]["event"])

	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "a", lines[1]["step_id"])

	finished, ok := lines[2]["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, finished["success"])

	// The summary file holds the full result.
	data, err := os.ReadFile(filepath.Join(dir, "run-1", "result.json"))
	require.NoError(t, err)
	var decoded plan.ExecutionResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.True(t, decoded.Success)

	// The run's stream is released after the plan finishes.
	r.mu.Lock()
	assert.Empty(t, r.runs)
	r.mu.Unlock()
}

func TestFileReporter_ConcurrentStepEvents(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileReporter(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.PlanStarted(ctx, PlanEvent{RunID: "run-1", StepCount: 20}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e := StepEvent{RunID: "run-1", StepID: fmt.Sprintf("step-%d", n)}
			assert.NoError(t, r.StepFinished(ctx, e))
		}(i)
	}
	wg.Wait()

	// Every event landed as its own intact JSON line.
	lines := readEventLines(t, filepath.Join(dir, "run-1", "events.jsonl"))
	assert.Len(t, lines, 21)
}

func TestFileReporter_SeparatesRuns(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileReporter(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.PlanStarted(ctx, PlanEvent{RunID: "run-a", StepCount: 1}))
	require.NoError(t, r.PlanStarted(ctx, PlanEvent{RunID: "run-b", StepCount: 1}))
	require.NoError(t, r.StepStarted(ctx, StepEvent{RunID: "run-b", StepID: "only-b"}))

	linesA := readEventLines(t, filepath.Join(dir, "run-a", "events.jsonl"))
	linesB := readEventLines(t, filepath.Join(dir, "run-b", "events.jsonl"))
	assert.Len(t, linesA, 1)
	assert.Len(t, linesB, 2)
}

func TestFileReporter_CloseReleasesOpenStreams(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileReporter(dir, nil)
	require.NoError(t, err)

	require.NoError(t, r.PlanStarted(context.Background(), PlanEvent{RunID: "run-1", StepCount: 1}))
	require.NoError(t, r.Close())

	r.mu.Lock()
	assert.Empty(t, r.runs)
	r.mu.Unlock()

	// Closing twice is harmless.
	require.NoError(t, r.Close())
}

func TestFileReporter_RunDir(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileReporter(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, filepath.Join(dir, "run-9"), r.RunDir("run-9"))
}
