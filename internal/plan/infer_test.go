package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileStep(id, path string, deps ...string) Step {
	s := step(id, deps...)
	s.Params = map[string]any{"file": path}
	return s
}

func TestInferFileDependencies_SerializesWriters(t *testing.T) {
	p := &Plan{Steps: []Step{
		fileStep("a", "out.txt"),
		fileStep("b", "out.txt"),
		fileStep("c", "out.txt"),
	}}

	InferFileDependencies(p)

	assert.Empty(t, p.Steps[0].DependsOn)
	assert.Equal(t, []string{"a"}, p.Steps[1].DependsOn)
	assert.Equal(t, []string{"b"}, p.Steps[2].DependsOn)
	require.NoError(t, p.Validate())
}

func TestInferFileDependencies_NoDuplicateEdges(t *testing.T) {
	p := &Plan{Steps: []Step{
		fileStep("a", "out.txt"),
		fileStep("b", "out.txt", "a"),
	}}

	InferFileDependencies(p)

	assert.Equal(t, []string{"a"}, p.Steps[1].DependsOn)
}

func TestInferFileDependencies_CleansPaths(t *testing.T) {
	p := &Plan{Steps: []Step{
		fileStep("a", "./dir/../out.txt"),
		fileStep("b", "out.txt"),
	}}

	InferFileDependencies(p)

	assert.Equal(t, []string{"a"}, p.Steps[1].DependsOn)
}

func TestInferFileDependencies_DistinctFilesUntouched(t *testing.T) {
	p := &Plan{Steps: []Step{
		fileStep("a", "a.txt"),
		fileStep("b", "b.txt"),
		step("c"),
	}}

	InferFileDependencies(p)

	assert.Empty(t, p.Steps[0].DependsOn)
	assert.Empty(t, p.Steps[1].DependsOn)
	assert.Empty(t, p.Steps[2].DependsOn)
}

func TestInferFileDependencies_Deterministic(t *testing.T) {
	build := func() *Plan {
		return &Plan{Steps: []Step{
			fileStep("a", "x.txt"),
			fileStep("b", "y.txt"),
			fileStep("c", "x.txt"),
			fileStep("d", "y.txt"),
		}}
	}

	p1 := build()
	p2 := build()
	InferFileDependencies(p1)
	InferFileDependencies(p2)

	for i := range p1.Steps {
		assert.Equal(t, p1.Steps[i].DependsOn, p2.Steps[i].DependsOn)
	}
}
