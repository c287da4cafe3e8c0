package validator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunChecks_AllPass(t *testing.T) {
	r := NewRunner(nil)
	target := writeFile(t, "out.json", `{"ok": true}`)

	results := r.RunChecks(context.Background(), []string{"file-exists", "non-empty", "valid-json"}, target)

	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Success, "check %s", res.Check)
		assert.Empty(t, res.Message)
	}
}

func TestRunChecks_ShortCircuitsOnFirstFailure(t *testing.T) {
	r := NewRunner(nil)
	target := writeFile(t, "out.txt", "   \n\t")

	results := r.RunChecks(context.Background(), []string{"file-exists", "non-empty", "valid-json"}, target)

	// valid-json never ran.
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, "non-empty", results[1].Check)
	assert.Contains(t, results[1].Message, "empty")
}

func TestRunChecks_UnknownCheckFailsClosed(t *testing.T) {
	r := NewRunner(nil)
	target := writeFile(t, "out.txt", "content")

	results := r.RunChecks(context.Background(), []string{"no-such-check", "file-exists"}, target)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Message, `unknown check "no-such-check"`)
}

func TestRunChecks_EmptySequence(t *testing.T) {
	r := NewRunner(nil)

	results := r.RunChecks(context.Background(), nil, "")

	assert.Empty(t, results)
}

func TestCheck_FileExists(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	existing := writeFile(t, "yes.txt", "x")
	assert.True(t, r.RunChecks(ctx, []string{"file-exists"}, existing)[0].Success)

	missing := filepath.Join(t.TempDir(), "no.txt")
	assert.False(t, r.RunChecks(ctx, []string{"file-exists"}, missing)[0].Success)

	dir := t.TempDir()
	res := r.RunChecks(ctx, []string{"file-exists"}, dir)[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "directory")
}

func TestCheck_ValidJSON(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	good := writeFile(t, "good.json", `[1, 2, 3]`)
	assert.True(t, r.RunChecks(ctx, []string{"valid-json"}, good)[0].Success)

	bad := writeFile(t, "bad.json", `{"unterminated": `)
	assert.False(t, r.RunChecks(ctx, []string{"valid-json"}, bad)[0].Success)
}

func TestCheck_ValidYAML(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	good := writeFile(t, "good.yaml", "key: value\nlist:\n  - a\n  - b\n")
	assert.True(t, r.RunChecks(ctx, []string{"valid-yaml"}, good)[0].Success)

	bad := writeFile(t, "bad.yaml", "key: [unclosed")
	assert.False(t, r.RunChecks(ctx, []string{"valid-yaml"}, bad)[0].Success)
}

func TestCheck_NoPlaceholders(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	clean := writeFile(t, "clean.go", "package main\n\nfunc main() {}\n")
	assert.True(t, r.RunChecks(ctx, []string{"no-placeholders"}, clean)[0].Success)

	withHole := writeFile(t, "hole.txt", "name: {{.name}}")
	res := r.RunChecks(ctx, []string{"no-placeholders"}, withHole)[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "placeholder")

	withTodo := writeFile(t, "todo.go", "// TODO implement this\n")
	assert.False(t, r.RunChecks(ctx, []string{"no-placeholders"}, withTodo)[0].Success)
}

func TestCheck_NoMarkdownFence(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	clean := writeFile(t, "clean.txt", "plain content")
	assert.True(t, r.RunChecks(ctx, []string{"no-markdown-fence"}, clean)[0].Success)

	fenced := writeFile(t, "fenced.txt", "```go\npackage main\n```\n")
	assert.False(t, r.RunChecks(ctx, []string{"no-markdown-fence"}, fenced)[0].Success)
}

func TestCheck_AlwaysFail(t *testing.T) {
	r := NewRunner(nil)
	target := writeFile(t, "any.txt", "content")

	res := r.RunChecks(context.Background(), []string{"always-fail"}, target)[0]

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "always-fail")
}

func TestRegister_CustomCheck(t *testing.T) {
	r := NewRunner(nil)
	r.Register("must-contain-go", func(_ context.Context, target string) error {
		data, err := os.ReadFile(target)
		if err != nil {
			return err
		}
		if !strings.Contains(string(data), "go") {
			return errors.New("output does not mention go")
		}
		return nil
	})

	good := writeFile(t, "good.txt", "golang")
	assert.True(t, r.RunChecks(context.Background(), []string{"must-contain-go"}, good)[0].Success)

	bad := writeFile(t, "bad.txt", "rust")
	assert.False(t, r.RunChecks(context.Background(), []string{"must-contain-go"}, bad)[0].Success)
}
