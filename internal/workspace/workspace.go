// Package workspace inspects the directory tree a plan run mutates. It
// resolves the workspace root, detects whether the root sits inside a git
// repository, and guards runs against starting on a dirty worktree.
package workspace

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// ErrDirtyWorktree indicates uncommitted changes in the workspace.
var ErrDirtyWorktree = errors.New("worktree has uncommitted changes")

// Info describes a detected workspace.
type Info struct {
	// Root is the directory plan outputs resolve against. Inside a git
	// repository this is the worktree root, otherwise the path as given.
	Root string `json:"root"`

	// GitRepo reports whether Root is tracked by git.
	GitRepo bool `json:"git_repo"`

	// Branch is the checked-out branch, empty when detached or not a repo.
	Branch string `json:"branch,omitempty"`

	// Dirty reports uncommitted changes, staged or not.
	Dirty bool `json:"dirty"`
}

// Detect resolves path and inspects its git state. A missing repository is
// not an error: plans may run in plain directories. Git-level failures
// (detached HEAD, bare repo, unreadable status) degrade to zero values the
// same way.
func Detect(path string) (*Info, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	info := &Info{Root: abs}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return info, nil
	}
	info.GitRepo = true

	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	wt, err := repo.Worktree()
	if err != nil {
		return info, nil
	}
	info.Root = wt.Filesystem.Root()

	status, err := wt.Status()
	if err != nil {
		return info, nil
	}
	info.Dirty = !status.IsClean()

	return info, nil
}

// RequireClean rejects a dirty git worktree. Workspaces outside git always
// pass.
func (i *Info) RequireClean() error {
	if i.GitRepo && i.Dirty {
		return fmt.Errorf("%w: %s", ErrDirtyWorktree, i.Root)
	}
	return nil
}
