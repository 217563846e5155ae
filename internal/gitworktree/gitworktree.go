// Package gitworktree is the narrow list/create/remove/default-branch
// interface the runtime orchestrator (C8) uses to talk to the out-of-scope
// git-worktree manager (spec §1 "Out of scope"). Worktree add/remove/list
// shell out to the real `git` binary exactly as the teacher's internal/git
// package does (git has no native go-git equivalent for `git worktree`);
// default-branch resolution reads HEAD via go-git's plumbing instead,
// avoiding a process spawn for a query go-git already answers directly.
package gitworktree

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Worktree describes one entry from `git worktree list --porcelain`.
type Worktree struct {
	Path       string
	Branch     string
	IsMain     bool
	IsDetached bool
}

// Manager wraps git CLI worktree operations bound to one repository root,
// grounded on the teacher's internal/git.Repository / command.go / worktree.go.
type Manager struct {
	repoPath string
}

// New returns a Manager rooted at repoPath (the main working tree, not a
// linked worktree).
func New(repoPath string) *Manager {
	return &Manager{repoPath: repoPath}
}

// branchNameRegex mirrors the teacher's internal/git/validation.go pattern:
// alphanumeric, dots, underscores, hyphens, and slashes only.
var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// ValidateBranchName rejects names that would be unsafe to pass to git or
// that git itself would refuse.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("gitworktree: branch name cannot be empty")
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("gitworktree: invalid branch name %q", name)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("gitworktree: invalid branch name %q", name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") {
		return fmt.Errorf("gitworktree: invalid branch name %q", name)
	}
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("gitworktree: invalid branch name %q", name)
	}
	return nil
}

// ValidateWorktreePath rejects a path that is not absolute, escapes via
// "..", or targets a VCS metadata directory.
func ValidateWorktreePath(path string) error {
	if path == "" {
		return fmt.Errorf("gitworktree: worktree path cannot be empty")
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return fmt.Errorf("gitworktree: worktree path must be absolute: %s", path)
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return fmt.Errorf("gitworktree: worktree path must not contain '..': %s", path)
		}
	}
	switch filepath.Base(cleaned) {
	case ".git", ".hg", ".svn":
		return fmt.Errorf("gitworktree: worktree path must not target a VCS directory: %s", path)
	}
	return nil
}

// run executes `git <args...>` bound to m.repoPath and returns trimmed
// stdout, classifying non-zero exit as a plain error (the narrow interface
// has no not-found/transient split the way C1 does; callers of this
// out-of-scope collaborator interface treat any error as fatal to the
// requested operation).
func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gitworktree: git %v: %w: %s", args, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Create adds a worktree at path on a new branch based on baseBranch,
// mirroring `git worktree add -b <branch> -- <path> <base>`.
func (m *Manager) Create(ctx context.Context, path, branch, baseBranch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	if err := ValidateWorktreePath(path); err != nil {
		return err
	}
	_, err := m.run(ctx, "worktree", "add", "-b", branch, "--", path, baseBranch)
	return err
}

// Remove removes the worktree at path. With force set it passes --force, so
// uncommitted changes do not block the removal.
func (m *Manager) Remove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "--", path)
	_, err := m.run(ctx, args...)
	return err
}

// List returns every worktree linked to this repository, parsed from
// `git worktree list --porcelain`.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	out, err := m.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var worktrees []Worktree
	var current Worktree
	first := true
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if !first {
				worktrees = append(worktrees, current)
			}
			current = Worktree{
				Path:   filepath.FromSlash(strings.TrimPrefix(line, "worktree ")),
				IsMain: first,
			}
			first = false
		case strings.HasPrefix(line, "branch refs/heads/"):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "detached":
			current.IsDetached = true
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}

// DefaultBranch resolves the repository's default branch by reading HEAD
// through go-git's plumbing layer, rather than shelling out for this one
// query (the rest of the interface has no go-git equivalent and stays on
// the git binary, per package doc).
func (m *Manager) DefaultBranch() (string, error) {
	repo, err := git.PlainOpen(m.repoPath)
	if err != nil {
		return "", fmt.Errorf("gitworktree: open %s: %w", m.repoPath, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("gitworktree: resolve HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", fmt.Errorf("gitworktree: HEAD is detached, no default branch")
	}
	return ref.Name().Short(), nil
}
