package gitworktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with slash", "feature/auth", false},
		{"empty", "", true},
		{"starts with dot", ".hidden", true},
		{"starts with hyphen", "-bad", true},
		{"ends with slash", "bad/", true},
		{"double dot", "a..b", true},
		{"double slash", "a//b", true},
		{"ends with .lock", "branch.lock", true},
		{"special chars", "a@b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranchName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBranchName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWorktreePath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid absolute", "/tmp/repo.wt/feature", false},
		{"empty", "", true},
		{"relative", "repo.wt/feature", true},
		{"traversal", "/tmp/repo.wt/../escape", true},
		{"targets .git", "/tmp/repo.wt/.git", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWorktreePath(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWorktreePath(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping")
	}
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	skipIfNoGit(t)
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestManagerCreateListRemove(t *testing.T) {
	repoDir := initTestRepo(t)
	m := New(repoDir)

	branch, err := m.DefaultBranch()
	if err != nil {
		t.Fatalf("DefaultBranch: %v", err)
	}
	if branch != "main" {
		t.Fatalf("DefaultBranch = %q, want main", branch)
	}

	wtPath := filepath.Join(t.TempDir(), "feature-1")
	ctx := context.Background()
	if err := m.Create(ctx, wtPath, "feature-1", branch); err != nil {
		t.Fatalf("Create: %v", err)
	}

	worktrees, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, wt := range worktrees {
		if wt.Branch == "feature-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected feature-1 worktree in list, got %+v", worktrees)
	}

	if err := m.Remove(ctx, wtPath, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}
