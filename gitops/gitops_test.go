package gitops

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initRepo creates a throwaway git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "hub@test.local")
	run("config", "user.name", "hub")

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestCheckpointCommitsChanges(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	if err := os.WriteFile(filepath.Join(repo, "new.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkpoint(repo, "[TASK: t1] Transition: pending_local_review (Event: code_written)"); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	out, err := m.runGit(repo, "log", "-1", "--pretty=%s")
	if err != nil {
		t.Fatal(err)
	}
	want := "[TASK: t1] Transition: pending_local_review (Event: code_written)"
	if out != want {
		t.Errorf("commit subject %q, want %q", out, want)
	}
}

func TestCheckpointCleanTreeIsNoop(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	before, _ := m.CurrentCommit(repo)
	if err := m.Checkpoint(repo, "nothing changed"); err != nil {
		t.Fatalf("Checkpoint on clean tree: %v", err)
	}
	after, _ := m.CurrentCommit(repo)
	if before != after {
		t.Error("clean checkpoint must not create a commit")
	}
}

func TestTaskBranchAndMerge(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	if err := m.CreateTaskBranch(repo, "task/t1"); err != nil {
		t.Fatalf("CreateTaskBranch: %v", err)
	}
	if branch, _ := m.CurrentBranch(repo); branch != "task/t1" {
		t.Fatalf("expected task/t1 checked out, got %s", branch)
	}

	if err := os.WriteFile(filepath.Join(repo, "feature.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkpoint(repo, "work"); err != nil {
		t.Fatal(err)
	}

	if err := m.Merge(repo, "task/t1", "main"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if branch, _ := m.CurrentBranch(repo); branch != "main" {
		t.Errorf("merge should leave base checked out, got %s", branch)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.go")); err != nil {
		t.Error("merged file missing on base branch")
	}
}

func TestMergeConflictReturnsConflictError(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	// Diverge the same file on both branches.
	if err := m.CreateTaskBranch(repo, "task/t1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main // task\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkpoint(repo, "task edit"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.runGit(repo, "checkout", "main"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main // base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkpoint(repo, "base edit"); err != nil {
		t.Fatal(err)
	}

	err := m.Merge(repo, "task/t1", "main")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// The aborted merge leaves a clean tree.
	status, err := m.runGit(repo, "status", "--porcelain")
	if err != nil {
		t.Fatal(err)
	}
	if status != "" {
		t.Errorf("tree not clean after aborted merge: %s", status)
	}
}

func TestCurrentCommit(t *testing.T) {
	repo := initRepo(t)
	m := NewManager()

	hash, err := m.CurrentCommit(repo)
	if err != nil {
		t.Fatalf("CurrentCommit: %v", err)
	}
	if len(hash) != 40 {
		t.Errorf("expected full hash, got %q", hash)
	}
}
