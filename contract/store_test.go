package contract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unified-agent-system/agenthub/audit"
)

// fakeGit records checkpoint and merge calls.
type fakeGit struct {
	checkpoints []string
	merges      []string
	mergeErr    error
}

func (g *fakeGit) Checkpoint(repoRoot, message string) error {
	g.checkpoints = append(g.checkpoints, message)
	return nil
}

func (g *fakeGit) Merge(repoRoot, taskBranch, baseBranch string) error {
	g.merges = append(g.merges, taskBranch+"->"+baseBranch)
	return g.mergeErr
}

func newTestStore(t *testing.T) (*Store, *fakeGit, string) {
	t.Helper()
	dir := t.TempDir()
	git := &fakeGit{}
	log := audit.New(filepath.Join(dir, "audit.ndjson"))
	return NewStore(dir, log, WithGit(git)), git, dir
}

func TestStoreSaveLoad(t *testing.T) {
	s, _, _ := newTestStore(t)

	c := New("persist", "p", ComplexityMinor)
	if err := s.Save(c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	back, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.TaskID != "persist" || back.Status != StatusPendingImplementer {
		t.Errorf("unexpected contract: %+v", back)
	}
}

func TestStoreRefusesInvalidContract(t *testing.T) {
	s, _, _ := newTestStore(t)

	c := New("bad", "p", ComplexityMinor)
	c.Constraints.AllowedPaths = []string{"src/**"}
	c.Constraints.ForbiddenPaths = []string{"src/**"}
	if err := s.Save(c); err == nil {
		t.Fatal("expected save refusal for overlapping paths")
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("invalid contract must not reach disk")
	}
}

func TestTransitionCheckpoints(t *testing.T) {
	s, git, _ := newTestStore(t)

	c := New("ckpt", "agenthub", ComplexityMinor)
	c.Git.RepoRoot = "/repo"
	if err := s.Transition(c, EventLockAcquired, "implementer locked"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if len(git.checkpoints) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(git.checkpoints))
	}
	want := "[TASK: ckpt] Transition: implementation_in_progress (Event: lock_acquired)"
	if git.checkpoints[0] != want {
		t.Errorf("checkpoint message %q, want %q", git.checkpoints[0], want)
	}
}

func TestFinalizeMergesAndArchives(t *testing.T) {
	s, git, dir := newTestStore(t)

	c := New("done", "agenthub", ComplexityMinor)
	c.Git.RepoRoot = "/repo"
	c.Git.BaseBranch = "main"
	c.Status = StatusMerged
	if err := s.Save(c); err != nil {
		t.Fatal(err)
	}

	if err := s.Finalize(c); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(git.merges) != 1 || git.merges[0] != "task/done->main" {
		t.Errorf("unexpected merges: %v", git.merges)
	}

	// Archived copy exists, active contract is gone.
	if _, err := os.Stat(filepath.Join(dir, "archive", "done", ContractFileName)); err != nil {
		t.Errorf("archive missing: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("active contract should be removed after archive")
	}
}

func TestFinalizeRequiresMerged(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := New("early", "p", ComplexityMinor)
	if err := s.Finalize(c); err == nil || !strings.Contains(err.Error(), "merged") {
		t.Errorf("expected merged requirement, got %v", err)
	}
}

func TestHaltCreatesLockSidecar(t *testing.T) {
	s, _, _ := newTestStore(t)

	c := New("halted", "p", ComplexityMinor)
	if err := s.Save(c); err != nil {
		t.Fatal(err)
	}
	if err := c.Trip("trigger_7", "cost ceiling exceeded"); err != nil {
		t.Fatal(err)
	}
	if err := s.Halt(c); err != nil {
		t.Fatalf("Halt: %v", err)
	}

	if _, err := os.Stat(s.Path() + LockSuffix); err != nil {
		t.Errorf("expected .json.lock sidecar: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("active contract should be renamed away")
	}
}
