// Package gitops shells out to git for checkpoint commits, task branches,
// and the final merge of a task branch.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/unified-agent-system/agenthub/storage"
)

// ConflictError reports a merge conflict. Callers treat it as a halt
// condition for the task.
type ConflictError struct {
	TaskBranch string
	BaseBranch string
	Output     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict merging %s into %s", e.TaskBranch, e.BaseBranch)
}

// Manager runs git commands against task repositories. It satisfies the
// contract store's GitManager interface.
type Manager struct {
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTimeout bounds each git invocation.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// NewManager creates a git manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		timeout: 60 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// runGit executes a git command in the repo directory.
func (m *Manager) runGit(repoRoot string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// IsRepo reports whether repoRoot is inside a git work tree.
func (m *Manager) IsRepo(repoRoot string) bool {
	_, err := m.runGit(repoRoot, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// CurrentCommit returns the full HEAD commit hash.
func (m *Manager) CurrentCommit(repoRoot string) (string, error) {
	return m.runGit(repoRoot, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func (m *Manager) CurrentBranch(repoRoot string) (string, error) {
	return m.runGit(repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateTaskBranch checks out the task branch, creating it if needed.
func (m *Manager) CreateTaskBranch(repoRoot, branch string) error {
	if storage.DryRun() {
		m.logger.Info("Dry run: skipping branch creation", "branch", branch)
		return nil
	}

	if _, err := m.runGit(repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		_, err := m.runGit(repoRoot, "checkout", branch)
		return err
	}
	_, err := m.runGit(repoRoot, "checkout", "-b", branch)
	return err
}

// Checkpoint stages everything and commits with the given message. A clean
// tree is not an error; the checkpoint is simply skipped.
func (m *Manager) Checkpoint(repoRoot, message string) error {
	if storage.DryRun() {
		m.logger.Info("Dry run: skipping checkpoint", "message", message)
		return nil
	}

	if _, err := m.runGit(repoRoot, "add", "-A"); err != nil {
		return err
	}

	staged, err := m.runGit(repoRoot, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if staged == "" {
		m.logger.Debug("Nothing to checkpoint", "repo", repoRoot)
		return nil
	}

	if _, err := m.runGit(repoRoot, "commit", "-m", message); err != nil {
		return err
	}
	m.logger.Info("Checkpoint committed", "message", message)
	return nil
}

// Merge merges the task branch into the base branch with a merge commit.
// On conflict the merge is aborted and a ConflictError returned, leaving the
// tree clean.
func (m *Manager) Merge(repoRoot, taskBranch, baseBranch string) error {
	if storage.DryRun() {
		m.logger.Info("Dry run: skipping merge", "task_branch", taskBranch, "base_branch", baseBranch)
		return nil
	}

	if _, err := m.runGit(repoRoot, "checkout", baseBranch); err != nil {
		return err
	}

	msg := fmt.Sprintf("Merge %s into %s", taskBranch, baseBranch)
	output, err := m.runGit(repoRoot, "merge", "--no-ff", taskBranch, "-m", msg)
	if err != nil {
		if strings.Contains(output, "CONFLICT") {
			if _, abortErr := m.runGit(repoRoot, "merge", "--abort"); abortErr != nil {
				m.logger.Error("Failed to abort conflicted merge", "error", abortErr)
			}
			return &ConflictError{TaskBranch: taskBranch, BaseBranch: baseBranch, Output: output}
		}
		return err
	}

	m.logger.Info("Task branch merged", "task_branch", taskBranch, "base_branch", baseBranch)
	return nil
}
