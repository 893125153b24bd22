package contract

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/metrics"
	"github.com/unified-agent-system/agenthub/storage"
)

// ContractFileName is the well-known active contract file.
const ContractFileName = "TASK_CONTRACT.json"

// LockSuffix marks a halted contract sidecar.
const LockSuffix = ".lock"

// GitManager is the checkpoint capability the store needs. Nil is valid:
// checkpointing is then skipped.
type GitManager interface {
	// Checkpoint commits the current tree with the given message.
	Checkpoint(repoRoot, message string) error
	// Merge merges the task branch into the base branch.
	Merge(repoRoot, taskBranch, baseBranch string) error
}

// Store persists contracts under the handoff directory and drives their
// transitions through the audit log and optional git checkpoints.
type Store struct {
	handoffDir string
	audit      *audit.Log
	git        GitManager
	logger     *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithGit sets the git manager used for checkpoint commits and merges.
func WithGit(g GitManager) StoreOption {
	return func(s *Store) {
		s.git = g
	}
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a contract store rooted at handoffDir.
func NewStore(handoffDir string, auditLog *audit.Log, opts ...StoreOption) *Store {
	s := &Store{
		handoffDir: handoffDir,
		audit:      auditLog,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the active contract path.
func (s *Store) Path() string {
	return filepath.Join(s.handoffDir, ContractFileName)
}

// Load reads the active contract. Readers tolerate a brief absence while an
// atomic replace is in flight.
func (s *Store) Load() (*Contract, error) {
	var c Contract
	if err := storage.ReadJSON(s.Path(), &c); err != nil {
		return nil, fmt.Errorf("load contract: %w", err)
	}
	return &c, nil
}

// Save validates and persists the contract via atomic replace. The caller
// must have loaded the current contract first; the latest writer wins.
func (s *Store) Save(c *Contract) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid contract: %w", err)
	}
	return storage.WriteJSONAtomic(s.Path(), c)
}

// Transition applies an event to the contract, persists it, records the
// audit event, and checkpoints when a git manager is present.
func (s *Store) Transition(c *Contract, event Event, reason string) error {
	from := c.Status
	if err := c.Apply(event, reason); err != nil {
		return err
	}
	if err := s.Save(c); err != nil {
		return err
	}

	metrics.Transitions.WithLabelValues(string(c.Status)).Inc()
	s.audit.Log(audit.EventStateTransition, "contract", map[string]any{
		"task_id": c.TaskID,
		"from":    string(from),
		"to":      string(c.Status),
		"event":   string(event),
		"reason":  reason,
	}, "")

	if s.git != nil && c.Git.RepoRoot != "" {
		msg := fmt.Sprintf("[TASK: %s] Transition: %s (Event: %s)", c.TaskID, c.Status, event)
		if err := s.git.Checkpoint(c.Git.RepoRoot, msg); err != nil {
			s.logger.Warn("Checkpoint commit failed", "task_id", c.TaskID, "error", err)
		}
	}
	return nil
}

// Finalize merges the task branch after the contract reached merged and
// archives the task artefacts.
func (s *Store) Finalize(c *Contract) error {
	if c.Status != StatusMerged {
		return fmt.Errorf("finalize requires merged status, have %s", c.Status)
	}

	if s.git != nil && c.Git.RepoRoot != "" {
		if err := s.git.Merge(c.Git.RepoRoot, c.Git.TaskBranch, c.Git.BaseBranch); err != nil {
			return fmt.Errorf("merge task branch: %w", err)
		}
	}
	return s.Archive(c)
}

// Archive moves the task's artefacts to _handoff/archive/<task_id>/.
func (s *Store) Archive(c *Contract) error {
	archiveDir := filepath.Join(s.handoffDir, "archive", c.TaskID)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	if err := storage.WriteJSONAtomic(filepath.Join(archiveDir, ContractFileName), c); err != nil {
		return fmt.Errorf("archive contract: %w", err)
	}
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove active contract: %w", err)
	}
	return nil
}

// Halt converts the active contract to its .json.lock sidecar form after a
// breaker trip. The tripped contract is persisted first so the sidecar holds
// the final state.
func (s *Store) Halt(c *Contract) error {
	if err := s.Save(c); err != nil {
		return err
	}
	if storage.DryRun() {
		return nil
	}
	lockPath := s.Path() + LockSuffix
	if err := os.Rename(s.Path(), lockPath); err != nil {
		return fmt.Errorf("rename contract to lock sidecar: %w", err)
	}
	s.logger.Warn("Contract halted", "task_id", c.TaskID, "sidecar", lockPath)
	return nil
}

// WaitForContract polls for an active contract to appear, for drivers that
// start before the supervisor has converted a proposal.
func (s *Store) WaitForContract(timeout time.Duration) (*Contract, error) {
	deadline := time.Now().Add(timeout)
	for {
		c, err := s.Load()
		if err == nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no contract appeared within %s", timeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
