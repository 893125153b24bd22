package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/metrics"
	"github.com/unified-agent-system/agenthub/storage"
)

// Verdict is the gate's decision for a draft.
type Verdict string

const (
	VerdictAccept   Verdict = "ACCEPT"
	VerdictReject   Verdict = "REJECT"
	VerdictEscalate Verdict = "ESCALATE"
)

// largeChangeLines is the added+removed threshold for the scope escalation.
const largeChangeLines = 500

// Submission is the worker's request to apply a draft. The line counts and
// draft hash are recorded by the submitter; the gate trusts original_lines
// as the destructive-check denominator when present.
type Submission struct {
	TaskID        string    `json:"task_id"`
	OriginalPath  string    `json:"original_path"`
	DraftPath     string    `json:"draft_path"`
	ChangeSummary string    `json:"change_summary,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at,omitempty"`
	OriginalHash  string    `json:"original_hash"`
	DraftHash     string    `json:"draft_hash,omitempty"`
	OriginalLines int       `json:"original_lines,omitempty"`
	DraftLines    int       `json:"draft_lines,omitempty"`
}

// Decision is the gate's full evaluation result.
type Decision struct {
	Verdict     Verdict
	Reason      string
	DiffSummary string
	Added       int
	Removed     int
	Submission  *Submission
}

// secretPatterns flag credential material in draft content.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),                                                   // OpenAI-style keys
	regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`),                                                // Google API keys
	regexp.MustCompile(`(?i)(api_key|apikey|secret|token|password)\s*[:=]\s*["'][^"']{8,}["']`), // generic assignments
}

// homePathPatterns flag hardcoded absolute home-directory paths.
var homePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/Users/[A-Za-z0-9_\-]+/`),
	regexp.MustCompile(`/home/[A-Za-z0-9_\-]+/`),
}

// Gate evaluates draft submissions and applies accepted ones.
type Gate struct {
	sandboxDir    string
	workspaceRoot string
	audit         *audit.Log
	logger        *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a draft gate over the sandbox directory.
func NewGate(sandboxDir, workspaceRoot string, auditLog *audit.Log, opts ...GateOption) *Gate {
	g := &Gate{
		sandboxDir:    sandboxDir,
		workspaceRoot: workspaceRoot,
		audit:         auditLog,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SandboxDir returns the directory workers write drafts into.
func (g *Gate) SandboxDir() string {
	return g.sandboxDir
}

// Evaluate runs the gate decision for a task's submission. It never mutates
// the workspace; Apply, Reject and Escalate act on the returned decision.
func (g *Gate) Evaluate(taskID string) *Decision {
	subPath := filepath.Join(g.sandboxDir, SubmissionFileName(taskID))

	var sub Submission
	if err := storage.ReadJSON(subPath, &sub); err != nil {
		return g.reject(nil, fmt.Sprintf("submission file missing or unreadable: %v", err))
	}

	draftAbs, err := ValidateSandboxWrite(sub.DraftPath, g.sandboxDir)
	if err != nil {
		return g.reject(&sub, fmt.Sprintf("draft path invalid: %v", err))
	}
	originalAbs, err := ValidateSourceRead(sub.OriginalPath, g.workspaceRoot)
	if err != nil {
		return g.reject(&sub, fmt.Sprintf("original path invalid: %v", err))
	}

	draftContent, err := os.ReadFile(draftAbs)
	if err != nil {
		return g.reject(&sub, fmt.Sprintf("draft file missing: %v", err))
	}
	originalContent, err := os.ReadFile(originalAbs)
	if err != nil {
		return g.reject(&sub, fmt.Sprintf("original file missing: %v", err))
	}

	// Conflict detection: the original moved under the worker's feet.
	if hashBytes(originalContent) != sub.OriginalHash {
		return g.escalate(&sub, "conflict: original file changed since the draft was taken", 0, 0)
	}

	added, removed := lineDiff(originalContent, draftContent)
	summary := fmt.Sprintf("+%d/-%d lines", added, removed)

	// Safety scan of the new content.
	draft := string(draftContent)
	for _, p := range secretPatterns {
		if p.MatchString(draft) {
			return g.reject(&sub, fmt.Sprintf("draft contains secret material (pattern %s)", p.String()))
		}
	}
	for _, p := range homePathPatterns {
		if p.MatchString(draft) {
			return g.reject(&sub, fmt.Sprintf("draft contains hardcoded home-directory path (pattern %s)", p.String()))
		}
	}

	originalLines := sub.OriginalLines
	if originalLines == 0 {
		originalLines = countLines(originalContent)
	}
	if originalLines > 0 {
		if ratio := float64(removed) / float64(originalLines); ratio > 0.5 {
			return g.escalate(&sub, fmt.Sprintf(
				"destructive: %d of %d original lines removed (%.0f%%)", removed, originalLines, ratio*100), added, removed)
		}
	}

	if added+removed > largeChangeLines {
		return g.escalate(&sub, fmt.Sprintf(
			"large change: %d lines touched (limit %d)", added+removed, largeChangeLines), added, removed)
	}

	metrics.GateVerdicts.WithLabelValues(string(VerdictAccept)).Inc()
	return &Decision{
		Verdict:     VerdictAccept,
		Reason:      "draft passed all gate checks",
		DiffSummary: summary,
		Added:       added,
		Removed:     removed,
		Submission:  &sub,
	}
}

func (g *Gate) reject(sub *Submission, reason string) *Decision {
	metrics.GateVerdicts.WithLabelValues(string(VerdictReject)).Inc()
	return &Decision{Verdict: VerdictReject, Reason: reason, Submission: sub}
}

func (g *Gate) escalate(sub *Submission, reason string, added, removed int) *Decision {
	metrics.GateVerdicts.WithLabelValues(string(VerdictEscalate)).Inc()
	return &Decision{
		Verdict:     VerdictEscalate,
		Reason:      reason,
		DiffSummary: fmt.Sprintf("+%d/-%d lines", added, removed),
		Added:       added,
		Removed:     removed,
		Submission:  sub,
	}
}

// Apply copies the accepted draft over the original via tmp-then-rename,
// records the audit entry, and removes the draft artefacts. On any failure
// the original file is left unchanged.
func (g *Gate) Apply(d *Decision) error {
	if d.Verdict != VerdictAccept {
		return fmt.Errorf("apply requires an ACCEPT decision, have %s", d.Verdict)
	}
	sub := d.Submission

	draftAbs, err := ValidateSandboxWrite(sub.DraftPath, g.sandboxDir)
	if err != nil {
		return err
	}
	originalAbs, err := ValidateSourceRead(sub.OriginalPath, g.workspaceRoot)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(draftAbs)
	if err != nil {
		return fmt.Errorf("read draft: %w", err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(originalAbs); err == nil {
		mode = info.Mode().Perm()
	}

	if err := storage.WriteAtomic(originalAbs, content, mode); err != nil {
		return fmt.Errorf("apply draft: %w", err)
	}

	g.audit.Log(audit.EventDraftApplied, "gate", map[string]any{
		"task_id":      sub.TaskID,
		"original":     sub.OriginalPath,
		"diff_summary": d.DiffSummary,
	}, "")
	g.logger.Info("Draft applied", "task_id", sub.TaskID, "file", sub.OriginalPath, "diff", d.DiffSummary)

	g.cleanup(sub)
	return nil
}

// Reject records the refusal and removes the draft artefacts.
func (g *Gate) Reject(d *Decision) {
	taskID := ""
	if d.Submission != nil {
		taskID = d.Submission.TaskID
	}
	g.audit.Log(audit.EventDraftRejected, "gate", map[string]any{
		"task_id": taskID,
		"reason":  d.Reason,
	}, "")
	g.logger.Warn("Draft rejected", "task_id", taskID, "reason", d.Reason)

	if d.Submission != nil {
		g.cleanup(d.Submission)
	}
}

// Escalate records the escalation. Artefacts stay in place for human review.
func (g *Gate) Escalate(d *Decision) {
	taskID := ""
	if d.Submission != nil {
		taskID = d.Submission.TaskID
	}
	g.audit.Log(audit.EventDraftEscalated, "gate", map[string]any{
		"task_id": taskID,
		"reason":  d.Reason,
	}, "")
	g.logger.Warn("Draft escalated", "task_id", taskID, "reason", d.Reason)
}

// cleanup removes the draft and submission files. Missing files are fine.
func (g *Gate) cleanup(sub *Submission) {
	if sub == nil {
		return
	}
	if abs, err := ValidateSandboxWrite(sub.DraftPath, g.sandboxDir); err == nil {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			g.logger.Warn("Failed to remove draft", "path", abs, "error", err)
		}
	}
	subPath := filepath.Join(g.sandboxDir, SubmissionFileName(sub.TaskID))
	if err := os.Remove(subPath); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("Failed to remove submission", "path", subPath, "error", err)
	}
}

// hashBytes returns the hex SHA-256 of content.
func hashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashContent returns the hex SHA-256 of in-memory content.
func HashContent(content []byte) string {
	return hashBytes(content)
}

// LineCount returns the number of lines in content, with or without a
// trailing newline.
func LineCount(content []byte) int {
	return countLines(content)
}

// HashFile returns the hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hashBytes(content), nil
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	return len(splitLines(content))
}

func splitLines(content []byte) []string {
	s := strings.TrimSuffix(string(content), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// lineDiff counts added and removed lines between original and draft using
// multiset membership. An edited line counts as one removal plus one add.
func lineDiff(original, draft []byte) (added, removed int) {
	origCounts := make(map[string]int)
	for _, line := range splitLines(original) {
		origCounts[line]++
	}
	draftCounts := make(map[string]int)
	for _, line := range splitLines(draft) {
		draftCounts[line]++
	}

	for line, n := range draftCounts {
		if extra := n - origCounts[line]; extra > 0 {
			added += extra
		}
	}
	for line, n := range origCounts {
		if missing := n - draftCounts[line]; missing > 0 {
			removed += missing
		}
	}
	return added, removed
}
