// Package contract defines the task contract: the single JSON document that
// is the source of truth for one task's lifecycle, plus the state machine
// that is the only legal way its status changes.
package contract

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// SchemaVersion is the contract wire schema version.
const SchemaVersion = "2.0"

// Status is a task lifecycle state. Values are stable wire identifiers.
type Status string

const (
	StatusPendingImplementer    Status = "pending_implementer"
	StatusImplementationInProg  Status = "implementation_in_progress"
	StatusPendingLocalReview    Status = "pending_local_review"
	StatusPendingJudgeReview    Status = "pending_judge_review"
	StatusJudgeReviewInProgress Status = "judge_review_in_progress"
	StatusReviewComplete        Status = "review_complete"
	StatusPendingRebuttal       Status = "pending_rebuttal"
	StatusMerged                Status = "merged"
	StatusTimeoutImplementer    Status = "timeout_implementer"
	StatusTimeoutJudge          Status = "timeout_judge"
	StatusErikConsultation      Status = "erik_consultation"
)

// Complexity classifies how demanding a task is.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexityMinor    Complexity = "minor"
	ComplexityMajor    Complexity = "major"
	ComplexityCritical Complexity = "critical"
)

// Timestamps groups the contract's time fields.
type Timestamps struct {
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// Git describes the repository coordinates for a task.
type Git struct {
	RepoRoot   string `json:"repo_root"`
	BaseBranch string `json:"base_branch"`
	TaskBranch string `json:"task_branch"`
	BaseCommit string `json:"base_commit"`
}

// Roles maps pipeline roles to model identifiers.
type Roles struct {
	Implementer   string `json:"implementer"`
	LocalReviewer string `json:"local_reviewer"`
	Judge         string `json:"judge"`
}

// Limits bounds a task's resource consumption.
type Limits struct {
	MaxRebuttals    int            `json:"max_rebuttals"`
	MaxReviewCycles int            `json:"max_review_cycles"`
	TimeoutMinutes  map[string]int `json:"timeout_minutes"`
	TokenBudget     int            `json:"token_budget"`
	CostCeilingUSD  float64        `json:"cost_ceiling_usd"`
}

// Constraints restricts what a task may touch.
type Constraints struct {
	AllowedPaths      []string `json:"allowed_paths"`
	ForbiddenPaths    []string `json:"forbidden_paths"`
	AllowedOperations []string `json:"allowed_operations"`
	DeleteAllowed     bool     `json:"delete_allowed"`
	MaxDiffLines      int      `json:"max_diff_lines"`
}

// SourceFile names an input file with its expected content hash.
type SourceFile struct {
	Path         string `json:"path"`
	ExpectedHash string `json:"expected_hash,omitempty"`
}

// Specification is what the task is asked to do.
type Specification struct {
	SourceFiles        []SourceFile `json:"source_files"`
	TargetFile         string       `json:"target_file"`
	Requirements       []string     `json:"requirements"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
}

// Handoff carries data between pipeline roles.
type Handoff struct {
	ImplementerNotes  string   `json:"implementer_notes,omitempty"`
	ChangedFiles      []string `json:"changed_files,omitempty"`
	DiffSummary       string   `json:"diff_summary,omitempty"`
	LocalReviewPassed *bool    `json:"local_review_passed,omitempty"`
	LocalReviewIssues []string `json:"local_review_issues,omitempty"`
	JudgeReportJSON   string   `json:"judge_report_json,omitempty"`
	JudgeReportMD     string   `json:"judge_report_md,omitempty"`
	RebuttalPath      string   `json:"rebuttal_path,omitempty"`
	CurrentFileHash   string   `json:"current_file_hash,omitempty"`
}

// Lock serializes stage execution for a task. An expired lock is free.
type Lock struct {
	HeldBy     string    `json:"held_by"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// BreakerStatus is the task breaker arm state.
type BreakerStatus string

const (
	BreakerArmed   BreakerStatus = "armed"
	BreakerTripped BreakerStatus = "tripped"
)

// Breaker is the per-task circuit breaker sub-object.
type Breaker struct {
	Status           BreakerStatus `json:"status"`
	TriggeredBy      string        `json:"triggered_by,omitempty"`
	TriggerReason    string        `json:"trigger_reason,omitempty"`
	RebuttalCount    int           `json:"rebuttal_count"`
	ReviewCycleCount int           `json:"review_cycle_count"`
	TokensUsed       int           `json:"tokens_used"`
	CostUSD          float64       `json:"cost_usd"`
}

// HistoryEntry is one record in the contract's chronological history.
type HistoryEntry struct {
	Event     string    `json:"event"`
	Reason    string    `json:"reason,omitempty"`
	FileHash  string    `json:"file_hash,omitempty"`
	Verdict   string    `json:"verdict,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Contract is the full task document.
type Contract struct {
	SchemaVersion    string         `json:"schema_version"`
	TaskID           string         `json:"task_id"`
	Project          string         `json:"project"`
	Complexity       Complexity     `json:"complexity"`
	Status           Status         `json:"status"`
	StatusReason     string         `json:"status_reason"`
	Attempt          int            `json:"attempt"`
	LastTransitionID string         `json:"last_transition_id,omitempty"`
	Timestamps       Timestamps     `json:"timestamps"`
	Git              Git            `json:"git"`
	Roles            Roles          `json:"roles"`
	Limits           Limits         `json:"limits"`
	Constraints      Constraints    `json:"constraints"`
	Specification    Specification  `json:"specification"`
	HandoffData      Handoff        `json:"handoff_data"`
	Lock             *Lock          `json:"lock,omitempty"`
	Breaker          Breaker        `json:"breaker"`
	History          []HistoryEntry `json:"history"`
}

// New creates a contract in the initial state with sensible limit defaults.
func New(taskID, project string, complexity Complexity) *Contract {
	now := time.Now().UTC()
	return &Contract{
		SchemaVersion: SchemaVersion,
		TaskID:        taskID,
		Project:       project,
		Complexity:    complexity,
		Status:        StatusPendingImplementer,
		StatusReason:  "created",
		Attempt:       1,
		Timestamps: Timestamps{
			CreatedAt:  now,
			UpdatedAt:  now,
			DeadlineAt: now.Add(4 * time.Hour),
		},
		Git: Git{
			TaskBranch: "task/" + taskID,
		},
		Limits: Limits{
			MaxRebuttals:    2,
			MaxReviewCycles: 3,
			TimeoutMinutes:  map[string]int{"implementer": 30, "local_reviewer": 15, "judge": 20},
			CostCeilingUSD:  1.0,
		},
		Breaker: Breaker{Status: BreakerArmed},
	}
}

// Validate checks structural invariants: required identity fields, known
// enumerations, and the path-overlap rule.
func (c *Contract) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %q (want %q)", c.SchemaVersion, SchemaVersion)
	}
	if c.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if c.Project == "" {
		return fmt.Errorf("project is required")
	}
	switch c.Complexity {
	case ComplexityTrivial, ComplexityMinor, ComplexityMajor, ComplexityCritical:
	default:
		return fmt.Errorf("unknown complexity %q", c.Complexity)
	}
	if !knownStatus(c.Status) {
		return fmt.Errorf("unknown status %q", c.Status)
	}
	if c.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1")
	}
	if err := c.Constraints.checkOverlap(); err != nil {
		return err
	}
	return nil
}

// checkOverlap enforces allowed_paths ∩ forbidden_paths = ∅. Patterns are
// doublestar globs; two identical patterns or a literal path matched by a
// pattern on the other list both count as overlap.
func (cs *Constraints) checkOverlap() error {
	for _, allowed := range cs.AllowedPaths {
		for _, forbidden := range cs.ForbiddenPaths {
			if allowed == forbidden {
				return fmt.Errorf("path %q is both allowed and forbidden", allowed)
			}
			if ok, _ := doublestar.Match(forbidden, allowed); ok {
				return fmt.Errorf("allowed path %q matches forbidden pattern %q", allowed, forbidden)
			}
			if ok, _ := doublestar.Match(allowed, forbidden); ok {
				return fmt.Errorf("forbidden path %q matches allowed pattern %q", forbidden, allowed)
			}
		}
	}
	return nil
}

// PathAllowed reports whether a repository-relative path is writable under
// the constraints: it must match an allowed pattern (when any are declared)
// and must not match any forbidden pattern.
func (cs *Constraints) PathAllowed(path string) bool {
	for _, forbidden := range cs.ForbiddenPaths {
		if ok, _ := doublestar.Match(forbidden, path); ok {
			return false
		}
	}
	if len(cs.AllowedPaths) == 0 {
		return true
	}
	for _, allowed := range cs.AllowedPaths {
		if ok, _ := doublestar.Match(allowed, path); ok {
			return true
		}
	}
	return false
}

func knownStatus(s Status) bool {
	switch s {
	case StatusPendingImplementer, StatusImplementationInProg, StatusPendingLocalReview,
		StatusPendingJudgeReview, StatusJudgeReviewInProgress, StatusReviewComplete,
		StatusPendingRebuttal, StatusMerged, StatusTimeoutImplementer,
		StatusTimeoutJudge, StatusErikConsultation:
		return true
	}
	return false
}

// MaxRoleTimeout returns the largest configured role timeout.
func (c *Contract) MaxRoleTimeout() time.Duration {
	max := 0
	for _, m := range c.Limits.TimeoutMinutes {
		if m > max {
			max = m
		}
	}
	return time.Duration(max) * time.Minute
}
