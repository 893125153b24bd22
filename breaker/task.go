package breaker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/unified-agent-system/agenthub/contract"
)

// DiffStats carries the draft measurements the contract itself does not
// store. The gate computes them; zero values mean "no draft under review".
type DiffStats struct {
	LinesDeleted     int
	CurrentFileLines int
}

// Trip describes a fired task-layer trigger.
type Trip struct {
	Trigger string
	Reason  string
}

// judgeReport is the subset of the judge report the triggers inspect.
type judgeReport struct {
	Verdict string   `json:"verdict"`
	Issues  []string `json:"issues"`
}

// CheckContract runs the ten task-layer triggers against a contract about to
// be persisted. Triggers are evaluated in numeric order and the first match
// wins. A nil return means the contract is clean.
func CheckContract(c *contract.Contract, diff DiffStats) *Trip {
	now := time.Now().UTC()

	// 1. Rebuttal limit.
	if c.Breaker.RebuttalCount > c.Limits.MaxRebuttals {
		return &Trip{"trigger_1", fmt.Sprintf(
			"rebuttal count %d exceeds limit %d", c.Breaker.RebuttalCount, c.Limits.MaxRebuttals)}
	}

	// 2. Destructive diff: more than half of the original content deleted.
	if total := diff.CurrentFileLines + diff.LinesDeleted; total > 0 {
		ratio := float64(diff.LinesDeleted) / float64(total)
		if ratio > 0.5 {
			return &Trip{"trigger_2", fmt.Sprintf(
				"destructive diff: %d of %d original lines deleted (%.0f%%)",
				diff.LinesDeleted, total, ratio*100)}
		}
	}

	report := parseJudgeReport(c.HandoffData.JudgeReportJSON)

	// 3. Logical paradox: local review failed but the judge passed.
	if c.HandoffData.LocalReviewPassed != nil && !*c.HandoffData.LocalReviewPassed &&
		report != nil && report.Verdict == "PASS" {
		return &Trip{"trigger_3", "local review failed but judge verdict is PASS"}
	}

	// 4. Hallucination loop: this exact file content already failed review.
	if h := c.HandoffData.CurrentFileHash; h != "" {
		for _, entry := range c.History {
			if entry.FileHash == h && entry.Verdict == "FAIL" {
				return &Trip{"trigger_4", fmt.Sprintf(
					"file hash %s already failed review at %s", h, entry.Timestamp.Format(time.RFC3339))}
			}
		}
	}

	// 5. Style-only churn: three review cycles in, every remaining issue is
	// style-class.
	if c.Breaker.ReviewCycleCount >= 3 && report != nil && len(report.Issues) > 0 {
		allStyle := true
		for _, issue := range report.Issues {
			if !isStyleIssue(issue) {
				allStyle = false
				break
			}
		}
		if allStyle {
			return &Trip{"trigger_5", fmt.Sprintf(
				"%d review cycles with only style-class issues remaining", c.Breaker.ReviewCycleCount)}
		}
	}

	// 6. Inactivity beyond twice the largest role timeout.
	if maxTimeout := c.MaxRoleTimeout(); maxTimeout > 0 {
		if idle := now.Sub(c.Timestamps.UpdatedAt); idle > 2*maxTimeout {
			return &Trip{"trigger_6", fmt.Sprintf(
				"no activity for %s (limit %s)", idle.Round(time.Second), 2*maxTimeout)}
		}
	}

	// 7. Cost ceiling.
	if c.Limits.CostCeilingUSD > 0 && c.Breaker.CostUSD > c.Limits.CostCeilingUSD {
		return &Trip{"trigger_7", fmt.Sprintf(
			"cost $%.4f exceeds ceiling $%.2f", c.Breaker.CostUSD, c.Limits.CostCeilingUSD)}
	}

	// 8. Scope creep.
	if n := len(c.HandoffData.ChangedFiles); n > 20 {
		return &Trip{"trigger_8", fmt.Sprintf("%d files changed (limit 20)", n)}
	}

	// 9. Review cycle limit.
	if c.Breaker.ReviewCycleCount > c.Limits.MaxReviewCycles {
		return &Trip{"trigger_9", fmt.Sprintf(
			"review cycle %d exceeds limit %d", c.Breaker.ReviewCycleCount, c.Limits.MaxReviewCycles)}
	}

	// 10. Global task deadline.
	if now.After(c.Timestamps.CreatedAt.Add(4 * time.Hour)) {
		return &Trip{"trigger_10", fmt.Sprintf(
			"task exceeded the 4h global deadline (created %s)", c.Timestamps.CreatedAt.Format(time.RFC3339))}
	}

	return nil
}

func parseJudgeReport(raw string) *judgeReport {
	if raw == "" {
		return nil
	}
	var r judgeReport
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil
	}
	return &r
}
