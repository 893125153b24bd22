package breaker

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/unified-agent-system/agenthub/contract"
)

func freshContract() *contract.Contract {
	c := contract.New("breaker-test", "agenthub", contract.ComplexityMinor)
	// Keep the inactivity trigger quiet for tests that target other triggers.
	c.Timestamps.UpdatedAt = time.Now().UTC()
	return c
}

func judgeJSON(t *testing.T, verdict string, issues ...string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"verdict": verdict, "issues": issues})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCheckContractCleanContract(t *testing.T) {
	if trip := CheckContract(freshContract(), DiffStats{}); trip != nil {
		t.Errorf("fresh contract tripped: %+v", trip)
	}
}

func TestRebuttalLimitTrigger(t *testing.T) {
	c := freshContract()
	c.Breaker.RebuttalCount = c.Limits.MaxRebuttals + 1

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_1" {
		t.Errorf("expected trigger_1, got %+v", trip)
	}
}

func TestDestructiveDiffTrigger(t *testing.T) {
	tests := []struct {
		deleted int
		current int
		trip    bool
	}{
		{60, 40, true},   // 60% of original deleted
		{50, 50, false},  // exactly half is tolerated
		{10, 190, false}, // 5%
		{0, 0, false},    // no draft
		{5, 0, true},     // whole file deleted
	}
	for _, tt := range tests {
		trip := CheckContract(freshContract(), DiffStats{LinesDeleted: tt.deleted, CurrentFileLines: tt.current})
		got := trip != nil && trip.Trigger == "trigger_2"
		if got != tt.trip {
			t.Errorf("deleted=%d current=%d: trip=%v, want %v", tt.deleted, tt.current, got, tt.trip)
		}
	}
}

func TestParadoxTrigger(t *testing.T) {
	c := freshContract()
	failed := false
	c.HandoffData.LocalReviewPassed = &failed
	c.HandoffData.JudgeReportJSON = judgeJSON(t, "PASS")

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_3" {
		t.Errorf("expected trigger_3, got %+v", trip)
	}

	// A failing judge verdict is consistent and fine.
	c.HandoffData.JudgeReportJSON = judgeJSON(t, "FAIL", "missing error handling")
	if trip := CheckContract(c, DiffStats{}); trip != nil {
		t.Errorf("consistent verdicts tripped: %+v", trip)
	}
}

func TestHallucinationLoopTrigger(t *testing.T) {
	c := freshContract()
	c.HandoffData.CurrentFileHash = "abc123"
	c.History = append(c.History, contract.HistoryEntry{
		Event:     "judge_complete",
		FileHash:  "abc123",
		Verdict:   "FAIL",
		Timestamp: time.Now().UTC().Add(-time.Hour),
	})

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_4" {
		t.Errorf("expected trigger_4, got %+v", trip)
	}

	// Same hash with a PASS verdict is not a loop.
	c.History[0].Verdict = "PASS"
	if trip := CheckContract(c, DiffStats{}); trip != nil {
		t.Errorf("passing history tripped: %+v", trip)
	}
}

func TestStyleChurnTrigger(t *testing.T) {
	c := freshContract()
	c.Breaker.ReviewCycleCount = 3
	c.HandoffData.JudgeReportJSON = judgeJSON(t, "FAIL",
		"inconsistent indentation in handler",
		"variable naming could be clearer",
		"trailing whitespace")

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_5" {
		t.Errorf("expected trigger_5, got %+v", trip)
	}

	// One substantive issue keeps the cycle alive.
	c.HandoffData.JudgeReportJSON = judgeJSON(t, "FAIL",
		"trailing whitespace",
		"race condition on shared counter")
	if trip := CheckContract(c, DiffStats{}); trip != nil {
		t.Errorf("substantive issue tripped: %+v", trip)
	}

	// Below three cycles style-only churn is still allowed.
	c.Breaker.ReviewCycleCount = 2
	c.HandoffData.JudgeReportJSON = judgeJSON(t, "FAIL", "trailing whitespace")
	if trip := CheckContract(c, DiffStats{}); trip != nil {
		t.Errorf("early style churn tripped: %+v", trip)
	}
}

func TestInactivityTrigger(t *testing.T) {
	c := freshContract()
	// Largest role timeout is 30m, so 2h of silence is over the 1h line.
	c.Timestamps.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_6" {
		t.Errorf("expected trigger_6, got %+v", trip)
	}
}

func TestCostCeilingTrigger(t *testing.T) {
	c := freshContract()
	c.Breaker.CostUSD = c.Limits.CostCeilingUSD + 0.01

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_7" {
		t.Errorf("expected trigger_7, got %+v", trip)
	}
}

func TestScopeCreepTrigger(t *testing.T) {
	c := freshContract()
	for i := 0; i < 21; i++ {
		c.HandoffData.ChangedFiles = append(c.HandoffData.ChangedFiles, fmt.Sprintf("src/file%d.go", i))
	}

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_8" {
		t.Errorf("expected trigger_8, got %+v", trip)
	}
}

func TestReviewCycleTrigger(t *testing.T) {
	c := freshContract()
	c.Breaker.ReviewCycleCount = c.Limits.MaxReviewCycles + 1

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_9" {
		t.Errorf("expected trigger_9, got %+v", trip)
	}
}

func TestGlobalDeadlineTrigger(t *testing.T) {
	c := freshContract()
	c.Timestamps.CreatedAt = time.Now().UTC().Add(-5 * time.Hour)

	trip := CheckContract(c, DiffStats{})
	if trip == nil || trip.Trigger != "trigger_10" {
		t.Errorf("expected trigger_10, got %+v", trip)
	}
}

func TestTriggerOrderFirstMatchWins(t *testing.T) {
	c := freshContract()
	c.Breaker.RebuttalCount = 99
	c.Breaker.CostUSD = 99
	c.Timestamps.CreatedAt = time.Now().UTC().Add(-24 * time.Hour)

	trip := CheckContract(c, DiffStats{LinesDeleted: 100, CurrentFileLines: 0})
	if trip == nil || trip.Trigger != "trigger_1" {
		t.Errorf("lowest-numbered trigger must win, got %+v", trip)
	}
}
