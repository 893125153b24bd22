package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/breaker"
	"github.com/unified-agent-system/agenthub/bus"
	"github.com/unified-agent-system/agenthub/config"
	"github.com/unified-agent-system/agenthub/contract"
	"github.com/unified-agent-system/agenthub/sandbox"
)

type fixture struct {
	sup     *Supervisor
	bus     bus.Bus
	cfg     *config.Config
	handoff string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Workspace.Root = root
	handoff := cfg.HandoffPath()
	data := cfg.DataPath()
	for _, dir := range []string{handoff, data, filepath.Join(handoff, "drafts")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	b, err := bus.NewFileBus(filepath.Join(data, "bus"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	auditLog := audit.New(filepath.Join(data, "audit.jsonl"))
	registry, err := breaker.NewRegistry(
		filepath.Join(data, "breaker_state.json"),
		cfg.HaltFilePath(),
		auditLog,
	)
	if err != nil {
		t.Fatal(err)
	}
	store := contract.NewStore(handoff, auditLog)
	gate := sandbox.NewGate(filepath.Join(handoff, "drafts"), root, auditLog)

	sup := New(cfg, b, store, gate, registry, auditLog,
		WithEscalationTarget("erik"),
		WithWorkerCommand("true"))
	return &fixture{sup: sup, bus: b, cfg: cfg, handoff: handoff}
}

func proposalContract(t *testing.T, id string) *contract.Contract {
	t.Helper()
	c := contract.New(id, "demo", contract.ComplexityMinor)
	c.Git.BaseBranch = "main"
	c.Constraints.AllowedPaths = []string{"src/**"}
	c.Specification.TargetFile = "src/main.go"
	if err := c.Validate(); err != nil {
		t.Fatalf("fixture contract invalid: %v", err)
	}
	return c
}

func writeProposal(t *testing.T, dir, taskID string) string {
	t.Helper()
	content := `---
task_id: ` + taskID + `
project: demo
complexity: minor
base_branch: main
target_file: src/main.go
allowed_paths:
  - "src/**"
requirements:
  - add the thing
---

Add the thing to main.
`
	path := filepath.Join(dir, ProposalFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func envelope(t *testing.T, from string, mt bus.MessageType, payload any) bus.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return bus.Envelope{ID: "m-test", From: from, To: AgentID, Type: mt, Payload: raw}
}

func TestDestructiveDraftTripsTaskTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := proposalContract(t, "t-diff")
	p := newPipeline(c)
	f.sup.pipelines[c.TaskID] = p
	if err := f.sup.store.Save(c); err != nil {
		t.Fatal(err)
	}

	// A draft that deletes 60 of 100 original lines.
	original := filepath.Join(f.cfg.Workspace.Root, "big.go")
	if err := os.WriteFile(original, []byte(strings.Repeat("line\n", 100)), 0o644); err != nil {
		t.Fatal(err)
	}
	draftDir := filepath.Join(f.handoff, "drafts")
	draftName := sandbox.DraftFileName(original, c.TaskID)
	if err := os.WriteFile(filepath.Join(draftDir, draftName), []byte(strings.Repeat("line\n", 40)), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, err := sandbox.HashFile(original)
	if err != nil {
		t.Fatal(err)
	}
	sub := sandbox.Submission{
		TaskID:        c.TaskID,
		OriginalPath:  original,
		DraftPath:     draftName,
		OriginalHash:  hash,
		OriginalLines: 100,
		DraftLines:    40,
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(draftDir, sandbox.SubmissionFileName(c.TaskID)), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	f.sup.handleDraftReady(ctx, envelope(t, "worker-1", bus.TypeDraftReady, bus.DraftReadyPayload{TaskID: c.TaskID}))

	stats := p.diffStats()
	if stats.LinesDeleted != 60 || stats.CurrentFileLines != 40 {
		t.Fatalf("gate measurements not recorded: %+v", stats)
	}

	f.sup.runPipeline(ctx, p)
	if p.contract.Breaker.Status != contract.BreakerTripped {
		t.Fatal("expected the task breaker to trip at the stage boundary")
	}
	if p.contract.Breaker.TriggeredBy != "trigger_2" {
		t.Errorf("tripped by %s, want trigger_2", p.contract.Breaker.TriggeredBy)
	}
}

func TestStopAllCancelsEveryPipeline(t *testing.T) {
	f := newFixture(t)

	p1 := newPipeline(proposalContract(t, "t1"))
	p2 := newPipeline(proposalContract(t, "t2"))
	f.sup.pipelines["t1"] = p1
	f.sup.pipelines["t2"] = p2

	env := envelope(t, "erik", bus.TypeStopTask, bus.StopTaskPayload{AllTasks: true, Reason: "shutting down"})
	f.sup.handleStopTask(context.Background(), env)

	for _, p := range []*pipeline{p1, p2} {
		if !p.isCancelled() {
			t.Errorf("pipeline %s not cancelled", p.taskID)
		}
		if p.contract.Status != contract.StatusErikConsultation {
			t.Errorf("pipeline %s status %s, want erik_consultation", p.taskID, p.contract.Status)
		}
		if len(p.contract.History) == 0 ||
			!strings.Contains(p.contract.History[len(p.contract.History)-1].Reason, "shutting down") {
			t.Errorf("pipeline %s missing cancellation reason in history", p.taskID)
		}
	}
}

func TestStopByTaskIDLeavesOthersRunning(t *testing.T) {
	f := newFixture(t)

	p1 := newPipeline(proposalContract(t, "t1"))
	p2 := newPipeline(proposalContract(t, "t2"))
	f.sup.pipelines["t1"] = p1
	f.sup.pipelines["t2"] = p2

	env := envelope(t, "erik", bus.TypeStopTask, bus.StopTaskPayload{TaskID: "t2"})
	f.sup.handleStopTask(context.Background(), env)

	if p1.isCancelled() {
		t.Error("t1 should keep running")
	}
	if !p2.isCancelled() {
		t.Error("t2 should be cancelled")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)

	p := newPipeline(proposalContract(t, "t1"))
	f.sup.pipelines["t1"] = p

	env := envelope(t, "erik", bus.TypeStopTask, bus.StopTaskPayload{TaskID: "t1", Reason: "first"})
	f.sup.handleStopTask(context.Background(), env)
	historyLen := len(p.contract.History)

	f.sup.handleStopTask(context.Background(), env)
	if len(p.contract.History) != historyLen {
		t.Error("second STOP_TASK must not re-escalate the contract")
	}
}

func TestProposalReadyLaunchesPipeline(t *testing.T) {
	f := newFixture(t)
	path := writeProposal(t, f.handoff, "t1")

	env := envelope(t, "driver", bus.TypeProposalReady, bus.ProposalReadyPayload{ProposalPath: path})
	f.sup.handleProposalReady(context.Background(), env)

	// Worker command "true" exits 0 for every stage, so the pipeline drains.
	f.sup.wg.Wait()

	var saved contract.Contract
	raw, err := os.ReadFile(filepath.Join(f.handoff, contract.ContractFileName))
	if err != nil {
		t.Fatalf("contract not persisted: %v", err)
	}
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.TaskID != "t1" {
		t.Errorf("persisted task id %q, want t1", saved.TaskID)
	}
	if saved.SchemaVersion != "2.0" {
		t.Errorf("schema version %q, want 2.0", saved.SchemaVersion)
	}
}

func TestDuplicateProposalIgnoredWhileRunning(t *testing.T) {
	f := newFixture(t)
	path := writeProposal(t, f.handoff, "t1")

	// Simulate an in-flight pipeline for the same task id.
	f.sup.pipelines["t1"] = newPipeline(proposalContract(t, "t1"))

	env := envelope(t, "driver", bus.TypeProposalReady, bus.ProposalReadyPayload{ProposalPath: path})
	f.sup.handleProposalReady(context.Background(), env)

	if len(f.sup.pipelines) != 1 {
		t.Errorf("expected 1 pipeline, got %d", len(f.sup.pipelines))
	}
}

func TestInvalidProposalWritesRejection(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.handoff, ProposalFileName)
	// Missing target_file.
	content := "---\ntask_id: t1\nproject: demo\ncomplexity: minor\n---\n\nbody\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	env := envelope(t, "driver", bus.TypeProposalReady, bus.ProposalReadyPayload{ProposalPath: path})
	f.sup.handleProposalReady(context.Background(), env)

	raw, err := os.ReadFile(filepath.Join(f.handoff, RejectedFileName))
	if err != nil {
		t.Fatalf("rejection file not written: %v", err)
	}
	if !strings.Contains(string(raw), "target_file") {
		t.Errorf("rejection should name the missing field, got: %s", raw)
	}
	if len(f.sup.pipelines) != 0 {
		t.Error("invalid proposal must not launch a pipeline")
	}
}

func TestQuestionAnsweredWithFirstOption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := envelope(t, "worker-1", bus.TypeQuestion, bus.QuestionPayload{
		Question: "Which approach?",
		Options:  []string{"conservative", "aggressive"},
	})
	env.ID = "q-42"
	f.sup.handleQuestion(ctx, env)

	msgs, err := f.bus.Receive(ctx, "worker-1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != bus.TypeAnswer {
		t.Fatalf("expected one ANSWER, got %v", msgs)
	}
	var ans bus.AnswerPayload
	if err := json.Unmarshal(msgs[0].Payload, &ans); err != nil {
		t.Fatal(err)
	}
	if ans.QuestionID != "q-42" || ans.SelectedOption != 0 {
		t.Errorf("answer %+v, want question q-42 option 0", ans)
	}
}

func TestQuestionWithoutOptionsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := envelope(t, "worker-1", bus.TypeQuestion, bus.QuestionPayload{Question: "free form?"})
	f.sup.handleQuestion(ctx, env)

	msgs, err := f.bus.Receive(ctx, "worker-1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no reply, got %d messages", len(msgs))
	}
}

func TestDispatchSurvivesMalformedPayload(t *testing.T) {
	f := newFixture(t)

	env := bus.Envelope{
		ID:      "m-bad",
		From:    "driver",
		To:      AgentID,
		Type:    bus.TypeProposalReady,
		Payload: json.RawMessage(`{"proposal_path": 42}`),
	}
	// Must not panic.
	f.sup.dispatch(context.Background(), env)
}

func TestPollerAdaptiveBackoff(t *testing.T) {
	p := newPoller(time.Second, 10*time.Second, true)

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, p.next(false))
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("idle poll %d: got %s, want %s", i, got[i], want[i])
		}
	}

	if p.next(true) != time.Second {
		t.Error("activity must snap the interval back to base")
	}
}

func TestPollerFixedMode(t *testing.T) {
	p := newPoller(2*time.Second, 10*time.Second, false)
	for i := 0; i < 3; i++ {
		if p.next(false) != 2*time.Second {
			t.Error("fixed poller must always return base")
		}
	}
}

func TestParseProposalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeProposal(t, dir, "t9")

	p, body, err := ParseProposal(path)
	if err != nil {
		t.Fatalf("ParseProposal: %v", err)
	}
	if p.TaskID != "t9" || p.Project != "demo" || p.Complexity != "minor" {
		t.Errorf("frontmatter mismatch: %+v", p)
	}
	if !strings.Contains(body, "Add the thing") {
		t.Errorf("body not preserved: %q", body)
	}

	c, err := p.ToContract()
	if err != nil {
		t.Fatalf("ToContract: %v", err)
	}
	if c.Git.TaskBranch != "task/t9" {
		t.Errorf("task branch %q, want task/t9", c.Git.TaskBranch)
	}
	if c.Status != contract.StatusPendingImplementer {
		t.Errorf("fresh contract status %s", c.Status)
	}
}

func TestParseProposalMissingFrontmatter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ProposalFileName)
	if err := os.WriteFile(path, []byte("just markdown\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ParseProposal(path); err == nil {
		t.Error("expected error for missing frontmatter fence")
	}
}
