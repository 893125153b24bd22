package toolserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unified-agent-system/agenthub/budget"
	"github.com/unified-agent-system/agenthub/bus"
	"github.com/unified-agent-system/agenthub/sandbox"
)

func hubDeps(t *testing.T) (Deps, *Registry) {
	t.Helper()
	root := t.TempDir()
	sandboxDir := filepath.Join(root, "_handoff", "drafts")
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		t.Fatal(err)
	}

	b, err := bus.NewFileBus(filepath.Join(root, "data", "bus"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	mgr, err := budget.NewManager(filepath.Join(root, "data", "budget_state.json"), 1.00, 5.00)
	if err != nil {
		t.Fatal(err)
	}

	deps := Deps{
		Bus:           b,
		Budget:        mgr,
		SandboxDir:    sandboxDir,
		WorkspaceRoot: root,
	}
	reg := NewRegistry()
	if err := RegisterHubTools(reg, deps); err != nil {
		t.Fatal(err)
	}
	return deps, reg
}

func TestHubSendReceiveRoundTrip(t *testing.T) {
	_, reg := hubDeps(t)
	ctx := context.Background()

	res, err := reg.Call(ctx, "hub_send", map[string]any{
		"from":    "worker-1",
		"to":      "supervisor",
		"type":    "HEARTBEAT",
		"payload": map[string]any{"note": "alive"},
	})
	if err != nil {
		t.Fatalf("hub_send: %v", err)
	}
	if res.(map[string]any)["message_id"] == "" {
		t.Error("hub_send must return a message id")
	}

	recv, err := reg.Call(ctx, "hub_receive", map[string]any{"agent_id": "supervisor"})
	if err != nil {
		t.Fatalf("hub_receive: %v", err)
	}
	got := recv.(map[string]any)
	if got["count"].(int) != 1 {
		t.Errorf("expected 1 message, got %v", got["count"])
	}

	// Receive consumes: a second call drains nothing.
	recv2, err := reg.Call(ctx, "hub_receive", map[string]any{"agent_id": "supervisor"})
	if err != nil {
		t.Fatal(err)
	}
	if recv2.(map[string]any)["count"].(int) != 0 {
		t.Error("receive must consume messages")
	}
}

func TestHubSendRejectsUnknownType(t *testing.T) {
	_, reg := hubDeps(t)
	_, err := reg.Call(context.Background(), "hub_send", map[string]any{
		"from": "a", "to": "b", "type": "NOT_A_TYPE",
	})
	if err == nil {
		t.Error("unknown message type must fail")
	}
}

func TestHubAskCheckAnswer(t *testing.T) {
	deps, reg := hubDeps(t)
	ctx := context.Background()

	res, err := reg.Call(ctx, "hub_ask", map[string]any{
		"run_id": "r1", "subagent_id": "worker-1", "question": "proceed?",
	})
	if err != nil {
		t.Fatalf("hub_ask: %v", err)
	}
	msgID := res.(map[string]any)["message_id"].(string)

	check, err := reg.Call(ctx, "hub_check_answer", map[string]any{"message_id": msgID})
	if err != nil {
		t.Fatal(err)
	}
	if check.(map[string]any)["ready"].(bool) {
		t.Error("question must not be ready before a reply")
	}

	if _, err := deps.Bus.ReplyToWorker(ctx, msgID, "yes"); err != nil {
		t.Fatal(err)
	}
	check, err = reg.Call(ctx, "hub_check_answer", map[string]any{"message_id": msgID})
	if err != nil {
		t.Fatal(err)
	}
	got := check.(map[string]any)
	if !got["ready"].(bool) || got["answer"] != "yes" {
		t.Errorf("expected ready answer, got %v", got)
	}
}

func TestBudgetTools(t *testing.T) {
	_, reg := hubDeps(t)
	ctx := context.Background()

	res, err := reg.Call(ctx, "budget_can_afford", map[string]any{
		"model":          "cloud-premium",
		"est_tokens_in":  float64(2000),
		"est_tokens_out": float64(1000),
	})
	if err != nil {
		t.Fatalf("budget_can_afford: %v", err)
	}
	if !res.(map[string]any)["allowed"].(bool) {
		t.Errorf("fresh budget should afford one call: %v", res)
	}

	if _, err := reg.Call(ctx, "budget_status", nil); err != nil {
		t.Fatalf("budget_status: %v", err)
	}

	if _, err := reg.Call(ctx, "budget_override", map[string]any{
		"reason": "urgent fix", "duration_minutes": float64(5),
	}); err != nil {
		t.Fatalf("budget_override: %v", err)
	}
	if _, err := reg.Call(ctx, "budget_clear_override", nil); err != nil {
		t.Fatalf("budget_clear_override: %v", err)
	}
}

func TestWorkerChatWithoutRouterFails(t *testing.T) {
	_, reg := hubDeps(t)
	_, err := reg.Call(context.Background(), "worker_chat", map[string]any{"prompt": "hi"})
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Code != CodeToolFailed {
		t.Errorf("expected tool_failed without a router, got %v", err)
	}
}

func TestDraftSubmitWritesArtefactsAndNotifies(t *testing.T) {
	deps, reg := hubDeps(t)
	ctx := context.Background()

	source := filepath.Join(deps.WorkspaceRoot, "main.go")
	if err := os.WriteFile(source, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := reg.Call(ctx, "draft_submit", map[string]any{
		"task_id":        "t1",
		"source_path":    source,
		"content":        "package main\n\nfunc main() {}\n",
		"agent_id":       "worker-1",
		"change_summary": "add an empty main function",
	})
	if err != nil {
		t.Fatalf("draft_submit: %v", err)
	}
	got := res.(map[string]any)

	draft, err := os.ReadFile(got["draft_path"].(string))
	if err != nil {
		t.Fatalf("draft not written: %v", err)
	}
	if string(draft) != "package main\n\nfunc main() {}\n" {
		t.Error("draft content mismatch")
	}

	var sub sandbox.Submission
	raw, err := os.ReadFile(got["submission_path"].(string))
	if err != nil {
		t.Fatalf("submission not written: %v", err)
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		t.Fatal(err)
	}
	if sub.TaskID != "t1" || sub.OriginalHash == "" {
		t.Errorf("submission incomplete: %+v", sub)
	}
	if sub.ChangeSummary != "add an empty main function" {
		t.Errorf("change summary not recorded: %q", sub.ChangeSummary)
	}
	if sub.SubmittedAt.IsZero() {
		t.Error("submitted_at not recorded")
	}
	if sub.DraftHash != sandbox.HashContent(draft) {
		t.Error("draft_hash does not match the written draft")
	}
	if sub.OriginalLines != 1 || sub.DraftLines != 3 {
		t.Errorf("line counts wrong: original=%d draft=%d", sub.OriginalLines, sub.DraftLines)
	}

	msgs, err := deps.Bus.Receive(ctx, "supervisor", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != bus.TypeDraftReady {
		t.Fatalf("expected one DRAFT_READY, got %v", msgs)
	}

	status, err := reg.Call(ctx, "draft_status", map[string]any{"task_id": "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if !status.(map[string]any)["pending"].(bool) {
		t.Error("submission should be pending")
	}
}

func TestDraftSubmitRejectsSensitiveSource(t *testing.T) {
	deps, reg := hubDeps(t)

	secret := filepath.Join(deps.WorkspaceRoot, ".env")
	if err := os.WriteFile(secret, []byte("TOKEN=abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Call(context.Background(), "draft_submit", map[string]any{
		"task_id":     "t1",
		"source_path": secret,
		"content":     "TOKEN=evil\n",
		"agent_id":    "worker-1",
	})
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Code != CodeInvalidParams {
		t.Errorf("expected invalid_params for sensitive source, got %v", err)
	}
}
