package toolserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/unified-agent-system/agenthub/budget"
	"github.com/unified-agent-system/agenthub/bus"
	"github.com/unified-agent-system/agenthub/llm"
	"github.com/unified-agent-system/agenthub/router"
	"github.com/unified-agent-system/agenthub/sandbox"
	"github.com/unified-agent-system/agenthub/storage"
)

// Deps are the hub singletons the tool surface wraps. Router may be nil when
// routing is disabled; the worker tools then report tool_failed.
type Deps struct {
	Bus           bus.Bus
	Budget        *budget.Manager
	Router        *router.Router
	SandboxDir    string
	WorkspaceRoot string
}

// RegisterHubTools installs the hub tool set into a registry.
func RegisterHubTools(reg *Registry, deps Deps) error {
	tools := []struct {
		def ToolDefinition
		h   Handler
	}{
		{connectDef(), deps.hubConnect},
		{sendDef(), deps.hubSend},
		{receiveDef(), deps.hubReceive},
		{heartbeatDef(), deps.hubHeartbeat},
		{askDef(), deps.hubAsk},
		{checkAnswerDef(), deps.hubCheckAnswer},
		{chatDef(), deps.workerChat},
		{reviewDef(), deps.workerReview},
		{budgetStatusDef(), deps.budgetStatus},
		{budgetCanAffordDef(), deps.budgetCanAfford},
		{budgetOverrideDef(), deps.budgetOverride},
		{budgetClearOverrideDef(), deps.budgetClearOverride},
		{draftSubmitDef(), deps.draftSubmit},
		{draftStatusDef(), deps.draftStatus},
	}
	for _, t := range tools {
		if err := reg.Register(t.def, t.h); err != nil {
			return err
		}
	}
	return nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// numArg extracts an optional numeric argument; JSON numbers decode as float64.
func numArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

func connectDef() ToolDefinition {
	return ToolDefinition{
		Name:        "hub_connect",
		Description: "Announce an agent to the hub and record its first heartbeat",
		Parameters: objectSchema([]string{"agent_id"}, map[string]any{
			"agent_id": stringProp("Identity of the connecting agent"),
		}),
	}
}

func (d Deps) hubConnect(ctx context.Context, args map[string]any) (any, error) {
	agentID, err := stringArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	if err := d.Bus.RecordHeartbeat(ctx, agentID, "connected"); err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": agentID, "connected": true}, nil
}

func sendDef() ToolDefinition {
	return ToolDefinition{
		Name:        "hub_send",
		Description: "Send a typed hub message to another agent",
		Parameters: objectSchema([]string{"from", "to", "type"}, map[string]any{
			"from":    stringProp("Sender agent id"),
			"to":      stringProp("Recipient agent id"),
			"type":    stringProp("Message type (one of the hub's finite type set)"),
			"payload": map[string]any{"type": "object", "description": "Message payload"},
		}),
	}
}

func (d Deps) hubSend(ctx context.Context, args map[string]any) (any, error) {
	from, err := stringArg(args, "from")
	if err != nil {
		return nil, err
	}
	to, err := stringArg(args, "to")
	if err != nil {
		return nil, err
	}
	msgType, err := stringArg(args, "type")
	if err != nil {
		return nil, err
	}
	id, err := d.Bus.Send(ctx, from, to, bus.MessageType(msgType), args["payload"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": id}, nil
}

func receiveDef() ToolDefinition {
	return ToolDefinition{
		Name:        "hub_receive",
		Description: "Receive and consume unread messages addressed to an agent",
		Parameters: objectSchema([]string{"agent_id"}, map[string]any{
			"agent_id": stringProp("Recipient agent id"),
		}),
	}
}

func (d Deps) hubReceive(ctx context.Context, args map[string]any) (any, error) {
	agentID, err := stringArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	msgs, err := d.Bus.Receive(ctx, agentID, time.Time{})
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs, "count": len(msgs)}, nil
}

func heartbeatDef() ToolDefinition {
	return ToolDefinition{
		Name:        "hub_heartbeat",
		Description: "Record an agent liveness heartbeat with optional progress text",
		Parameters: objectSchema([]string{"agent_id"}, map[string]any{
			"agent_id": stringProp("Agent id"),
			"progress": stringProp("Optional free-form progress description"),
		}),
	}
}

func (d Deps) hubHeartbeat(ctx context.Context, args map[string]any) (any, error) {
	agentID, err := stringArg(args, "agent_id")
	if err != nil {
		return nil, err
	}
	if err := d.Bus.RecordHeartbeat(ctx, agentID, optStringArg(args, "progress")); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func askDef() ToolDefinition {
	return ToolDefinition{
		Name:        "hub_ask",
		Description: "Post a worker question for the parent and return its message id",
		Parameters: objectSchema([]string{"run_id", "subagent_id", "question"}, map[string]any{
			"run_id":      stringProp("Run the worker belongs to"),
			"subagent_id": stringProp("Asking worker id"),
			"question":    stringProp("Question text"),
		}),
	}
}

func (d Deps) hubAsk(ctx context.Context, args map[string]any) (any, error) {
	runID, err := stringArg(args, "run_id")
	if err != nil {
		return nil, err
	}
	subagentID, err := stringArg(args, "subagent_id")
	if err != nil {
		return nil, err
	}
	question, err := stringArg(args, "question")
	if err != nil {
		return nil, err
	}
	id, err := d.Bus.AskParent(ctx, runID, subagentID, question)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": id}, nil
}

func checkAnswerDef() ToolDefinition {
	return ToolDefinition{
		Name:        "hub_check_answer",
		Description: "Check whether a posted question has been answered",
		Parameters: objectSchema([]string{"message_id"}, map[string]any{
			"message_id": stringProp("Message id returned by hub_ask"),
		}),
	}
}

func (d Deps) hubCheckAnswer(ctx context.Context, args map[string]any) (any, error) {
	messageID, err := stringArg(args, "message_id")
	if err != nil {
		return nil, err
	}
	answer, ready, err := d.Bus.CheckAnswer(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ready": ready, "answer": answer}, nil
}

func chatDef() ToolDefinition {
	return ToolDefinition{
		Name:        "worker_chat",
		Description: "Send a chat prompt through the model router",
		Parameters: objectSchema([]string{"prompt"}, map[string]any{
			"prompt":    stringProp("User prompt"),
			"system":    stringProp("Optional system prompt"),
			"task_type": stringProp("Fallback chain selector: default, code, or reasoning"),
			"preferred": stringProp("Optional preferred logical model"),
			"task_id":   stringProp("Task id for audit attribution"),
		}),
	}
}

func (d Deps) workerChat(ctx context.Context, args map[string]any) (any, error) {
	return d.routeChat(ctx, args, optStringArg(args, "task_type"), optStringArg(args, "preferred"))
}

func reviewDef() ToolDefinition {
	return ToolDefinition{
		Name:        "worker_review",
		Description: "Send a code review prompt through the router's code chain",
		Parameters: objectSchema([]string{"prompt"}, map[string]any{
			"prompt":  stringProp("Review prompt including the diff or file content"),
			"task_id": stringProp("Task id for audit attribution"),
		}),
	}
}

func (d Deps) workerReview(ctx context.Context, args map[string]any) (any, error) {
	return d.routeChat(ctx, args, "code", "local-reviewer")
}

func (d Deps) routeChat(ctx context.Context, args map[string]any, taskType, preferred string) (any, error) {
	if d.Router == nil {
		return nil, &RPCError{Code: CodeToolFailed, Message: "model routing is disabled"}
	}
	prompt, err := stringArg(args, "prompt")
	if err != nil {
		return nil, err
	}

	var messages []llm.Message
	if system := optStringArg(args, "system"); system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	res, err := d.Router.Route(ctx, router.Request{
		TaskType:  taskType,
		Preferred: preferred,
		TaskID:    optStringArg(args, "task_id"),
		Messages:  messages,
	})
	if err != nil {
		if router.IsBudgetExceeded(err) {
			return nil, &RPCError{Code: CodeToolFailed, Message: "budget exceeded", Data: err.Error()}
		}
		return nil, err
	}
	return map[string]any{
		"content":       res.Response.Content,
		"model":         res.ModelName,
		"fallback_used": res.FallbackUsed,
		"cost_usd":      res.CostUSD,
	}, nil
}

func budgetStatusDef() ToolDefinition {
	return ToolDefinition{
		Name:        "budget_status",
		Description: "Return the current session and daily spend state",
		Parameters:  objectSchema(nil, map[string]any{}),
	}
}

func (d Deps) budgetStatus(ctx context.Context, args map[string]any) (any, error) {
	return d.Budget.Status(), nil
}

func budgetCanAffordDef() ToolDefinition {
	return ToolDefinition{
		Name:        "budget_can_afford",
		Description: "Pre-flight a model call against the remaining budget",
		Parameters: objectSchema([]string{"model"}, map[string]any{
			"model":          stringProp("Logical model name"),
			"est_tokens_in":  intProp("Estimated prompt tokens"),
			"est_tokens_out": intProp("Estimated completion tokens"),
		}),
	}
}

func (d Deps) budgetCanAfford(ctx context.Context, args map[string]any) (any, error) {
	model, err := stringArg(args, "model")
	if err != nil {
		return nil, err
	}
	ok, reason := d.Budget.CanAfford(model, numArg(args, "est_tokens_in"), numArg(args, "est_tokens_out"))
	return map[string]any{"allowed": ok, "reason": reason}, nil
}

func budgetOverrideDef() ToolDefinition {
	return ToolDefinition{
		Name:        "budget_override",
		Description: "Activate a temporary budget override",
		Parameters: objectSchema([]string{"reason"}, map[string]any{
			"reason":           stringProp("Why the override is needed"),
			"duration_minutes": intProp("Override lifetime in minutes (default 60)"),
		}),
	}
}

func (d Deps) budgetOverride(ctx context.Context, args map[string]any) (any, error) {
	reason, err := stringArg(args, "reason")
	if err != nil {
		return nil, err
	}
	minutes := numArg(args, "duration_minutes")
	if minutes <= 0 {
		minutes = 60
	}
	if err := d.Budget.RequestOverride(reason, time.Duration(minutes)*time.Minute); err != nil {
		return nil, err
	}
	return map[string]any{"active": true, "expires_in_minutes": minutes}, nil
}

func budgetClearOverrideDef() ToolDefinition {
	return ToolDefinition{
		Name:        "budget_clear_override",
		Description: "Clear any active budget override",
		Parameters:  objectSchema(nil, map[string]any{}),
	}
}

func (d Deps) budgetClearOverride(ctx context.Context, args map[string]any) (any, error) {
	if err := d.Budget.ClearOverride(); err != nil {
		return nil, err
	}
	return map[string]any{"active": false}, nil
}

func draftSubmitDef() ToolDefinition {
	return ToolDefinition{
		Name:        "draft_submit",
		Description: "Write a draft into the sandbox, record its submission, and notify the supervisor",
		Parameters: objectSchema([]string{"task_id", "source_path", "content", "agent_id"}, map[string]any{
			"task_id":        stringProp("Task the draft belongs to"),
			"source_path":    stringProp("Workspace file the draft proposes to replace"),
			"content":        stringProp("Full proposed file content"),
			"agent_id":       stringProp("Submitting worker id"),
			"change_summary": stringProp("One-line description of the change"),
		}),
	}
}

func (d Deps) draftSubmit(ctx context.Context, args map[string]any) (any, error) {
	taskID, err := stringArg(args, "task_id")
	if err != nil {
		return nil, err
	}
	sourcePath, err := stringArg(args, "source_path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	agentID, err := stringArg(args, "agent_id")
	if err != nil {
		return nil, err
	}

	original, err := sandbox.ValidateSourceRead(sourcePath, d.WorkspaceRoot)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	originalContent, err := os.ReadFile(original)
	if err != nil {
		return nil, fmt.Errorf("read original: %w", err)
	}

	draftPath, err := sandbox.ValidateSandboxWrite(
		filepath.Join(d.SandboxDir, sandbox.DraftFileName(sourcePath, taskID)), d.SandboxDir)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if err := storage.WriteAtomic(draftPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write draft: %w", err)
	}

	submissionPath := filepath.Join(d.SandboxDir, sandbox.SubmissionFileName(taskID))
	sub := sandbox.Submission{
		TaskID:        taskID,
		OriginalPath:  original,
		DraftPath:     draftPath,
		ChangeSummary: optStringArg(args, "change_summary"),
		SubmittedAt:   time.Now().UTC(),
		OriginalHash:  sandbox.HashContent(originalContent),
		DraftHash:     sandbox.HashContent([]byte(content)),
		OriginalLines: sandbox.LineCount(originalContent),
		DraftLines:    sandbox.LineCount([]byte(content)),
	}
	if err := storage.WriteJSONAtomic(submissionPath, sub); err != nil {
		return nil, fmt.Errorf("write submission: %w", err)
	}

	msgID, err := d.Bus.Send(ctx, agentID, "supervisor", bus.TypeDraftReady,
		bus.DraftReadyPayload{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"draft_path":      draftPath,
		"submission_path": submissionPath,
		"message_id":      msgID,
	}, nil
}

func draftStatusDef() ToolDefinition {
	return ToolDefinition{
		Name:        "draft_status",
		Description: "Report whether a task's draft submission is still awaiting a verdict",
		Parameters: objectSchema([]string{"task_id"}, map[string]any{
			"task_id": stringProp("Task id"),
		}),
	}
}

func (d Deps) draftStatus(ctx context.Context, args map[string]any) (any, error) {
	taskID, err := stringArg(args, "task_id")
	if err != nil {
		return nil, err
	}
	submissionPath := filepath.Join(d.SandboxDir, sandbox.SubmissionFileName(taskID))
	_, statErr := os.Stat(submissionPath)
	pending := statErr == nil
	return map[string]any{"task_id": taskID, "pending": pending}, nil
}
