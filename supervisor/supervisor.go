// Package supervisor runs the hub's control loop: it listens on the message
// bus, converts proposals into contracts, drives one pipeline per task, and
// arbitrates draft submissions through the gate.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/breaker"
	"github.com/unified-agent-system/agenthub/bus"
	"github.com/unified-agent-system/agenthub/config"
	"github.com/unified-agent-system/agenthub/contract"
	"github.com/unified-agent-system/agenthub/metrics"
	"github.com/unified-agent-system/agenthub/sandbox"
	"github.com/unified-agent-system/agenthub/storage"
)

// AgentID is the supervisor's bus identity.
const AgentID = "supervisor"

// StallFileName is the stall report artefact written on stage timeouts.
const StallFileName = "STALL_REPORT.md"

// heartbeatInterval is how often the supervisor announces liveness.
const heartbeatInterval = 30 * time.Second

// ProposalFileName is the proposal artefact the watcher looks for.
const ProposalFileName = "PROPOSAL_FINAL.md"

// Supervisor owns the message loop and the pipeline table.
type Supervisor struct {
	cfg      *config.Config
	bus      bus.Bus
	store    *contract.Store
	gate     *sandbox.Gate
	registry *breaker.Registry
	audit    *audit.Log
	logger   *slog.Logger

	// workerCmd is the external worker invocation; stage name and task id
	// are appended as arguments.
	workerCmd []string
	stages    []StageDef

	// escalationTarget receives DRAFT_ESCALATED notices.
	escalationTarget string

	// git, when set, creates the task branch before a pipeline starts.
	git Brancher

	mu        sync.Mutex
	pipelines map[string]*pipeline
	wg        sync.WaitGroup
}

// Brancher is the branch-creation capability the supervisor needs before it
// starts a pipeline. Nil is valid: branch setup is then left to the worker.
type Brancher interface {
	CreateTaskBranch(repoRoot, branch string) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGit sets the branch manager used at pipeline start.
func WithGit(g Brancher) Option {
	return func(s *Supervisor) {
		s.git = g
	}
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithWorkerCommand sets the external worker binary and fixed arguments.
func WithWorkerCommand(cmd ...string) Option {
	return func(s *Supervisor) {
		s.workerCmd = cmd
	}
}

// WithStages overrides the pipeline stage list.
func WithStages(stages []StageDef) Option {
	return func(s *Supervisor) {
		s.stages = stages
	}
}

// WithEscalationTarget sets the agent that receives escalation notices.
func WithEscalationTarget(agentID string) Option {
	return func(s *Supervisor) {
		s.escalationTarget = agentID
	}
}

// New creates a supervisor.
func New(cfg *config.Config, b bus.Bus, store *contract.Store, gate *sandbox.Gate,
	registry *breaker.Registry, auditLog *audit.Log, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:              cfg,
		bus:              b,
		store:            store,
		gate:             gate,
		registry:         registry,
		audit:            auditLog,
		logger:           slog.Default(),
		workerCmd:        []string{"agenthub-worker"},
		stages:           DefaultStages(),
		escalationTarget: "erik",
		pipelines:        make(map[string]*pipeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the supervisor until the context is cancelled: one goroutine
// for heartbeats, one for the proposal watcher, and the calling goroutine
// for the message loop.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Supervisor starting", "agent_id", AgentID)

	go s.heartbeatLoop(ctx)
	go s.watchProposals(ctx)

	p := newPoller(s.cfg.Poll.Base, s.cfg.Poll.Max, s.cfg.Poll.Adaptive)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		default:
		}

		envs, err := s.bus.Receive(ctx, AgentID, time.Time{})
		if err != nil {
			if bus.IsBackendError(err) {
				s.registry.RecordFailure(breaker.ComponentBus, err)
			}
			s.logger.Error("Bus receive failed", "error", err)
		} else {
			s.registry.RecordSuccess(breaker.ComponentBus)
			for _, env := range envs {
				s.dispatch(ctx, env)
			}
		}

		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-time.After(p.next(len(envs) > 0)):
		}
	}
}

// heartbeatLoop upserts the supervisor's liveness record every 30 s.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress := fmt.Sprintf("pipelines=%d", s.pipelineCount())
			if err := s.bus.RecordHeartbeat(ctx, AgentID, progress); err != nil {
				s.logger.Warn("Heartbeat failed", "error", err)
			}
			if ttl := s.cfg.Bus.QuestionTTL; ttl > 0 {
				if n, err := s.bus.ExpireOldQuestions(ctx, ttl); err == nil && n > 0 {
					s.logger.Info("Expired stale worker questions", "count", n)
				}
			}
		}
	}
}

// watchProposals converts filesystem appearance of the proposal artefact
// into a PROPOSAL_READY message, so drivers can drop a file instead of
// speaking the bus protocol.
func (s *Supervisor) watchProposals(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("Proposal watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	handoff := s.cfg.HandoffPath()
	if err := watcher.Add(handoff); err != nil {
		s.logger.Warn("Cannot watch handoff dir", "dir", handoff, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Base(event.Name) != ProposalFileName {
				continue
			}
			if _, err := s.bus.Send(ctx, AgentID, AgentID, bus.TypeProposalReady,
				bus.ProposalReadyPayload{ProposalPath: event.Name}); err != nil {
				s.logger.Warn("Failed to enqueue watched proposal", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Proposal watcher error", "error", err)
		}
	}
}

// dispatch logs the message first, then routes it. Handler panics are
// contained so one bad message cannot take down the loop.
func (s *Supervisor) dispatch(ctx context.Context, env bus.Envelope) {
	s.audit.Log(audit.EventMessageReceived, AgentID, map[string]any{
		"type": string(env.Type),
		"from": env.From,
	}, "")
	metrics.MessagesReceived.WithLabelValues(string(env.Type)).Inc()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panicked",
				"type", string(env.Type),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	switch env.Type {
	case bus.TypeProposalReady:
		s.handleProposalReady(ctx, env)
	case bus.TypeDraftReady:
		s.handleDraftReady(ctx, env)
	case bus.TypeStopTask:
		s.handleStopTask(ctx, env)
	case bus.TypeQuestion:
		s.handleQuestion(ctx, env)
	case bus.TypeHeartbeat, bus.TypeVerdictSignal, bus.TypeAnswer, bus.TypeReviewNeeded:
		// Informational or addressed onward; the audit record is enough.
	default:
		s.logger.Warn("No handler for message type", "type", string(env.Type))
	}
}

// handleProposalReady converts a proposal into a contract and launches its
// pipeline, deduplicating by task id.
func (s *Supervisor) handleProposalReady(ctx context.Context, env bus.Envelope) {
	var payload bus.ProposalReadyPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		s.logger.Error("Malformed PROPOSAL_READY payload", "error", err)
		return
	}

	proposal, _, err := ParseProposal(payload.ProposalPath)
	if err != nil {
		s.rejectProposal(payload.ProposalPath, err)
		return
	}
	c, err := proposal.ToContract()
	if err != nil {
		s.rejectProposal(payload.ProposalPath, err)
		return
	}

	s.mu.Lock()
	if _, running := s.pipelines[c.TaskID]; running {
		s.mu.Unlock()
		s.logger.Info("Pipeline already running, ignoring duplicate proposal", "task_id", c.TaskID)
		return
	}
	p := newPipeline(c)
	s.pipelines[c.TaskID] = p
	s.mu.Unlock()

	if err := s.store.Save(c); err != nil {
		s.removePipeline(c.TaskID)
		s.rejectProposal(payload.ProposalPath, err)
		return
	}

	if s.git != nil && c.Git.RepoRoot != "" {
		if err := s.git.CreateTaskBranch(c.Git.RepoRoot, c.Git.TaskBranch); err != nil {
			s.logger.Warn("Task branch creation failed", "task_id", c.TaskID, "error", err)
		}
	}

	s.audit.Log(audit.EventPipelineStarted, AgentID, map[string]any{"task_id": c.TaskID}, "")
	metrics.PipelinesActive.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.PipelinesActive.Dec()
		defer s.removePipeline(c.TaskID)
		s.runPipeline(ctx, p)
	}()
}

func (s *Supervisor) rejectProposal(proposalPath string, cause error) {
	s.logger.Warn("Proposal rejected", "proposal", proposalPath, "reason", cause)
	if err := WriteRejection(s.cfg.HandoffPath(), proposalPath, cause); err != nil {
		s.logger.Error("Failed to write rejection file", "error", err)
	}
}

// runPipeline executes the stage sequence for one task. Any stage failure or
// timeout escalates the contract and stops the pipeline.
func (s *Supervisor) runPipeline(ctx context.Context, p *pipeline) {
	workDir := s.cfg.Workspace.Root

	for _, stage := range s.stages {
		if ctx.Err() != nil || p.isCancelled() {
			s.escalatePipeline(p, "pipeline cancelled")
			return
		}
		if s.registry.IsHalted() {
			s.logger.Warn("Hub halted, abandoning pipeline", "task_id", p.taskID)
			return
		}
		if trip := breaker.CheckContract(p.contract, p.diffStats()); trip != nil {
			s.tripContract(p, trip)
			return
		}

		s.logger.Info("Running stage", "task_id", p.taskID, "stage", stage.Name)
		if err := p.runStage(stage, s.workerCmd, workDir); err != nil {
			s.audit.Log(audit.EventStageFailed, AgentID, map[string]any{
				"task_id": p.taskID,
				"stage":   stage.Name,
				"error":   err.Error(),
			}, "")

			if se, ok := err.(*stageError); ok && se.TimedOut {
				s.writeStallReport(p, stage, se)
			}
			if p.isCancelled() {
				s.escalatePipeline(p, "pipeline cancelled")
				return
			}
			s.escalatePipeline(p, fmt.Sprintf("stage %s failed: %v", stage.Name, err))
			return
		}
	}

	s.logger.Info("Pipeline complete", "task_id", p.taskID)
}

// tripContract applies a task-layer breaker trip: tripped contract, halted
// sidecar, and a hub halt record.
func (s *Supervisor) tripContract(p *pipeline, trip *breaker.Trip) {
	if !p.markEscalated() {
		return
	}
	if err := p.contract.Trip(trip.Trigger, trip.Reason); err != nil {
		s.logger.Error("Failed to trip contract", "task_id", p.taskID, "error", err)
	}
	if err := s.store.Halt(p.contract); err != nil {
		s.logger.Error("Failed to halt contract", "task_id", p.taskID, "error", err)
	}
	s.registry.Halt(fmt.Sprintf("task %s tripped %s: %s", p.taskID, trip.Trigger, trip.Reason))
}

// escalatePipeline moves a failed or cancelled pipeline's contract to human
// consultation, exactly once.
func (s *Supervisor) escalatePipeline(p *pipeline, reason string) {
	if !p.markEscalated() {
		return
	}
	s.audit.Log(audit.EventPipelineCancelled, AgentID, map[string]any{
		"task_id": p.taskID,
		"reason":  reason,
	}, "")
	if err := s.store.Transition(p.contract, contract.EventCircuitBreakerHalt, reason); err != nil {
		s.logger.Error("Failed to escalate contract", "task_id", p.taskID, "error", err)
	}
}

// writeStallReport leaves a human-readable note about a stage that stopped
// making progress.
func (s *Supervisor) writeStallReport(p *pipeline, stage StageDef, se *stageError) {
	content := fmt.Sprintf(`# STALL REPORT

**Task:** %s

**Stage:** %s

**Time:** %s

The stage exceeded its %s timeout and was terminated. The contract has been
escalated for human review. Check the worker logs and the audit log for the
last recorded activity.
`, p.taskID, stage.Name, time.Now().UTC().Format(time.RFC3339), stage.Timeout)

	path := filepath.Join(s.cfg.HandoffPath(), StallFileName)
	if err := storage.WriteAtomic(path, []byte(content), 0o644); err != nil {
		s.logger.Error("Failed to write stall report", "error", err)
	}
}

// handleDraftReady runs the gate and answers the submitting worker.
func (s *Supervisor) handleDraftReady(ctx context.Context, env bus.Envelope) {
	var payload bus.DraftReadyPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		s.logger.Error("Malformed DRAFT_READY payload", "error", err)
		return
	}

	d := s.gate.Evaluate(payload.TaskID)
	if p := s.pipelineFor(payload.TaskID); p != nil {
		p.recordDiff(diffStatsFor(d))
	}
	switch d.Verdict {
	case sandbox.VerdictAccept:
		if err := s.gate.Apply(d); err != nil {
			s.logger.Error("Draft apply failed", "task_id", payload.TaskID, "error", err)
			s.sendVerdict(ctx, env.From, bus.TypeDraftRejected, payload.TaskID, fmt.Sprintf("apply failed: %v", err))
			return
		}
		s.sendVerdict(ctx, env.From, bus.TypeDraftAccepted, payload.TaskID, d.DiffSummary)
	case sandbox.VerdictReject:
		s.gate.Reject(d)
		s.sendVerdict(ctx, env.From, bus.TypeDraftRejected, payload.TaskID, d.Reason)
	case sandbox.VerdictEscalate:
		s.gate.Escalate(d)
		s.sendVerdict(ctx, s.escalationTarget, bus.TypeDraftEscalated, payload.TaskID, d.Reason)
	}
}

// diffStatsFor converts a gate decision into the measurements the task
// triggers consume. CurrentFileLines is the surviving pre-edit line count;
// the submission's recorded counts reconstruct it.
func diffStatsFor(d *sandbox.Decision) breaker.DiffStats {
	sub := d.Submission
	if sub == nil {
		return breaker.DiffStats{}
	}
	switch {
	case sub.OriginalLines > 0:
		return breaker.DiffStats{LinesDeleted: d.Removed, CurrentFileLines: sub.OriginalLines - d.Removed}
	case sub.DraftLines > 0:
		return breaker.DiffStats{LinesDeleted: d.Removed, CurrentFileLines: sub.DraftLines - d.Added}
	}
	return breaker.DiffStats{}
}

func (s *Supervisor) sendVerdict(ctx context.Context, to string, t bus.MessageType, taskID, detail string) {
	payload := map[string]string{"task_id": taskID, "detail": detail}
	if _, err := s.bus.Send(ctx, AgentID, to, t, payload); err != nil {
		s.logger.Warn("Failed to send draft verdict", "type", string(t), "error", err)
	}
}

// handleStopTask cancels matching pipelines and escalates their contracts.
func (s *Supervisor) handleStopTask(ctx context.Context, env bus.Envelope) {
	var payload bus.StopTaskPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		s.logger.Error("Malformed STOP_TASK payload", "error", err)
		return
	}
	reason := payload.Reason
	if reason == "" {
		reason = "stopped by " + env.From
	}

	targets := s.matchPipelines(payload)
	if len(targets) == 0 {
		s.logger.Info("STOP_TASK matched no running pipelines")
		return
	}

	for _, p := range targets {
		if !p.cancel() {
			continue // already cancelled, no-op
		}
		s.logger.Info("Pipeline cancelled", "task_id", p.taskID, "reason", reason)
		s.escalatePipeline(p, "cancelled: "+reason)
	}
}

// matchPipelines resolves a STOP_TASK payload to in-flight pipelines.
func (s *Supervisor) matchPipelines(payload bus.StopTaskPayload) []*pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*pipeline
	switch {
	case payload.AllTasks:
		for _, p := range s.pipelines {
			out = append(out, p)
		}
	case payload.TaskID != "":
		if p, ok := s.pipelines[payload.TaskID]; ok {
			out = append(out, p)
		}
	case payload.ContractPath != "":
		var c contract.Contract
		if err := storage.ReadJSON(payload.ContractPath, &c); err == nil {
			if p, ok := s.pipelines[c.TaskID]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// handleQuestion answers a QUESTION envelope. The default policy picks the
// first option.
func (s *Supervisor) handleQuestion(ctx context.Context, env bus.Envelope) {
	var payload bus.QuestionPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		s.logger.Error("Malformed QUESTION payload", "error", err)
		return
	}
	if len(payload.Options) == 0 {
		s.logger.Warn("QUESTION without options, ignoring")
		return
	}

	answer := bus.AnswerPayload{QuestionID: env.ID, SelectedOption: 0}
	if _, err := s.bus.Send(ctx, AgentID, env.From, bus.TypeAnswer, answer); err != nil {
		s.logger.Warn("Failed to answer question", "error", err)
		return
	}
	s.audit.Log(audit.EventQuestionAnswered, AgentID, map[string]any{
		"question_id": env.ID,
		"selected":    0,
	}, "")
}

func (s *Supervisor) pipelineFor(taskID string) *pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelines[taskID]
}

func (s *Supervisor) pipelineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipelines)
}

func (s *Supervisor) removePipeline(taskID string) {
	s.mu.Lock()
	delete(s.pipelines, taskID)
	s.mu.Unlock()
}

func unmarshalPayload(env bus.Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(env.Payload, out)
}
