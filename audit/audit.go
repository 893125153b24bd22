// Package audit provides the append-only record of everything observable the
// hub does: model calls, budget checks, breaker trips, message traffic, and
// state transitions. Records are never mutated after append.
package audit

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unified-agent-system/agenthub/storage"
)

// EventType identifies an audit record kind.
type EventType string

// The audit event vocabulary. Sources append these; reporting tools filter
// on them. New types may be added; existing names are stable.
const (
	EventModelCallStart    EventType = "model_call_start"
	EventModelCallSuccess  EventType = "model_call_success"
	EventModelCallFailure  EventType = "model_call_failure"
	EventModelFallback     EventType = "model_fallback"
	EventBreakerFailure    EventType = "circuit_breaker_failure"
	EventBreakerHalt       EventType = "circuit_breaker_halt"
	EventBreakerReset      EventType = "circuit_breaker_reset"
	EventDegradationEnter  EventType = "degradation_entered"
	EventDegradationExit   EventType = "degradation_recovered"
	EventBudgetCheckPass   EventType = "budget_check_pass"
	EventBudgetCheckFail   EventType = "budget_check_fail"
	EventBudgetOverride    EventType = "budget_override"
	EventMessageSent       EventType = "message_sent"
	EventMessageReceived   EventType = "message_received"
	EventQuestionAsked     EventType = "question_asked"
	EventQuestionAnswered  EventType = "question_answered"
	EventSessionStart      EventType = "session_start"
	EventSessionEnd        EventType = "session_end"
	EventStateTransition   EventType = "state_transition"
	EventDraftSubmitted    EventType = "draft_submitted"
	EventDraftApplied      EventType = "draft_applied"
	EventDraftRejected     EventType = "draft_rejected"
	EventDraftEscalated    EventType = "draft_escalated"
	EventPipelineStarted   EventType = "pipeline_started"
	EventPipelineCancelled EventType = "pipeline_cancelled"
	EventStageFailed       EventType = "stage_failed"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
}

// Log is the audit logger. Appends go to an NDJSON event log; an in-memory
// per-session count by type backs the session summary.
type Log struct {
	mu        sync.Mutex
	sessionID string
	log       *storage.EventLog
	counts    map[EventType]int
	logger    *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// New creates an audit log appending to path. A fresh session id is minted
// and a session_start event is recorded.
func New(path string, opts ...Option) *Log {
	l := &Log{
		sessionID: "s-" + uuid.New().String()[:8],
		log:       storage.NewEventLog(path),
		counts:    make(map[EventType]int),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.Log(EventSessionStart, "audit", nil, "")
	return l
}

// SessionID returns the current session identifier.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Log appends one record. Append failures are logged but never propagate:
// audit must not take down the operation being audited.
func (l *Log) Log(eventType EventType, source string, data map[string]any, runID string) {
	event := Event{
		Timestamp: time.Now().UTC(),
		SessionID: l.sessionID,
		RunID:     runID,
		EventType: eventType,
		Source:    source,
		Data:      data,
	}

	l.mu.Lock()
	l.counts[eventType]++
	l.mu.Unlock()

	if err := l.log.Append(&event); err != nil {
		l.logger.Warn("Failed to append audit event",
			"event_type", eventType,
			"source", source,
			"error", err)
	}
}

// Filter selects audit events. Zero values match everything.
type Filter struct {
	EventType EventType
	Source    string
	Since     time.Time
	Limit     int
}

// Events returns matching records, newest first.
func (l *Log) Events(f Filter) ([]Event, error) {
	raw, err := l.log.ReadAll()
	if err != nil {
		return nil, err
	}

	var out []Event
	// Newest first: walk the log backwards.
	for i := len(raw) - 1; i >= 0; i-- {
		var e Event
		if err := json.Unmarshal(raw[i], &e); err != nil {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// SessionSummary returns per-type counts for the current session.
func (l *Log) SessionSummary() map[EventType]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	summary := make(map[EventType]int, len(l.counts))
	for k, v := range l.counts {
		summary[k] = v
	}
	return summary
}

// ModelCall records the outcome of one routed model call. When the serving
// model differs from the preferred one, a fallback event accompanies the
// success event.
func (l *Log) ModelCall(source, preferred, served string, tokensIn, tokensOut int, runID string) {
	l.Log(EventModelCallSuccess, source, map[string]any{
		"model":      served,
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
	}, runID)

	if served != preferred {
		l.Log(EventModelFallback, source, map[string]any{
			"preferred": preferred,
			"served":    served,
		}, runID)
	}
}

// Close records the session end.
func (l *Log) Close() {
	l.Log(EventSessionEnd, "audit", map[string]any{
		"events": len(l.counts),
	}, "")
}
