// Package breaker implements the two-layer circuit breaker: component-level
// consecutive-failure counters that end in a global halt, and the ten
// task-level triggers checked before every contract persist.
package breaker

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/metrics"
	"github.com/unified-agent-system/agenthub/storage"
)

// Component names the subsystems the registry counts failures for.
type Component string

const (
	ComponentRouter Component = "router"
	ComponentBus    Component = "sqlite"
	ComponentOllama Component = "ollama"
)

// State is the persisted breaker document.
type State struct {
	RouterFailures  int       `json:"router_failures"`
	SQLiteFailures  int       `json:"sqlite_failures"`
	OllamaFailures  int       `json:"ollama_failures"`
	LastOllamaCheck time.Time `json:"last_ollama_check,omitempty"`
	IsHalted        bool      `json:"is_halted"`
	HaltReason      string    `json:"halt_reason,omitempty"`
}

// Thresholds configures the per-component failure limits.
type Thresholds struct {
	Router int
	Bus    int
	Ollama int
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Router: 5, Bus: 3, Ollama: 3}
}

// Registry tracks component failures and owns the halt file. Router and bus
// thresholds cause a halt; the ollama threshold is reported to the caller
// (the degradation manager flips Low-Power Mode instead of halting).
type Registry struct {
	mu         sync.Mutex
	state      State
	thresholds Thresholds
	statePath  string
	haltFile   string
	audit      *audit.Log
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithThresholds overrides the failure thresholds.
func WithThresholds(t Thresholds) Option {
	return func(r *Registry) {
		r.thresholds = t
	}
}

// NewRegistry loads (or initializes) breaker state. haltFile is the global
// halt sentinel; its existence blocks every transition.
func NewRegistry(statePath, haltFile string, auditLog *audit.Log, opts ...Option) (*Registry, error) {
	r := &Registry{
		thresholds: DefaultThresholds(),
		statePath:  statePath,
		haltFile:   haltFile,
		audit:      auditLog,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := storage.ReadJSON(statePath, &r.state); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load breaker state: %w", err)
		}
	}

	// The halt file on disk dominates whatever the state document says.
	if _, err := os.Stat(haltFile); err == nil {
		r.state.IsHalted = true
	}
	return r, nil
}

// RecordFailure increments the consecutive-failure counter for a component.
// It returns true when the threshold was reached. Router and bus thresholds
// additionally halt the hub.
func (r *Registry) RecordFailure(component Component, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.audit.Log(audit.EventBreakerFailure, string(component), map[string]any{
		"error": fmt.Sprint(cause),
	}, "")

	var count int
	var limit int
	switch component {
	case ComponentRouter:
		r.state.RouterFailures++
		count, limit = r.state.RouterFailures, r.thresholds.Router
	case ComponentBus:
		r.state.SQLiteFailures++
		count, limit = r.state.SQLiteFailures, r.thresholds.Bus
	case ComponentOllama:
		r.state.OllamaFailures++
		r.state.LastOllamaCheck = time.Now().UTC()
		count, limit = r.state.OllamaFailures, r.thresholds.Ollama
	default:
		r.logger.Warn("Failure recorded for unknown component", "component", component)
		return false
	}

	r.persistLocked()

	if count < limit {
		return false
	}

	metrics.BreakerTrips.WithLabelValues(string(component)).Inc()
	if component == ComponentOllama {
		// Degradation, not halt: the degradation manager handles it.
		return true
	}

	reason := fmt.Sprintf("%s failed %d consecutive times (limit %d): %v", component, count, limit, cause)
	r.haltLocked(reason)
	return true
}

// RecordSuccess resets the consecutive-failure counter for a component.
func (r *Registry) RecordSuccess(component Component) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch component {
	case ComponentRouter:
		r.state.RouterFailures = 0
	case ComponentBus:
		r.state.SQLiteFailures = 0
	case ComponentOllama:
		r.state.OllamaFailures = 0
		r.state.LastOllamaCheck = time.Now().UTC()
	}
	r.persistLocked()
}

// Halt forces a global halt with the given reason.
func (r *Registry) Halt(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haltLocked(reason)
}

// haltLocked writes the halt file and flips the halted flag. Caller holds mu.
func (r *Registry) haltLocked(reason string) {
	if r.state.IsHalted {
		return
	}
	r.state.IsHalted = true
	r.state.HaltReason = reason
	r.persistLocked()

	content := fmt.Sprintf(`# AGENT HUB HALTED

**Reason:** %s

**Time:** %s

## Counters

- router_failures: %d
- sqlite_failures: %d
- ollama_failures: %d

## Resolution

1. Investigate and fix the cause above.
2. Delete this file.
3. Run the reset command (or call Registry.Reset) to re-arm the breaker.

No state transitions will be performed while this file exists.
`, reason, time.Now().UTC().Format(time.RFC3339),
		r.state.RouterFailures, r.state.SQLiteFailures, r.state.OllamaFailures)

	if err := storage.WriteAtomic(r.haltFile, []byte(content), 0o644); err != nil {
		r.logger.Error("Failed to write halt file", "path", r.haltFile, "error", err)
	}

	r.audit.Log(audit.EventBreakerHalt, "breaker", map[string]any{"reason": reason}, "")
	r.logger.Error("HUB HALTED", "reason", reason)
}

// IsHalted reports whether the hub is halted. The halt file's existence
// dominates: a racing process that wrote the file halts this one too.
func (r *Registry) IsHalted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.IsHalted {
		return true
	}
	if _, err := os.Stat(r.haltFile); err == nil {
		r.state.IsHalted = true
		return true
	}
	return false
}

// HaltReason returns the recorded halt reason, if any.
func (r *Registry) HaltReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.HaltReason
}

// Reset re-arms the breaker: counters zeroed, halt file removed. This is the
// human recovery path after a halt.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = State{}
	r.persistLocked()

	if err := os.Remove(r.haltFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove halt file: %w", err)
	}
	r.audit.Log(audit.EventBreakerReset, "breaker", nil, "")
	r.logger.Info("Breaker reset")
	return nil
}

// Status returns a copy of the current state.
func (r *Registry) Status() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registry) persistLocked() {
	if err := storage.WriteJSONAtomic(r.statePath, &r.state); err != nil {
		r.logger.Warn("Failed to persist breaker state", "error", err)
	}
}

// styleKeywords classifies a judge issue as style-class for trigger 5.
var styleKeywords = []string{"style", "formatting", "indentation", "spacing", "naming", "whitespace"}

// isStyleIssue reports whether an issue string is style-class.
func isStyleIssue(issue string) bool {
	lower := strings.ToLower(issue)
	for _, kw := range styleKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
