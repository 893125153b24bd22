// Package budget enforces per-session and per-day cloud spending limits.
// State is a single JSON document persisted via atomic replace; daily totals
// reset automatically when the calendar date changes.
package budget

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unified-agent-system/agenthub/storage"
)

// Escape records a call that fell from a local model to a cloud model.
type Escape struct {
	Model     string    `json:"model"`
	TaskType  string    `json:"task_type,omitempty"`
	CostUSD   float64   `json:"cost_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the persisted budget document.
type State struct {
	SessionID         string    `json:"session_id"`
	SessionStart      time.Time `json:"session_start"`
	SessionCloudCost  float64   `json:"session_cloud_cost"`
	DailyCloudCost    float64   `json:"daily_cloud_cost"`
	SessionLocalCalls int       `json:"session_local_calls"`
	SessionLocalToks  int       `json:"session_local_tokens"`
	SessionLimit      float64   `json:"session_limit"`
	DailyLimit        float64   `json:"daily_limit"`
	CurrentDate       string    `json:"current_date"`
	CloudEscapes      []Escape  `json:"cloud_escapes"`
	OverrideActive    bool      `json:"override_active"`
	OverrideReason    string    `json:"override_reason,omitempty"`
	OverrideExpires   time.Time `json:"override_expires,omitempty"`
}

// Manager is the budget accountant.
type Manager struct {
	mu           sync.RWMutex
	state        State
	pricing      map[string]Pricing
	statePath    string
	disableCheck bool
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPricing overlays entries onto the default pricing table.
func WithPricing(table map[string]Pricing) Option {
	return func(m *Manager) {
		for k, v := range table {
			m.pricing[k] = v
		}
	}
}

// WithDisabledCheck bypasses all pre-flight checks (UAS_DISABLE_BUDGET_CHECK).
func WithDisabledCheck(disabled bool) Option {
	return func(m *Manager) {
		m.disableCheck = disabled
	}
}

// withClock injects a clock for tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager loads (or initializes) budget state at statePath with the given
// session and daily limits.
func NewManager(statePath string, sessionLimit, dailyLimit float64, opts ...Option) (*Manager, error) {
	m := &Manager{
		pricing:   DefaultPricingTable(),
		statePath: statePath,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := storage.ReadJSON(statePath, &m.state); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load budget state: %w", err)
		}
		m.state = State{}
	}

	now := m.now()
	if m.state.SessionID == "" {
		m.state.SessionID = "budget-" + uuid.New().String()[:8]
		m.state.SessionStart = now
	}
	m.state.SessionLimit = sessionLimit
	m.state.DailyLimit = dailyLimit
	m.rollDateLocked(now)

	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// rollDateLocked resets daily totals when the calendar date changed.
// Caller holds mu (or is single-threaded during construction).
func (m *Manager) rollDateLocked(now time.Time) {
	today := now.UTC().Format("2006-01-02")
	if m.state.CurrentDate != today {
		if m.state.CurrentDate != "" {
			m.logger.Info("Daily budget reset",
				"previous_date", m.state.CurrentDate,
				"previous_total", m.state.DailyCloudCost)
		}
		m.state.CurrentDate = today
		m.state.DailyCloudCost = 0
	}
}

func (m *Manager) persistLocked() error {
	return storage.WriteJSONAtomic(m.statePath, &m.state)
}

// EstimateCost returns the dollar cost of a call. Local-tier models cost 0.
func (m *Manager) EstimateCost(model string, tokensIn, tokensOut int) float64 {
	p := m.Lookup(model)
	if p.Tier == TierLocal {
		return 0
	}
	return float64(tokensIn)/1e6*p.InputUSDPerMillion +
		float64(tokensOut)/1e6*p.OutputUSDPerMillion
}

// CanAfford runs the pre-flight check for a prospective call. The returned
// reason explains a refusal.
func (m *Manager) CanAfford(model string, estIn, estOut int) (bool, string) {
	if m.disableCheck {
		return true, "budget checks disabled"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollDateLocked(now)
	m.expireOverrideLocked(now)

	if m.state.OverrideActive {
		return true, fmt.Sprintf("override active: %s", m.state.OverrideReason)
	}

	p := m.lookupLocked(model)
	if p.Tier == TierLocal {
		return true, "local model"
	}

	est := float64(estIn)/1e6*p.InputUSDPerMillion + float64(estOut)/1e6*p.OutputUSDPerMillion
	if m.state.SessionCloudCost+est > m.state.SessionLimit {
		return false, fmt.Sprintf("Session limit exceeded: $%.4f spent + $%.4f estimated > $%.2f limit",
			m.state.SessionCloudCost, est, m.state.SessionLimit)
	}
	if m.state.DailyCloudCost+est > m.state.DailyLimit {
		return false, fmt.Sprintf("Daily limit exceeded: $%.4f spent + $%.4f estimated > $%.2f limit",
			m.state.DailyCloudCost, est, m.state.DailyLimit)
	}
	return true, "within budget"
}

// RecordCost accounts for a completed call. Cloud costs add to both the
// session and daily totals; fallback calls additionally append an escape
// record for cost reporting.
func (m *Manager) RecordCost(model string, tokensIn, tokensOut int, taskType string, wasFallback bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollDateLocked(now)

	p := m.lookupLocked(model)
	if p.Tier == TierLocal {
		m.state.SessionLocalCalls++
		m.state.SessionLocalToks += tokensIn + tokensOut
		return m.persistLocked()
	}

	cost := float64(tokensIn)/1e6*p.InputUSDPerMillion + float64(tokensOut)/1e6*p.OutputUSDPerMillion
	m.state.SessionCloudCost += cost
	m.state.DailyCloudCost += cost
	if wasFallback {
		m.state.CloudEscapes = append(m.state.CloudEscapes, Escape{
			Model:     model,
			TaskType:  taskType,
			CostUSD:   cost,
			Timestamp: now.UTC(),
		})
	}
	return m.persistLocked()
}

// RequestOverride opens an override window. While active, every pre-flight
// check passes.
func (m *Manager) RequestOverride(reason string, duration time.Duration) error {
	if reason == "" {
		return fmt.Errorf("override reason is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.OverrideActive = true
	m.state.OverrideReason = reason
	m.state.OverrideExpires = m.now().Add(duration)
	m.logger.Warn("Budget override activated", "reason", reason, "expires", m.state.OverrideExpires)
	return m.persistLocked()
}

// ClearOverride ends an override window immediately.
func (m *Manager) ClearOverride() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.OverrideActive = false
	m.state.OverrideReason = ""
	m.state.OverrideExpires = time.Time{}
	return m.persistLocked()
}

// IsOverrideActive reports whether an unexpired override is in effect.
func (m *Manager) IsOverrideActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireOverrideLocked(m.now())
	return m.state.OverrideActive
}

func (m *Manager) expireOverrideLocked(now time.Time) {
	if m.state.OverrideActive && now.After(m.state.OverrideExpires) {
		m.state.OverrideActive = false
		m.state.OverrideReason = ""
		m.logger.Info("Budget override expired")
	}
}

// ResetSession zeroes the session counters and mints a new session id.
func (m *Manager) ResetSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.SessionID = "budget-" + uuid.New().String()[:8]
	m.state.SessionStart = m.now()
	m.state.SessionCloudCost = 0
	m.state.SessionLocalCalls = 0
	m.state.SessionLocalToks = 0
	m.state.CloudEscapes = nil
	return m.persistLocked()
}

// Status returns a copy of the current state.
func (m *Manager) Status() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := m.state
	st.CloudEscapes = append([]Escape(nil), m.state.CloudEscapes...)
	return st
}

// CloudEscapes returns the recorded local-to-cloud escapes.
func (m *Manager) CloudEscapes() []Escape {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]Escape(nil), m.state.CloudEscapes...)
}
