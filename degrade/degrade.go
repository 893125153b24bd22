// Package degrade watches the local inference endpoint and flips the hub into
// Low-Power Mode when it goes away: local-tier model requests are rewritten to
// a cloud fallback until the endpoint recovers.
package degrade

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/breaker"
	"github.com/unified-agent-system/agenthub/metrics"
	"github.com/unified-agent-system/agenthub/storage"
)

// NotificationFileName is created while Low-Power Mode is active.
const NotificationFileName = "LOW_POWER_MODE.txt"

// probeFunc checks the endpoint once. Nil error means healthy.
type probeFunc func(ctx context.Context) error

// Manager probes the local endpoint, caches the result while healthy, and
// tracks the two-strike entry into Low-Power Mode.
type Manager struct {
	mu            sync.Mutex
	probe         probeFunc
	cacheTTL      time.Duration
	lastProbe     time.Time
	lastHealthy   bool
	failStreak    int
	lowPower      bool
	notifyPath    string
	fallbackModel string
	registry      *breaker.Registry
	audit         *audit.Log
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithProbe replaces the HTTP probe, for tests.
func WithProbe(p probeFunc) Option {
	return func(m *Manager) {
		m.probe = p
	}
}

// WithCacheTTL overrides the healthy-result cache window.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.cacheTTL = ttl
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a degradation manager probing baseURL. notifyDir is the
// data directory that receives the Low-Power notification file, and
// fallbackModel is the cloud model local-tier requests are rewritten to.
func NewManager(baseURL, notifyDir, fallbackModel string, registry *breaker.Registry, auditLog *audit.Log, opts ...Option) *Manager {
	m := &Manager{
		cacheTTL:      30 * time.Second,
		notifyPath:    notifyDir + string(os.PathSeparator) + NotificationFileName,
		fallbackModel: fallbackModel,
		registry:      registry,
		audit:         auditLog,
		logger:        slog.Default(),
		now:           time.Now,
	}
	m.probe = httpProbe(baseURL)
	for _, opt := range opts {
		opt(m)
	}

	// A notification file left over from a previous run keeps us degraded
	// until a probe proves recovery.
	if _, err := os.Stat(m.notifyPath); err == nil {
		m.lowPower = true
		m.failStreak = 2
		metrics.DegradedMode.Set(1)
	}
	return m
}

// httpProbe issues a cheap GET against the endpoint's model listing.
func httpProbe(baseURL string) probeFunc {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("endpoint returned %s", resp.Status)
		}
		return nil
	}
}

// Healthy reports whether the local endpoint is usable. A healthy result is
// cached for the TTL; an unhealthy one forces a fresh probe on the next call.
func (m *Manager) Healthy(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.lastHealthy && now.Sub(m.lastProbe) < m.cacheTTL {
		return true
	}

	err := m.probe(ctx)
	m.lastProbe = now
	m.lastHealthy = err == nil

	if err != nil {
		m.failStreak++
		m.registry.RecordFailure(breaker.ComponentOllama, err)
		if m.failStreak >= 2 && !m.lowPower {
			m.enterLowPowerLocked(err)
		}
		return false
	}

	m.failStreak = 0
	m.registry.RecordSuccess(breaker.ComponentOllama)
	if m.lowPower {
		m.exitLowPowerLocked()
	}
	return true
}

func (m *Manager) enterLowPowerLocked(cause error) {
	m.lowPower = true
	metrics.DegradedMode.Set(1)

	content := fmt.Sprintf(`LOW-POWER MODE ACTIVE

The local inference endpoint is unreachable: %v
Local-tier model requests are being served by %s.

This file is removed automatically when the endpoint recovers.
Entered: %s
`, cause, m.fallbackModel, m.now().UTC().Format(time.RFC3339))

	if err := storage.WriteAtomic(m.notifyPath, []byte(content), 0o644); err != nil {
		m.logger.Warn("Failed to write low-power notification", "error", err)
	}
	m.audit.Log(audit.EventDegradationEnter, "degrade", map[string]any{
		"cause":    fmt.Sprint(cause),
		"fallback": m.fallbackModel,
	}, "")
	m.logger.Warn("Entering Low-Power Mode", "cause", cause, "fallback", m.fallbackModel)
}

func (m *Manager) exitLowPowerLocked() {
	m.lowPower = false
	metrics.DegradedMode.Set(0)

	if err := os.Remove(m.notifyPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove low-power notification", "error", err)
	}
	m.audit.Log(audit.EventDegradationExit, "degrade", nil, "")
	m.logger.Info("Recovered from Low-Power Mode")
}

// LowPower reports whether Low-Power Mode is active.
func (m *Manager) LowPower() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowPower
}

// BestAvailableModel returns the model to actually use for a request.
// Local-tier preferences are rewritten to the cloud fallback while degraded.
func (m *Manager) BestAvailableModel(preferred string, preferredIsLocal bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lowPower && preferredIsLocal {
		return m.fallbackModel
	}
	return preferred
}
