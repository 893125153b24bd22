package degrade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/breaker"
)

// scriptedProbe fails while fail is true.
type scriptedProbe struct {
	fail  bool
	calls int
}

func (p *scriptedProbe) probe(ctx context.Context) error {
	p.calls++
	if p.fail {
		return errors.New("connection refused")
	}
	return nil
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *scriptedProbe, string) {
	t.Helper()
	dir := t.TempDir()
	log := audit.New(filepath.Join(dir, "audit.ndjson"))
	reg, err := breaker.NewRegistry(
		filepath.Join(dir, "breaker.json"),
		filepath.Join(dir, "ERIK_HALT.md"),
		log,
	)
	if err != nil {
		t.Fatal(err)
	}

	probe := &scriptedProbe{}
	all := append([]Option{WithProbe(probe.probe)}, opts...)
	m := NewManager("http://localhost:11434", dir, "claude-3-5-haiku", reg, log, all...)
	return m, probe, dir
}

func TestTwoStrikesEnterLowPower(t *testing.T) {
	m, probe, dir := newTestManager(t)
	ctx := context.Background()
	probe.fail = true

	if m.Healthy(ctx) {
		t.Fatal("failing probe reported healthy")
	}
	if m.LowPower() {
		t.Fatal("one failure must not degrade")
	}

	m.Healthy(ctx)
	if !m.LowPower() {
		t.Fatal("two failures must degrade")
	}
	if _, err := os.Stat(filepath.Join(dir, NotificationFileName)); err != nil {
		t.Errorf("notification file missing: %v", err)
	}
}

func TestRecoveryExitsLowPower(t *testing.T) {
	m, probe, dir := newTestManager(t)
	ctx := context.Background()

	probe.fail = true
	m.Healthy(ctx)
	m.Healthy(ctx)
	if !m.LowPower() {
		t.Fatal("expected low-power mode")
	}

	probe.fail = false
	if !m.Healthy(ctx) {
		t.Fatal("recovered probe reported unhealthy")
	}
	if m.LowPower() {
		t.Error("recovery must exit low-power mode")
	}
	if _, err := os.Stat(filepath.Join(dir, NotificationFileName)); !os.IsNotExist(err) {
		t.Error("notification file should be removed on recovery")
	}
}

func TestHealthyResultIsCached(t *testing.T) {
	now := time.Now()
	m, probe, _ := newTestManager(t,
		WithCacheTTL(30*time.Second),
		withClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	m.Healthy(ctx)
	m.Healthy(ctx)
	m.Healthy(ctx)
	if probe.calls != 1 {
		t.Errorf("expected 1 probe within the cache window, got %d", probe.calls)
	}

	now = now.Add(31 * time.Second)
	m.Healthy(ctx)
	if probe.calls != 2 {
		t.Errorf("expected a fresh probe after the TTL, got %d", probe.calls)
	}
}

func TestUnhealthyResultIsNotCached(t *testing.T) {
	m, probe, _ := newTestManager(t)
	ctx := context.Background()

	probe.fail = true
	m.Healthy(ctx)
	m.Healthy(ctx)
	if probe.calls != 2 {
		t.Errorf("failing endpoint must be re-probed every call, got %d probes", probe.calls)
	}
}

func TestBestAvailableModelRewrite(t *testing.T) {
	m, probe, _ := newTestManager(t)
	ctx := context.Background()

	if got := m.BestAvailableModel("qwen2.5-coder", true); got != "qwen2.5-coder" {
		t.Errorf("healthy mode must not rewrite, got %s", got)
	}

	probe.fail = true
	m.Healthy(ctx)
	m.Healthy(ctx)

	if got := m.BestAvailableModel("qwen2.5-coder", true); got != "claude-3-5-haiku" {
		t.Errorf("expected cloud fallback, got %s", got)
	}
	// Cloud preferences pass through untouched.
	if got := m.BestAvailableModel("claude-sonnet-4", false); got != "claude-sonnet-4" {
		t.Errorf("cloud preference rewritten to %s", got)
	}
}

func TestLeftoverNotificationFileKeepsDegraded(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, NotificationFileName), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	log := audit.New(filepath.Join(dir, "audit.ndjson"))
	reg, err := breaker.NewRegistry(filepath.Join(dir, "breaker.json"), filepath.Join(dir, "halt.md"), log)
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager("http://localhost:11434", dir, "claude-3-5-haiku", reg, log,
		WithProbe(func(ctx context.Context) error { return nil }))
	if !m.LowPower() {
		t.Error("leftover notification file must keep the manager degraded")
	}

	// First healthy probe clears it.
	if !m.Healthy(context.Background()) {
		t.Fatal("probe should pass")
	}
	if m.LowPower() {
		t.Error("healthy probe should clear degraded state")
	}
}
