package breaker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/unified-agent-system/agenthub/audit"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	log := audit.New(filepath.Join(dir, "audit.ndjson"))
	r, err := NewRegistry(
		filepath.Join(dir, "circuit_breaker_state.json"),
		filepath.Join(dir, "ERIK_HALT.md"),
		log,
		WithThresholds(Thresholds{Router: 3, Bus: 2, Ollama: 2}),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, dir
}

func TestRouterThresholdHalts(t *testing.T) {
	r, dir := newTestRegistry(t)
	cause := errors.New("all chain entries exhausted")

	if r.RecordFailure(ComponentRouter, cause) {
		t.Fatal("first failure must not trip")
	}
	if r.RecordFailure(ComponentRouter, cause) {
		t.Fatal("second failure must not trip")
	}
	if !r.RecordFailure(ComponentRouter, cause) {
		t.Fatal("third failure must trip")
	}

	if !r.IsHalted() {
		t.Error("registry should be halted")
	}
	data, err := os.ReadFile(filepath.Join(dir, "ERIK_HALT.md"))
	if err != nil {
		t.Fatalf("halt file: %v", err)
	}
	if len(data) == 0 {
		t.Error("halt file should describe the failure")
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	r, _ := newTestRegistry(t)
	cause := errors.New("boom")

	r.RecordFailure(ComponentRouter, cause)
	r.RecordFailure(ComponentRouter, cause)
	r.RecordSuccess(ComponentRouter)

	// The streak is broken, so two more failures stay under the limit of 3.
	if r.RecordFailure(ComponentRouter, cause) || r.RecordFailure(ComponentRouter, cause) {
		t.Error("counter was not reset by success")
	}
	if r.IsHalted() {
		t.Error("registry must not be halted")
	}
}

func TestOllamaThresholdDegradesWithoutHalt(t *testing.T) {
	r, _ := newTestRegistry(t)
	cause := errors.New("connection refused")

	r.RecordFailure(ComponentOllama, cause)
	if !r.RecordFailure(ComponentOllama, cause) {
		t.Fatal("second failure should reach the ollama threshold")
	}
	if r.IsHalted() {
		t.Error("ollama threshold must degrade, not halt")
	}
}

func TestHaltFileOnDiskDominates(t *testing.T) {
	r, dir := newTestRegistry(t)

	// Another process wrote the halt file.
	halt := filepath.Join(dir, "ERIK_HALT.md")
	if err := os.WriteFile(halt, []byte("# halted elsewhere"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !r.IsHalted() {
		t.Error("halt file existence must halt this process too")
	}
}

func TestResetClearsStateAndFile(t *testing.T) {
	r, dir := newTestRegistry(t)
	r.Halt("manual stop for maintenance")

	if err := r.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if r.IsHalted() {
		t.Error("reset registry must not be halted")
	}
	if _, err := os.Stat(filepath.Join(dir, "ERIK_HALT.md")); !os.IsNotExist(err) {
		t.Error("halt file should be removed by reset")
	}
	if s := r.Status(); s.RouterFailures != 0 || s.SQLiteFailures != 0 || s.OllamaFailures != 0 {
		t.Errorf("counters should be zeroed: %+v", s)
	}
}

func TestStatePersistsAcrossRegistries(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "circuit_breaker_state.json")
	haltPath := filepath.Join(dir, "ERIK_HALT.md")
	log := audit.New(filepath.Join(dir, "audit.ndjson"))

	r1, err := NewRegistry(statePath, haltPath, log)
	if err != nil {
		t.Fatal(err)
	}
	r1.RecordFailure(ComponentBus, errors.New("database is locked"))
	r1.RecordFailure(ComponentBus, errors.New("database is locked"))

	r2, err := NewRegistry(statePath, haltPath, log)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Status().SQLiteFailures != 2 {
		t.Errorf("expected 2 persisted bus failures, got %d", r2.Status().SQLiteFailures)
	}
}
