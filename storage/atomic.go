// Package storage provides the durable primitives shared by the hub:
// atomic file replacement, a single-connection embedded SQL store, and an
// append-only NDJSON event log with rotation.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// dryRun suppresses all writes process-wide when set. Writes are logged at
// debug level and discarded.
var dryRun atomic.Bool

// SetDryRun toggles dry-run mode for the whole process.
func SetDryRun(enabled bool) {
	dryRun.Store(enabled)
}

// DryRun reports whether dry-run mode is active.
func DryRun() bool {
	return dryRun.Load()
}

// tmpSuffix marks an in-flight atomic write.
const tmpSuffix = ".tmp"

// readBackoff bounds how long a reader waits for an in-flight write to land.
const readBackoff = 600 * time.Millisecond

// WriteAtomic writes data to path via tmp-then-rename. The temp file is
// fsynced before the rename so a crash never leaves a torn target.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	if DryRun() {
		slog.Debug("dry-run: skipping write", "path", path, "bytes", len(data))
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteAtomic(path, data, 0o644)
}

// ReadWithBackoff reads path, briefly retrying while a sibling .tmp file
// indicates an atomic replace is mid-flight. Readers tolerate a short window
// of absence during the rename.
func ReadWithBackoff(path string) ([]byte, error) {
	deadline := time.Now().Add(readBackoff)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}

		// Only wait if a write appears to be in progress.
		if _, statErr := os.Stat(path + tmpSuffix); statErr != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// ReadJSON reads path with backoff and unmarshals into v.
func ReadJSON(path string, v any) error {
	data, err := ReadWithBackoff(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
