package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// DefaultMaxLogSize is the rotation threshold for event logs.
const DefaultMaxLogSize = 5 * 1024 * 1024 // 5 MiB

// EventLog is an append-only, line-delimited JSON log with size-based
// rotation. One rotated generation (<path>.1) is kept.
type EventLog struct {
	mu      sync.Mutex
	path    string
	maxSize int64
}

// NewEventLog creates an event log writing to path.
func NewEventLog(path string) *EventLog {
	return &EventLog{path: path, maxSize: DefaultMaxLogSize}
}

// SetMaxSize overrides the rotation threshold. Zero restores the default.
func (l *EventLog) SetMaxSize(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxLogSize
	}
	l.maxSize = n
}

// Append marshals v and appends it as one line. The write is atomic at the
// line level: a single buffered write followed by sync.
func (l *EventLog) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if DryRun() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return f.Sync()
}

// rotateLocked moves the log aside when it exceeds maxSize. Caller holds mu.
func (l *EventLog) rotateLocked() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat event log: %w", err)
	}
	if info.Size() < l.maxSize {
		return nil
	}

	rotated := l.path + ".1"
	os.Remove(rotated)
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}
	return nil
}

// ReadAll decodes every line of the current log into raw JSON messages.
// Lines that fail to parse are skipped; a partially written trailing line
// must not poison the whole log.
func (l *EventLog) ReadAll() ([]json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan event log: %w", err)
	}
	return out, nil
}

// Path returns the log file path.
func (l *EventLog) Path() string {
	return l.path
}
