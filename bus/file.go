package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/unified-agent-system/agenthub/metrics"
	"github.com/unified-agent-system/agenthub/storage"
)

// FileBus is the file-backed message store: one JSON document per record
// under messages/, questions/, and heartbeats/. It serves deployments where
// sqlite is unavailable; a process-wide mutex provides the same exactly-once
// receive semantics within one process.
type FileBus struct {
	mu   fileMutex
	root string
}

// fileMutex is a named alias so the zero value documents intent.
type fileMutex struct{ ch chan struct{} }

func newFileMutex() fileMutex {
	m := fileMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

func (m *fileMutex) lock(ctx context.Context) error {
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *fileMutex) unlock() {
	m.ch <- struct{}{}
}

// NewFileBus creates a file-backed bus rooted at dir.
func NewFileBus(dir string) (*FileBus, error) {
	for _, sub := range []string{"messages", "questions", "heartbeats"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, backendErr("init", err)
		}
	}
	return &FileBus{mu: newFileMutex(), root: dir}, nil
}

// Close is a no-op for the file backend.
func (b *FileBus) Close() error {
	return nil
}

func (b *FileBus) messagePath(id string) string {
	return filepath.Join(b.root, "messages", id+".json")
}

func (b *FileBus) questionPath(id string) string {
	return filepath.Join(b.root, "questions", id+".json")
}

func (b *FileBus) heartbeatPath(agentID string) string {
	return filepath.Join(b.root, "heartbeats", agentID+".json")
}

// Send stores one envelope and returns its assigned id.
func (b *FileBus) Send(ctx context.Context, from, to string, t MessageType, payload any) (string, error) {
	if !ValidType(t) {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	env := Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      t,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}

	if err := b.mu.lock(ctx); err != nil {
		return "", err
	}
	defer b.mu.unlock()

	if err := storage.WriteJSONAtomic(b.messagePath(env.ID), &env); err != nil {
		return "", backendErr("send", err)
	}

	metrics.MessagesSent.WithLabelValues(string(t)).Inc()
	return env.ID, nil
}

// Receive scans unread messages for a recipient, flips their read flags,
// and returns them in timestamp order.
func (b *FileBus) Receive(ctx context.Context, to string, since time.Time) ([]Envelope, error) {
	if err := b.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer b.mu.unlock()

	entries, err := os.ReadDir(filepath.Join(b.root, "messages"))
	if err != nil {
		return nil, backendErr("receive scan", err)
	}

	var matched []Envelope
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var env Envelope
		if err := storage.ReadJSON(filepath.Join(b.root, "messages", entry.Name()), &env); err != nil {
			continue
		}
		if env.To != to || env.Read {
			continue
		}
		if !since.IsZero() && env.Timestamp.Before(since) {
			continue
		}
		matched = append(matched, env)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	for i := range matched {
		matched[i].Read = true
		if err := storage.WriteJSONAtomic(b.messagePath(matched[i].ID), &matched[i]); err != nil {
			return nil, backendErr("receive mark", err)
		}
		metrics.MessagesReceived.WithLabelValues(string(matched[i].Type)).Inc()
	}
	return matched, nil
}

// AskParent inserts a PENDING worker question.
func (b *FileBus) AskParent(ctx context.Context, runID, subagentID, question string) (string, error) {
	now := time.Now().UTC()
	q := Question{
		MessageID:  uuid.New().String(),
		RunID:      runID,
		SubagentID: subagentID,
		Question:   question,
		Status:     QuestionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := b.mu.lock(ctx); err != nil {
		return "", err
	}
	defer b.mu.unlock()

	if err := storage.WriteJSONAtomic(b.questionPath(q.MessageID), &q); err != nil {
		return "", backendErr("ask_parent", err)
	}
	return q.MessageID, nil
}

// ReplyToWorker moves a PENDING question to ANSWERED.
func (b *FileBus) ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error) {
	if err := b.mu.lock(ctx); err != nil {
		return false, err
	}
	defer b.mu.unlock()

	var q Question
	if err := storage.ReadJSON(b.questionPath(messageID), &q); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, backendErr("reply", err)
	}
	if q.Status != QuestionPending {
		return false, nil
	}

	q.Answer = answer
	q.Status = QuestionAnswered
	q.UpdatedAt = time.Now().UTC()
	if err := storage.WriteJSONAtomic(b.questionPath(messageID), &q); err != nil {
		return false, backendErr("reply write", err)
	}
	return true, nil
}

// CheckAnswer returns the answer once, moving ANSWERED to RETRIEVED.
func (b *FileBus) CheckAnswer(ctx context.Context, messageID string) (string, bool, error) {
	if err := b.mu.lock(ctx); err != nil {
		return "", false, err
	}
	defer b.mu.unlock()

	var q Question
	if err := storage.ReadJSON(b.questionPath(messageID), &q); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, backendErr("check_answer", err)
	}
	if q.Status != QuestionAnswered {
		return "", false, nil
	}

	q.Status = QuestionRetrieved
	q.UpdatedAt = time.Now().UTC()
	if err := storage.WriteJSONAtomic(b.questionPath(messageID), &q); err != nil {
		return "", false, backendErr("check_answer write", err)
	}
	return q.Answer, true, nil
}

// PendingQuestions lists PENDING questions, oldest first.
func (b *FileBus) PendingQuestions(ctx context.Context, runID string) ([]Question, error) {
	if err := b.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer b.mu.unlock()

	questions, err := b.loadQuestionsLocked()
	if err != nil {
		return nil, err
	}

	var pending []Question
	for _, q := range questions {
		if q.Status != QuestionPending {
			continue
		}
		if runID != "" && q.RunID != runID {
			continue
		}
		pending = append(pending, q)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (b *FileBus) loadQuestionsLocked() ([]Question, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "questions"))
	if err != nil {
		return nil, backendErr("questions scan", err)
	}

	var questions []Question
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var q Question
		if err := storage.ReadJSON(filepath.Join(b.root, "questions", entry.Name()), &q); err != nil {
			continue
		}
		questions = append(questions, q)
	}
	return questions, nil
}

// RecordHeartbeat upserts the heartbeat file for an agent.
func (b *FileBus) RecordHeartbeat(ctx context.Context, agentID, progress string) error {
	if err := b.mu.lock(ctx); err != nil {
		return err
	}
	defer b.mu.unlock()

	hb := Heartbeat{AgentID: agentID, LastSeen: time.Now().UTC(), Progress: progress}
	if err := storage.WriteJSONAtomic(b.heartbeatPath(agentID), &hb); err != nil {
		return backendErr("heartbeat", err)
	}
	return nil
}

// Heartbeats returns every recorded heartbeat.
func (b *FileBus) Heartbeats(ctx context.Context) ([]Heartbeat, error) {
	if err := b.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer b.mu.unlock()

	entries, err := os.ReadDir(filepath.Join(b.root, "heartbeats"))
	if err != nil {
		return nil, backendErr("heartbeats scan", err)
	}

	var beats []Heartbeat
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var hb Heartbeat
		if err := storage.ReadJSON(filepath.Join(b.root, "heartbeats", entry.Name()), &hb); err != nil {
			continue
		}
		beats = append(beats, hb)
	}
	sort.Slice(beats, func(i, j int) bool { return beats[i].AgentID < beats[j].AgentID })
	return beats, nil
}

// ExpireOldQuestions bulk-moves stale PENDING questions to EXPIRED.
func (b *FileBus) ExpireOldQuestions(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := b.mu.lock(ctx); err != nil {
		return 0, err
	}
	defer b.mu.unlock()

	questions, err := b.loadQuestionsLocked()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	expired := 0
	for _, q := range questions {
		if q.Status != QuestionPending || !q.CreatedAt.Before(cutoff) {
			continue
		}
		q.Status = QuestionExpired
		q.UpdatedAt = time.Now().UTC()
		if err := storage.WriteJSONAtomic(b.questionPath(q.MessageID), &q); err != nil {
			return expired, backendErr("expire write", err)
		}
		expired++
	}
	return expired, nil
}
