// Package bus provides the typed message store that carries hub envelopes,
// worker questions, and agent heartbeats. Two backends implement the same
// capability: a SQLite-backed store and a file-backed store. Callers never
// inspect which one they hold.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Bus is the message-store capability shared by every hub component.
//
// Receive semantics are exactly-once: a message returned by Receive has had
// its read flag flipped in the same transaction and is never delivered again.
type Bus interface {
	// Send validates the message type, stores one envelope, and returns its id.
	Send(ctx context.Context, from, to string, t MessageType, payload any) (string, error)

	// Receive atomically selects unread messages addressed to a recipient,
	// marks them read, and returns them in timestamp order. A zero since
	// means no lower bound.
	Receive(ctx context.Context, to string, since time.Time) ([]Envelope, error)

	// AskParent inserts a PENDING worker question and returns its message id.
	AskParent(ctx context.Context, runID, subagentID, question string) (string, error)

	// ReplyToWorker moves a question PENDING -> ANSWERED. Returns false when
	// no matching PENDING row exists (a lost race is acceptable).
	ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error)

	// CheckAnswer returns the answer if the question is ANSWERED, moving it
	// to RETRIEVED. The second return is false while no answer is available.
	CheckAnswer(ctx context.Context, messageID string) (string, bool, error)

	// PendingQuestions lists PENDING questions ordered by creation time,
	// optionally filtered by run id.
	PendingQuestions(ctx context.Context, runID string) ([]Question, error)

	// RecordHeartbeat upserts an agent heartbeat.
	RecordHeartbeat(ctx context.Context, agentID, progress string) error

	// Heartbeats returns all recorded heartbeats.
	Heartbeats(ctx context.Context) ([]Heartbeat, error)

	// ExpireOldQuestions bulk-moves PENDING questions older than maxAge to
	// EXPIRED and reports how many were expired.
	ExpireOldQuestions(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases backend resources.
	Close() error
}

// ErrUnknownType rejects envelopes whose type is outside the finite set.
var ErrUnknownType = errors.New("unknown message type")

// Error wraps a backend failure so the circuit breaker can count it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err is a bus backend failure.
func IsBackendError(err error) bool {
	var be *Error
	return errors.As(err, &be)
}

func backendErr(op string, err error) error {
	return &Error{Op: op, Err: err}
}
