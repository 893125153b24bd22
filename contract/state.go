package contract

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names a state machine input. Values are stable wire identifiers.
type Event string

const (
	EventLockAcquired          Event = "lock_acquired"
	EventCodeWritten           Event = "code_written"
	EventTimeout               Event = "timeout"
	EventRetry                 Event = "retry"
	EventEscalate              Event = "escalate"
	EventLocalPass             Event = "local_pass"
	EventCriticalFlaw          Event = "critical_flaw"
	EventReviewStarted         Event = "review_started"
	EventJudgeComplete         Event = "judge_complete"
	EventPass                  Event = "pass"
	EventFailAgree             Event = "fail_agree"
	EventFailDisagree          Event = "fail_disagree"
	EventConditional           Event = "conditional"
	EventRebuttalAccepted      Event = "rebuttal_accepted"
	EventRebuttalLimitExceeded Event = "rebuttal_limit_exceeded"
	EventCircuitBreakerHalt    Event = "circuit_breaker_halt"
)

// ErrInvalidTransition reports an event not permitted from the current
// status. This is a programming error at the call site, not a recoverable
// condition.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrBreakerTripped blocks every transition except the halt transition while
// the task breaker is tripped.
var ErrBreakerTripped = errors.New("task breaker tripped")

// transitionKey indexes the transition table.
type transitionKey struct {
	from  Status
	event Event
}

// transitions is the valid transition table. It is the only way status
// changes; EventCircuitBreakerHalt is additionally valid from every state.
var transitions = map[transitionKey]Status{
	{StatusPendingImplementer, EventLockAcquired}:       StatusImplementationInProg,
	{StatusImplementationInProg, EventCodeWritten}:      StatusPendingLocalReview,
	{StatusImplementationInProg, EventTimeout}:          StatusTimeoutImplementer,
	{StatusTimeoutImplementer, EventRetry}:              StatusPendingImplementer,
	{StatusTimeoutImplementer, EventEscalate}:           StatusErikConsultation,
	{StatusPendingLocalReview, EventLocalPass}:          StatusPendingJudgeReview,
	{StatusPendingLocalReview, EventCriticalFlaw}:       StatusErikConsultation,
	{StatusPendingJudgeReview, EventReviewStarted}:      StatusJudgeReviewInProgress,
	{StatusJudgeReviewInProgress, EventJudgeComplete}:   StatusReviewComplete,
	{StatusJudgeReviewInProgress, EventTimeout}:         StatusTimeoutJudge,
	{StatusTimeoutJudge, EventEscalate}:                 StatusErikConsultation,
	{StatusReviewComplete, EventPass}:                   StatusMerged,
	{StatusReviewComplete, EventFailAgree}:              StatusPendingImplementer,
	{StatusReviewComplete, EventFailDisagree}:           StatusPendingRebuttal,
	{StatusReviewComplete, EventConditional}:            StatusPendingImplementer,
	{StatusPendingRebuttal, EventRebuttalAccepted}:      StatusPendingJudgeReview,
	{StatusPendingRebuttal, EventRebuttalLimitExceeded}: StatusErikConsultation,
}

// NextStatus resolves the target state for (from, event) without mutating
// anything. The halt event is valid from any state.
func NextStatus(from Status, event Event) (Status, error) {
	if event == EventCircuitBreakerHalt {
		return StatusErikConsultation, nil
	}
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, from, event)
}

// Apply performs a transition on the contract: resolves the table, enforces
// the tripped-breaker rule and the retry guard, updates status, reason,
// transition id and the monotonic updated_at, and appends a history entry.
func (c *Contract) Apply(event Event, reason string) error {
	if c.Breaker.Status == BreakerTripped && event != EventCircuitBreakerHalt {
		return fmt.Errorf("%w: only the halt transition is permitted", ErrBreakerTripped)
	}

	to, err := NextStatus(c.Status, event)
	if err != nil {
		return err
	}

	// Stall retry is bounded: one automatic retry per task.
	if event == EventRetry {
		if c.Attempt >= 2 {
			return fmt.Errorf("%w: retry exhausted (attempt %d)", ErrInvalidTransition, c.Attempt)
		}
		c.Attempt++
	}

	c.Status = to
	c.StatusReason = reason
	c.LastTransitionID = uuid.New().String()
	c.touch()
	c.History = append(c.History, HistoryEntry{
		Event:     string(event),
		Reason:    reason,
		Timestamp: c.Timestamps.UpdatedAt,
	})
	return nil
}

// touch advances updated_at monotonically. Wall-clock regressions (NTP
// steps) must never move the contract backwards in time.
func (c *Contract) touch() {
	now := time.Now().UTC()
	if now.After(c.Timestamps.UpdatedAt) {
		c.Timestamps.UpdatedAt = now
	} else {
		c.Timestamps.UpdatedAt = c.Timestamps.UpdatedAt.Add(time.Nanosecond)
	}
}

// ErrLockContention reports that another actor holds an unexpired lock.
var ErrLockContention = errors.New("lock contention")

// AcquireLock takes the task lock for actor. It succeeds when the lock is
// free, already held by the same actor, or expired. The lease runs for ttl.
func (c *Contract) AcquireLock(actor string, ttl time.Duration) error {
	now := time.Now().UTC()
	if c.Lock != nil && c.Lock.HeldBy != actor && now.Before(c.Lock.ExpiresAt) {
		return fmt.Errorf("%w: held by %s until %s", ErrLockContention, c.Lock.HeldBy, c.Lock.ExpiresAt.Format(time.RFC3339))
	}
	c.Lock = &Lock{
		HeldBy:     actor,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	c.touch()
	return nil
}

// ReleaseLock frees the lock if actor holds it. Releasing a lock held by
// someone else is a no-op.
func (c *Contract) ReleaseLock(actor string) {
	if c.Lock != nil && c.Lock.HeldBy == actor {
		c.Lock = nil
		c.touch()
	}
}

// Trip marks the task breaker tripped and moves the contract to
// erik_consultation via the halt transition.
func (c *Contract) Trip(triggeredBy, reason string) error {
	c.Breaker.Status = BreakerTripped
	c.Breaker.TriggeredBy = triggeredBy
	c.Breaker.TriggerReason = reason
	return c.Apply(EventCircuitBreakerHalt, reason)
}
