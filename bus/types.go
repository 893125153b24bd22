package bus

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of hub envelope.
type MessageType string

// The finite set of hub message types. These are stable wire identifiers.
const (
	TypeProposalReady  MessageType = "PROPOSAL_READY"
	TypeReviewNeeded   MessageType = "REVIEW_NEEDED"
	TypeStopTask       MessageType = "STOP_TASK"
	TypeQuestion       MessageType = "QUESTION"
	TypeAnswer         MessageType = "ANSWER"
	TypeVerdictSignal  MessageType = "VERDICT_SIGNAL"
	TypeHeartbeat      MessageType = "HEARTBEAT"
	TypeDraftReady     MessageType = "DRAFT_READY"
	TypeDraftAccepted  MessageType = "DRAFT_ACCEPTED"
	TypeDraftRejected  MessageType = "DRAFT_REJECTED"
	TypeDraftEscalated MessageType = "DRAFT_ESCALATED"
)

var validTypes = map[MessageType]bool{
	TypeProposalReady:  true,
	TypeReviewNeeded:   true,
	TypeStopTask:       true,
	TypeQuestion:       true,
	TypeAnswer:         true,
	TypeVerdictSignal:  true,
	TypeHeartbeat:      true,
	TypeDraftReady:     true,
	TypeDraftAccepted:  true,
	TypeDraftRejected:  true,
	TypeDraftEscalated: true,
}

// ValidType reports whether t belongs to the finite message type set.
func ValidType(t MessageType) bool {
	return validTypes[t]
}

// Envelope is one hub message.
type Envelope struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Read      bool            `json:"read_flag"`
}

// QuestionStatus tracks a worker question through its lifecycle.
type QuestionStatus string

const (
	QuestionPending   QuestionStatus = "PENDING"
	QuestionAnswered  QuestionStatus = "ANSWERED"
	QuestionRetrieved QuestionStatus = "RETRIEVED"
	QuestionExpired   QuestionStatus = "EXPIRED"
)

// Question is a worker-to-parent question record.
type Question struct {
	MessageID  string         `json:"message_id"`
	RunID      string         `json:"run_id"`
	SubagentID string         `json:"subagent_id"`
	Question   string         `json:"question"`
	Answer     string         `json:"answer,omitempty"`
	Status     QuestionStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Heartbeat is an agent liveness record, upserted by agent id.
type Heartbeat struct {
	AgentID  string    `json:"agent_id"`
	LastSeen time.Time `json:"last_seen"`
	Progress string    `json:"progress,omitempty"`
}

// QuestionPayload is the QUESTION envelope payload: a question with two to
// four candidate options for the recipient to pick from.
type QuestionPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// AnswerPayload is the ANSWER envelope payload.
type AnswerPayload struct {
	QuestionID     string `json:"question_id"`
	SelectedOption int    `json:"selected_option"`
}

// StopTaskPayload is the STOP_TASK envelope payload. Exactly one of TaskID,
// ContractPath, or AllTasks identifies the target.
type StopTaskPayload struct {
	TaskID       string `json:"task_id,omitempty"`
	ContractPath string `json:"contract_path,omitempty"`
	AllTasks     bool   `json:"all_tasks,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// DraftReadyPayload is the DRAFT_READY envelope payload.
type DraftReadyPayload struct {
	TaskID string `json:"task_id"`
}

// ProposalReadyPayload is the PROPOSAL_READY envelope payload.
type ProposalReadyPayload struct {
	ProposalPath string `json:"proposal_path"`
}
