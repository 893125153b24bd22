package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unified-agent-system/agenthub/metrics"
	"github.com/unified-agent-system/agenthub/storage"
)

// schema creates the bus tables. CREATE TABLE IF NOT EXISTS keeps startup
// idempotent across restarts.
const schema = `
CREATE TABLE IF NOT EXISTS hub_messages (
	id         TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent   TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	read_flag  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_hub_messages_recipient
	ON hub_messages (to_agent, read_flag, timestamp);

CREATE TABLE IF NOT EXISTS subagent_messages (
	message_id  TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	subagent_id TEXT NOT NULL,
	question    TEXT NOT NULL,
	answer      TEXT,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subagent_messages_status
	ON subagent_messages (status, created_at);

CREATE TABLE IF NOT EXISTS agent_heartbeats (
	agent_id  TEXT PRIMARY KEY,
	last_seen TEXT NOT NULL,
	progress  TEXT
);
`

// timeLayout stores timestamps in RFC3339 with sub-second precision so
// lexical ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteBus is the SQL-backed message store.
type SQLiteBus struct {
	db *sql.DB
}

// NewSQLiteBus opens (or creates) the bus database at path.
func NewSQLiteBus(path string) (*SQLiteBus, error) {
	db, err := storage.OpenDB(path)
	if err != nil {
		return nil, backendErr("open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, backendErr("migrate", err)
	}
	return &SQLiteBus{db: db}, nil
}

// Close closes the underlying database.
func (b *SQLiteBus) Close() error {
	return b.db.Close()
}

// Send stores one envelope and returns its assigned id.
func (b *SQLiteBus) Send(ctx context.Context, from, to string, t MessageType, payload any) (string, error) {
	if !ValidType(t) {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(timeLayout)
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO hub_messages (id, from_agent, to_agent, type, payload, timestamp, read_flag)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		id, from, to, string(t), string(data), now)
	if err != nil {
		return "", backendErr("send", err)
	}

	metrics.MessagesSent.WithLabelValues(string(t)).Inc()
	return id, nil
}

// Receive atomically selects and marks unread messages for a recipient.
// Selection and the read-flag flip happen in one immediate transaction, so
// concurrent receivers for the same recipient never see the same message.
func (b *SQLiteBus) Receive(ctx context.Context, to string, since time.Time) ([]Envelope, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, backendErr("receive begin", err)
	}
	defer tx.Rollback()

	query := `SELECT id, from_agent, to_agent, type, payload, timestamp
		FROM hub_messages WHERE to_agent = ? AND read_flag = 0`
	args := []any{to}
	if !since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backendErr("receive select", err)
	}

	var messages []Envelope
	var ids []string
	for rows.Next() {
		var (
			env     Envelope
			typ     string
			payload string
			ts      string
		)
		if err := rows.Scan(&env.ID, &env.From, &env.To, &typ, &payload, &ts); err != nil {
			rows.Close()
			return nil, backendErr("receive scan", err)
		}
		env.Type = MessageType(typ)
		env.Payload = json.RawMessage(payload)
		env.Timestamp, _ = time.Parse(timeLayout, ts)
		env.Read = true
		messages = append(messages, env)
		ids = append(ids, env.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, backendErr("receive rows", err)
	}
	rows.Close()

	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		updateArgs := make([]any, len(ids))
		for i, id := range ids {
			updateArgs[i] = id
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE hub_messages SET read_flag = 1 WHERE id IN (`+placeholders+`)`,
			updateArgs...)
		if err != nil {
			return nil, backendErr("receive mark", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, backendErr("receive commit", err)
	}

	for _, m := range messages {
		metrics.MessagesReceived.WithLabelValues(string(m.Type)).Inc()
	}
	return messages, nil
}

// AskParent inserts a PENDING worker question.
func (b *SQLiteBus) AskParent(ctx context.Context, runID, subagentID, question string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(timeLayout)
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO subagent_messages (message_id, run_id, subagent_id, question, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, runID, subagentID, question, string(QuestionPending), now, now)
	if err != nil {
		return "", backendErr("ask_parent", err)
	}
	return id, nil
}

// ReplyToWorker moves a PENDING question to ANSWERED.
func (b *SQLiteBus) ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := b.db.ExecContext(ctx,
		`UPDATE subagent_messages SET answer = ?, status = ?, updated_at = ?
		 WHERE message_id = ? AND status = ?`,
		answer, string(QuestionAnswered), now, messageID, string(QuestionPending))
	if err != nil {
		return false, backendErr("reply", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backendErr("reply rows", err)
	}
	return n == 1, nil
}

// CheckAnswer returns the answer once and moves ANSWERED to RETRIEVED.
// The status guard in the UPDATE makes the transition exactly-once even
// under concurrent pollers.
func (b *SQLiteBus) CheckAnswer(ctx context.Context, messageID string) (string, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, backendErr("check_answer begin", err)
	}
	defer tx.Rollback()

	var answer sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT answer FROM subagent_messages WHERE message_id = ? AND status = ?`,
		messageID, string(QuestionAnswered)).Scan(&answer)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendErr("check_answer select", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx,
		`UPDATE subagent_messages SET status = ?, updated_at = ?
		 WHERE message_id = ? AND status = ?`,
		string(QuestionRetrieved), now, messageID, string(QuestionAnswered))
	if err != nil {
		return "", false, backendErr("check_answer update", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, backendErr("check_answer commit", err)
	}

	return answer.String, true, nil
}

// PendingQuestions lists PENDING questions, oldest first.
func (b *SQLiteBus) PendingQuestions(ctx context.Context, runID string) ([]Question, error) {
	query := `SELECT message_id, run_id, subagent_id, question, COALESCE(answer, ''), status, created_at, updated_at
		FROM subagent_messages WHERE status = ?`
	args := []any{string(QuestionPending)}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backendErr("pending select", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, backendErr("pending scan", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("pending rows", err)
	}
	return questions, nil
}

func scanQuestion(rows *sql.Rows) (Question, error) {
	var (
		q       Question
		status  string
		created string
		updated string
	)
	if err := rows.Scan(&q.MessageID, &q.RunID, &q.SubagentID, &q.Question, &q.Answer, &status, &created, &updated); err != nil {
		return Question{}, err
	}
	q.Status = QuestionStatus(status)
	q.CreatedAt, _ = time.Parse(timeLayout, created)
	q.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return q, nil
}

// RecordHeartbeat upserts the heartbeat row for an agent.
func (b *SQLiteBus) RecordHeartbeat(ctx context.Context, agentID, progress string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO agent_heartbeats (agent_id, last_seen, progress) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET last_seen = excluded.last_seen, progress = excluded.progress`,
		agentID, now, progress)
	if err != nil {
		return backendErr("heartbeat", err)
	}
	return nil
}

// Heartbeats returns every recorded heartbeat.
func (b *SQLiteBus) Heartbeats(ctx context.Context) ([]Heartbeat, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT agent_id, last_seen, COALESCE(progress, '') FROM agent_heartbeats ORDER BY agent_id`)
	if err != nil {
		return nil, backendErr("heartbeats select", err)
	}
	defer rows.Close()

	var beats []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		var seen string
		if err := rows.Scan(&hb.AgentID, &seen, &hb.Progress); err != nil {
			return nil, backendErr("heartbeats scan", err)
		}
		hb.LastSeen, _ = time.Parse(timeLayout, seen)
		beats = append(beats, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("heartbeats rows", err)
	}
	return beats, nil
}

// ExpireOldQuestions bulk-moves stale PENDING questions to EXPIRED.
func (b *SQLiteBus) ExpireOldQuestions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeLayout)
	now := time.Now().UTC().Format(timeLayout)
	res, err := b.db.ExecContext(ctx,
		`UPDATE subagent_messages SET status = ?, updated_at = ?
		 WHERE status = ? AND created_at < ?`,
		string(QuestionExpired), now, string(QuestionPending), cutoff)
	if err != nil {
		return 0, backendErr("expire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, backendErr("expire rows", err)
	}
	return int(n), nil
}
