package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"interviewer/pkg/proto"
)

const timeLayout = time.RFC3339Nano

// Request represents a database operation request.
// This is the interface between sessions and the kernel's database worker.
type Request struct {
	Data      interface{}        `json:"data"`      // Operation-specific data payload
	Response  chan<- interface{} `json:"-"`         // Response channel for queries (nil for fire-and-forget writes)
	Operation string             `json:"operation"` // Operation type
}

// Operation constants for Request.
const (
	// Write operations (fire-and-forget).
	OpUpsertSession         = "upsert_session"
	OpInsertTurn            = "insert_turn"
	OpInsertCheckpoint      = "insert_checkpoint"
	OpUpsertPasteEvaluation = "upsert_paste_evaluation"

	// Query operations (with response).
	OpGetSession = "get_session"
)

// DatabaseOperations provides methods for database operations.
// This is used by the kernel's database worker goroutine and by read-only tooling.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil //nolint:nilnil // absent timestamp
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// UpsertSession inserts or updates a session record.
func (ops *DatabaseOperations) UpsertSession(s *SessionRecord) error {
	query := `
		INSERT INTO interview_sessions (id, company, role, candidate, stage, status, assessment_json, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			status = excluded.status,
			assessment_json = COALESCE(excluded.assessment_json, interview_sessions.assessment_json),
			ended_at = excluded.ended_at
	`
	_, err := ops.db.Exec(query, s.ID, s.Company, s.Role, s.Candidate, string(s.Stage), s.Status,
		nullJSON(s.Assessment), formatTime(s.StartedAt), formatTimePtr(s.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", s.ID, err)
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (*SessionRecord, error) {
	var (
		s          SessionRecord
		stage      string
		assessment sql.NullString
		startedAt  string
		endedAt    sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Company, &s.Role, &s.Candidate, &stage, &s.Status, &assessment, &startedAt, &endedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	s.Stage = proto.Stage(stage)
	if assessment.Valid {
		s.Assessment = json.RawMessage(assessment.String)
	}
	var err error
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if s.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

const sessionColumns = `id, company, role, candidate, stage, status, assessment_json, started_at, ended_at`

// GetSession returns one session record.
func (ops *DatabaseOperations) GetSession(id string) (*SessionRecord, error) {
	row := ops.db.QueryRow(`SELECT `+sessionColumns+` FROM interview_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns the most recent sessions first.
func (ops *DatabaseOperations) ListSessions(limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ops.db.Query(`SELECT `+sessionColumns+` FROM interview_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// MarkStaleSessions marks sessions left active by a previous process as crashed.
func (ops *DatabaseOperations) MarkStaleSessions() (int64, error) {
	result, err := ops.db.Exec(`
		UPDATE interview_sessions
		SET status = ?, ended_at = ?
		WHERE status = ?
	`, SessionStatusCrashed, formatTime(time.Now()), SessionStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// InsertTurn appends a transcript turn.
func (ops *DatabaseOperations) InsertTurn(t *proto.TurnRecord) error {
	_, err := ops.db.Exec(`
		INSERT INTO turns (session_id, speaker, text, stage, paste_id, tag, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.SessionID, string(t.Speaker), t.Text, string(t.Stage), t.PasteID, t.Tag, formatTime(t.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert turn for session %s: %w", t.SessionID, err)
	}
	return nil
}

// GetTurns returns a session transcript in insertion order, including turns that were
// never shown to the candidate.
func (ops *DatabaseOperations) GetTurns(sessionID string) ([]proto.TurnRecord, error) {
	rows, err := ops.db.Query(`
		SELECT session_id, speaker, text, stage, paste_id, tag, ts
		FROM turns WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []proto.TurnRecord
	for rows.Next() {
		var (
			t              proto.TurnRecord
			speaker, stage string
			ts             string
		)
		if err := rows.Scan(&t.SessionID, &speaker, &t.Text, &stage, &t.PasteID, &t.Tag, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Speaker = proto.Speaker(speaker)
		t.Stage = proto.Stage(stage)
		if t.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

// InsertCheckpoint stores a checkpoint.
func (ops *DatabaseOperations) InsertCheckpoint(c *Checkpoint) error {
	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint messages: %w", err)
	}
	var rationales interface{}
	if len(c.Rationales) > 0 {
		raw, err := json.Marshal(c.Rationales)
		if err != nil {
			return fmt.Errorf("failed to marshal rationales: %w", err)
		}
		rationales = string(raw)
	}
	_, err = ops.db.Exec(`
		INSERT INTO checkpoints (session_id, kind, stage, messages_json, scores_json, rationales_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.SessionID, c.Kind, string(c.Stage), string(messages), nullJSON(c.Scores), rationales, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert %s checkpoint for session %s: %w", c.Kind, c.SessionID, err)
	}
	return nil
}

// GetCheckpoints returns a session's checkpoints in insertion order.
func (ops *DatabaseOperations) GetCheckpoints(sessionID string) ([]*Checkpoint, error) {
	rows, err := ops.db.Query(`
		SELECT session_id, kind, stage, messages_json, scores_json, rationales_json, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Checkpoint
	for rows.Next() {
		var (
			c                  Checkpoint
			stage, messages    string
			scores, rationales sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&c.SessionID, &c.Kind, &stage, &messages, &scores, &rationales, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.Stage = proto.Stage(stage)
		if err := json.Unmarshal([]byte(messages), &c.Messages); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint messages: %w", err)
		}
		if scores.Valid {
			c.Scores = json.RawMessage(scores.String)
		}
		if rationales.Valid {
			if err := json.Unmarshal([]byte(rationales.String), &c.Rationales); err != nil {
				return nil, fmt.Errorf("failed to decode rationales: %w", err)
			}
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

// UpsertPasteEvaluation inserts or updates a paste evaluation.
func (ops *DatabaseOperations) UpsertPasteEvaluation(p *PasteRecord) error {
	questions, err := json.Marshal(nonNil(p.Questions))
	if err != nil {
		return fmt.Errorf("failed to marshal questions: %w", err)
	}
	answers, err := json.Marshal(nonNil(p.Answers))
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	var verdict interface{}
	if p.Accountability != nil {
		raw, err := json.Marshal(p.Accountability)
		if err != nil {
			return fmt.Errorf("failed to marshal accountability: %w", err)
		}
		verdict = string(raw)
	}
	_, err = ops.db.Exec(`
		INSERT INTO paste_evaluations (
			id, session_id, pasted_content, questions_json, answers_json, answer_count,
			confidence, trigger_reason, status, accountability_json, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			questions_json = excluded.questions_json,
			answers_json = excluded.answers_json,
			answer_count = excluded.answer_count,
			confidence = excluded.confidence,
			trigger_reason = excluded.trigger_reason,
			status = excluded.status,
			accountability_json = excluded.accountability_json,
			completed_at = excluded.completed_at
	`, p.ID, p.SessionID, p.PastedContent, string(questions), string(answers), p.AnswerCount,
		p.Confidence, p.Trigger, p.Status, verdict, formatTime(p.CreatedAt), formatTimePtr(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert paste evaluation %s: %w", p.ID, err)
	}
	return nil
}

// GetPasteEvaluations returns a session's paste evaluations, oldest first.
func (ops *DatabaseOperations) GetPasteEvaluations(sessionID string) ([]*PasteRecord, error) {
	rows, err := ops.db.Query(`
		SELECT id, session_id, pasted_content, questions_json, answers_json, answer_count,
			confidence, trigger_reason, status, accountability_json, created_at, completed_at
		FROM paste_evaluations WHERE session_id = ? ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query paste evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PasteRecord
	for rows.Next() {
		var (
			p                  PasteRecord
			questions, answers string
			verdict            sql.NullString
			createdAt          string
			completedAt        sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.SessionID, &p.PastedContent, &questions, &answers, &p.AnswerCount,
			&p.Confidence, &p.Trigger, &p.Status, &verdict, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan paste evaluation: %w", err)
		}
		if err := json.Unmarshal([]byte(questions), &p.Questions); err != nil {
			return nil, fmt.Errorf("failed to decode questions: %w", err)
		}
		if err := json.Unmarshal([]byte(answers), &p.Answers); err != nil {
			return nil, fmt.Errorf("failed to decode answers: %w", err)
		}
		if verdict.Valid {
			var a proto.Accountability
			if err := json.Unmarshal([]byte(verdict.String), &a); err != nil {
				return nil, fmt.Errorf("failed to decode accountability: %w", err)
			}
			p.Accountability = &a
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if p.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate paste evaluations: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
