package persistence

import (
	"encoding/json"
	"errors"
	"time"

	"interviewer/pkg/proto"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session status constants.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusAborted   = "aborted" // Ended by a fatal error
	SessionStatusCrashed   = "crashed" // Still active when the process restarted
)

// Checkpoint kinds.
const (
	CheckpointBackgroundExit = "background_exit"
	CheckpointPasteComplete  = "paste_complete"
)

// Paste evaluation status constants.
const (
	PasteStatusScored    = "scored"
	PasteStatusFailed    = "failed"
	PasteStatusAbandoned = "abandoned"
)

// SessionRecord is the persisted summary of one interview.
type SessionRecord struct {
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	ID         string          `json:"id"`
	Company    string          `json:"company"`
	Role       string          `json:"role"`
	Candidate  string          `json:"candidate,omitempty"`
	Stage      proto.Stage     `json:"stage"`
	Status     string          `json:"status"`
	Assessment json.RawMessage `json:"assessment,omitempty"`
}

// Checkpoint is a snapshot taken when the interview leaves background Q&A or finishes a
// paste evaluation.
type Checkpoint struct {
	CreatedAt  time.Time          `json:"created_at"`
	SessionID  string             `json:"session_id"`
	Kind       string             `json:"kind"`
	Stage      proto.Stage        `json:"stage"`
	Messages   []proto.TurnRecord `json:"messages"`
	Scores     json.RawMessage    `json:"scores,omitempty"`
	Rationales []string           `json:"rationales,omitempty"`
}

// PasteRecord is a finished paste evaluation.
type PasteRecord struct {
	CreatedAt      time.Time             `json:"created_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Accountability *proto.Accountability `json:"accountability,omitempty"`
	ID             string                `json:"id"`
	SessionID      string                `json:"session_id"`
	PastedContent  string                `json:"pasted_content"`
	Trigger        string                `json:"trigger"`
	Status         string                `json:"status"`
	Questions      []string              `json:"questions"`
	Answers        []string              `json:"answers"`
	AnswerCount    int                   `json:"answer_count"`
	Confidence     float64               `json:"confidence"`
}
