package proto

import "time"

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ReplyReason records why an assistant reply was requested.
type ReplyReason string

const (
	ReasonGreeting           ReplyReason = "greeting"
	ReasonBackgroundQuestion ReplyReason = "background_question"
	ReasonBackgroundFollowup ReplyReason = "background_followup"
	ReasonCodingIntro        ReplyReason = "coding_intro"
	ReasonCodingReply        ReplyReason = "coding_reply"
	ReasonConclusion         ReplyReason = "conclusion"
	ReasonPasteQuestion      ReplyReason = "paste_question"
	ReasonPasteScore         ReplyReason = "paste_score"
	ReasonEvaluation         ReplyReason = "evaluation"
	ReasonAccountability     ReplyReason = "accountability"
)

// DiscardMarker is the tag attached to a result that arrived after its request was cancelled.
func (r ReplyReason) DiscardMarker() string {
	return string(r) + "_discarded"
}

// TurnRecord is one entry of a session's append-only transcript.
type TurnRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Stage     Stage     `json:"stage"`
	// PasteID is set for turns that belong to a paste-evaluation sub-dialogue.
	PasteID string `json:"paste_id,omitempty"`
	// Tag carries a discard marker for turns that were never shown.
	Tag string `json:"tag,omitempty"`
}

// Visible reports whether the turn reached the candidate.
func (t *TurnRecord) Visible() bool {
	return t.Tag == ""
}
