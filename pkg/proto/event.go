package proto

import (
	"context"
	"fmt"
)

// Event is the closed set of inputs a session consumes. Only types in this package implement it.
type Event interface {
	Kind() EventKind
	isEvent()
}

// EventKind names an event variant.
type EventKind string

const (
	EventUserFinal            EventKind = "user-final"
	EventAssistantFinal       EventKind = "assistant-final"
	EventPasteDetected        EventKind = "paste-detected"
	EventEvaluatorResult      EventKind = "evaluator-result"
	EventCapSignal            EventKind = "cap-signal"
	EventPasteReply           EventKind = "paste-reply"
	EventAccountabilityResult EventKind = "accountability-result"
)

// UserFinal is a finished candidate utterance.
type UserFinal struct {
	Text string
}

// AssistantFinal is a finished assistant reply. ReplyID echoes the id passed to the bridge's
// response request; bridges that cannot echo it leave it empty. Err is set when the reply
// could not be generated.
type AssistantFinal struct {
	Err     error
	ReplyID string
	Text    string
}

// PasteDetected reports content pasted into the coding editor.
type PasteDetected struct {
	Content string
}

// Scores is one CONTROL evaluation of the latest answer.
type Scores struct {
	PillarRationale map[string]string `json:"pillar_rationale,omitempty"`
	Rationale       string            `json:"rationale"`
	Adaptability    float64           `json:"adaptability"`
	Creativity      float64           `json:"creativity"`
	Reasoning       float64           `json:"reasoning"`
}

// Mean returns the average pillar score.
func (s Scores) Mean() float64 {
	return (s.Adaptability + s.Creativity + s.Reasoning) / 3
}

// EvaluatorResult carries the outcome of an out-of-band CONTROL evaluation.
type EvaluatorResult struct {
	Err    error
	Ticket string
	Scores Scores
}

// CapSignal ends the interview: a time or turn cap was hit, or the candidate finished.
type CapSignal struct {
	Reason string
}

// PasteReply is a model reply inside a paste-evaluation sub-dialogue.
type PasteReply struct {
	Err     error
	PasteID string
	ReplyID string
	Text    string
}

// Accountability is the external scorer's verdict on a pasted snippet.
type Accountability struct {
	Reasoning           string  `json:"reasoning"`
	Caption             string  `json:"caption"`
	Understanding       float64 `json:"understanding"`
	AccountabilityScore float64 `json:"accountability_score"`
}

// AccountabilityResult carries the accountability scorer outcome for a paste evaluation.
type AccountabilityResult struct {
	Err     error
	PasteID string
	Result  Accountability
}

func (UserFinal) Kind() EventKind            { return EventUserFinal }
func (AssistantFinal) Kind() EventKind       { return EventAssistantFinal }
func (PasteDetected) Kind() EventKind        { return EventPasteDetected }
func (EvaluatorResult) Kind() EventKind      { return EventEvaluatorResult }
func (CapSignal) Kind() EventKind            { return EventCapSignal }
func (PasteReply) Kind() EventKind           { return EventPasteReply }
func (AccountabilityResult) Kind() EventKind { return EventAccountabilityResult }

func (UserFinal) isEvent()            {}
func (AssistantFinal) isEvent()       {}
func (PasteDetected) isEvent()        {}
func (EvaluatorResult) isEvent()      {}
func (CapSignal) isEvent()            {}
func (PasteReply) isEvent()           {}
func (AccountabilityResult) isEvent() {}

// Call is an out-of-band operation whose outcome re-enters the session as an event.
type Call func(ctx context.Context) Event

// Launcher runs a Call and delivers its event back to the session.
type Launcher func(ctx context.Context, call Call)

// Describe renders an event for logs without dumping full payloads.
func Describe(ev Event) string {
	switch e := ev.(type) {
	case UserFinal:
		return fmt.Sprintf("%s (%d chars)", e.Kind(), len(e.Text))
	case AssistantFinal:
		return fmt.Sprintf("%s reply=%s (%d chars) err=%v", e.Kind(), e.ReplyID, len(e.Text), e.Err)
	case PasteDetected:
		return fmt.Sprintf("%s (%d chars)", e.Kind(), len(e.Content))
	case EvaluatorResult:
		return fmt.Sprintf("%s ticket=%s err=%v", e.Kind(), e.Ticket, e.Err)
	case CapSignal:
		return fmt.Sprintf("%s reason=%s", e.Kind(), e.Reason)
	case PasteReply:
		return fmt.Sprintf("%s paste=%s reply=%s err=%v", e.Kind(), e.PasteID, e.ReplyID, e.Err)
	case AccountabilityResult:
		return fmt.Sprintf("%s paste=%s err=%v", e.Kind(), e.PasteID, e.Err)
	default:
		return "unknown event"
	}
}
