// Package bridge connects a session to the candidate and to the conversation model.
//
// A session never talks to a transport directly. It injects instructions, asks for a reply
// tagged with the id of its pending-reply slot, and posts the turns it accepted. Replies come
// back asynchronously as proto.AssistantFinal events through the Sink the bridge was built with.
package bridge

import (
	"context"

	"interviewer/pkg/proto"
)

// Sink receives events produced by a bridge.
type Sink func(ev proto.Event)

// ResponseRequest asks for the next assistant reply. ID is echoed in the resulting
// AssistantFinal so the session can tell current replies from discarded ones.
type ResponseRequest struct {
	ID     string
	Reason proto.ReplyReason
}

// Bridge is the transport contract consumed by a session.
type Bridge interface {
	// InjectSystemMessage adds an instruction to the model context. It is never shown.
	InjectSystemMessage(ctx context.Context, text string) error
	// RequestResponse starts generating the next reply.
	RequestResponse(ctx context.Context, req ResponseRequest) error
	// CancelInFlightResponse abandons the reply being generated, if any. A result may still
	// arrive afterwards; the session discards it.
	CancelInFlightResponse(ctx context.Context) error
	// PostTranscript shows an accepted turn to the candidate and commits it to the model context.
	PostTranscript(ctx context.Context, turn proto.TurnRecord) error
	// PostStage tells the candidate's client the interview stage changed.
	PostStage(ctx context.Context, stage proto.Stage) error
	// PostNotice shows a system notice. Raw errors are never passed here.
	PostNotice(ctx context.Context, text string) error
}

// Output renders what the candidate sees.
type Output interface {
	ShowTurn(turn proto.TurnRecord)
	ShowStage(stage proto.Stage)
	ShowNotice(text string)
}
