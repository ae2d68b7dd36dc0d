// Package paste runs the bounded comprehension check that follows a paste into the editor.
//
// A Flow owns an isolated model context seeded only with the pasted code, and its own
// pending-reply arbiter. It asks one question, then after each candidate answer requests a
// scored reply that ends with a [[PASTE_CONTROL {...}]] marker. The evaluation becomes ready
// once confidence reaches the minimum or the answer cap is hit; at that point the session
// runs the accountability scorer, exactly once.
package paste

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"interviewer/pkg/arbiter"
	"interviewer/pkg/control"
	"interviewer/pkg/faults"
	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/prompts"
	"interviewer/pkg/proto"
)

// Defaults.
const (
	DefaultMinConfidence  = 70
	DefaultMaxAnswers     = 3
	DefaultMaxCorrections = 2
)

// Readiness triggers.
const (
	TriggerConfidence  = "confidence"
	TriggerAnswerCap   = "answer_cap"
	TriggerReplyFailed = "reply_failed"
	TriggerForced      = "forced"
)

// ErrAbandoned is returned when a flow ends before any answer was given.
var ErrAbandoned = errors.New("paste evaluation abandoned before any answer")

// Policy bounds a flow.
type Policy struct {
	MinConfidence  float64
	MaxAnswers     int
	MaxCorrections int
}

func (p Policy) normalized() Policy {
	if p.MinConfidence <= 0 {
		p.MinConfidence = DefaultMinConfidence
	}
	if p.MaxAnswers <= 0 {
		p.MaxAnswers = DefaultMaxAnswers
	}
	if p.MaxCorrections < 0 {
		p.MaxCorrections = 0
	}
	return p
}

// Evaluation is the serializable state of one paste evaluation.
type Evaluation struct {
	CreatedAt       time.Time `json:"created_at"`
	ID              string    `json:"id"`
	PastedContent   string    `json:"pasted_content"`
	Trigger         string    `json:"trigger,omitempty"`
	Questions       []string  `json:"questions"`
	Answers         []string  `json:"answers"`
	AnswerCount     int       `json:"answer_count"`
	Confidence      float64   `json:"confidence"`
	ReadyToEvaluate bool      `json:"ready_to_evaluate"`
}

// Request is a model call the session must run in the flow's isolated context.
type Request struct {
	ReplyID  string
	Reason   proto.ReplyReason
	Messages []llm.CompletionMessage
}

// Outcome tells the session what to do after a reply was handled.
type Outcome struct {
	// Discarded is set when the reply answered a cancelled request.
	Discarded *arbiter.Pending
	// Retry is a corrected re-request to run.
	Retry *Request
	// Show is the text to post to the candidate, if any.
	Show string
	// Score is true the one time the evaluation becomes ready for accountability scoring.
	Score bool
	// Violation is set when the reply broke the protocol and was dropped.
	Violation bool
	// Abandoned is set when the flow gave up without any answer to score.
	Abandoned bool
}

// Flow is one paste evaluation. It is not safe for concurrent use; the session owns it.
type Flow struct {
	replies      *arbiter.Arbiter
	renderer     *prompts.Renderer
	logger       *logx.Logger
	data         prompts.Data
	messages     []llm.CompletionMessage
	eval         Evaluation
	policy       Policy
	corrections  int
	scoreTaken   bool
	capCorrected bool
	closed       bool
}

// Open creates a flow for content. company and role only flavor the prompt.
func Open(id, content, company, role string, policy Policy, renderer *prompts.Renderer) (*Flow, error) {
	policy = policy.normalized()
	f := &Flow{
		replies:  arbiter.New("paste/" + id),
		renderer: renderer,
		logger:   logx.NewLogger("paste").With(id),
		policy:   policy,
		data: prompts.Data{
			Company:       company,
			Role:          role,
			PastedContent: content,
			MaxAnswers:    policy.MaxAnswers,
			MinConfidence: policy.MinConfidence,
		},
		eval: Evaluation{
			ID:            id,
			PastedContent: content,
			CreatedAt:     time.Now().UTC().Round(0),
			Questions:     []string{},
			Answers:       []string{},
		},
	}
	system, err := renderer.Render(prompts.PasteSystem, &f.data)
	if err != nil {
		return nil, fmt.Errorf("render paste system prompt: %w", err)
	}
	f.messages = []llm.CompletionMessage{llm.NewSystemMessage(system)}
	return f, nil
}

// ID returns the paste evaluation id.
func (f *Flow) ID() string { return f.eval.ID }

// Ready reports whether the evaluation is ready for scoring.
func (f *Flow) Ready() bool { return f.eval.ReadyToEvaluate }

// Closed reports whether the flow has finished.
func (f *Flow) Closed() bool { return f.closed }

// AcceptsAnswers reports whether candidate speech belongs to this flow.
func (f *Flow) AcceptsAnswers() bool {
	return !f.closed && !f.eval.ReadyToEvaluate
}

// Snapshot returns a copy of the evaluation state.
func (f *Flow) Snapshot() Evaluation {
	ev := f.eval
	ev.Questions = append([]string{}, f.eval.Questions...)
	ev.Answers = append([]string{}, f.eval.Answers...)
	return ev
}

// Context returns a copy of the isolated model context.
func (f *Flow) Context() []llm.CompletionMessage {
	return append([]llm.CompletionMessage{}, f.messages...)
}

func (f *Flow) render(name prompts.Name) (string, error) {
	d := f.data
	d.AnswerCount = f.eval.AnswerCount
	return f.renderer.Render(name, &d)
}

// request appends instruction (when non-empty) and takes the pending slot.
func (f *Flow) request(reason proto.ReplyReason, instruction string) (*Request, error) {
	p, err := f.replies.BeginPending(reason, proto.StageCodingSession)
	if err != nil {
		return nil, fmt.Errorf("paste %s: %w", f.eval.ID, err)
	}
	if instruction != "" {
		f.messages = append(f.messages, llm.NewUserMessage(instruction))
	}
	return &Request{ReplyID: p.ID, Reason: reason, Messages: f.Context()}, nil
}

// Begin requests the first comprehension question.
func (f *Flow) Begin() (*Request, error) {
	instruction, err := f.render(prompts.PasteQuestion)
	if err != nil {
		return nil, err
	}
	return f.request(proto.ReasonPasteQuestion, instruction)
}

func (f *Flow) markReady(trigger string) {
	if f.eval.ReadyToEvaluate {
		return
	}
	f.eval.ReadyToEvaluate = true
	f.eval.Trigger = trigger
	f.logger.Info("📋 paste evaluation ready (%s): answers=%d confidence=%.0f", trigger, f.eval.AnswerCount, f.eval.Confidence)
}

// takeScore reports true exactly once, after the evaluation became ready.
func (f *Flow) takeScore() bool {
	if !f.eval.ReadyToEvaluate || f.scoreTaken {
		return false
	}
	f.scoreTaken = true
	return true
}

// Answer records a candidate answer. Speech that arrives while a reply is still pending is
// folded into the previous answer and does not count again. When the answer cap is reached
// the evaluation becomes ready immediately; the returned request only asks the model to close.
func (f *Flow) Answer(text string) (*Request, bool, error) {
	if !f.AcceptsAnswers() {
		return nil, false, nil
	}
	if f.replies.Active() {
		f.messages = append(f.messages, llm.NewUserMessage(text))
		if n := len(f.eval.Answers); n > 0 {
			f.eval.Answers[n-1] += "\n" + text
		}
		return nil, false, nil
	}

	f.eval.AnswerCount++
	f.eval.Answers = append(f.eval.Answers, text)
	f.messages = append(f.messages, llm.NewUserMessage(text))
	if f.eval.AnswerCount >= f.policy.MaxAnswers {
		f.markReady(TriggerAnswerCap)
	}

	instruction, err := f.render(prompts.PasteScore)
	if err != nil {
		return nil, false, err
	}
	req, err := f.request(proto.ReasonPasteScore, instruction)
	if err != nil {
		return nil, false, err
	}
	return req, f.takeScore(), nil
}

// HandleReply processes a model reply for replyID.
func (f *Flow) HandleReply(replyID, text string) (Outcome, error) {
	res := f.replies.Resolve(replyID)
	switch res.Outcome {
	case arbiter.Discarded:
		f.logger.Info("dropping late %s reply %s as %s", res.Pending.Reason, res.Pending.ID, res.Pending.Marker())
		return Outcome{Discarded: &res.Pending}, nil
	case arbiter.Unexpected:
		return Outcome{}, faults.Desync("paste.reply", "paste %s received reply %q that nothing requested", f.eval.ID, replyID)
	}
	f.replies.Complete()

	if res.Pending.Reason == proto.ReasonPasteQuestion {
		visible := control.StripControl(text)
		f.messages = append(f.messages, llm.NewAssistantMessage(visible))
		f.eval.Questions = append(f.eval.Questions, visible)
		return Outcome{Show: visible}, nil
	}

	marker, body, err := ParseMarker(text)
	if err != nil {
		if f.corrections < f.policy.MaxCorrections && !f.eval.ReadyToEvaluate {
			f.corrections++
			f.logger.Warn("⚠️ paste reply without valid marker (%v); correction %d/%d", err, f.corrections, f.policy.MaxCorrections)
			instruction, rerr := f.render(prompts.PasteMarkerCorrection)
			if rerr != nil {
				return Outcome{}, rerr
			}
			retry, rerr := f.request(proto.ReasonPasteScore, instruction)
			if rerr != nil {
				return Outcome{}, rerr
			}
			return Outcome{Retry: retry}, nil
		}
		f.logger.Warn("⚠️ paste reply without valid marker after %d corrections; keeping confidence %.0f", f.corrections, f.eval.Confidence)
	} else {
		f.eval.Confidence = marker.Confidence
	}

	if f.eval.AnswerCount >= f.policy.MaxAnswers && asksQuestion(body) {
		f.logger.Warn("⚠️ policy violation: question after answer %d of %d dropped", f.eval.AnswerCount, f.policy.MaxAnswers)
		out := Outcome{Violation: true, Score: f.takeScore()}
		if f.capCorrected {
			return out, nil
		}
		f.capCorrected = true
		instruction, rerr := f.render(prompts.PasteCapCorrection)
		if rerr != nil {
			return Outcome{}, rerr
		}
		if out.Retry, rerr = f.request(proto.ReasonPasteScore, instruction); rerr != nil {
			return Outcome{}, rerr
		}
		return out, nil
	}

	f.messages = append(f.messages, llm.NewAssistantMessage(body))
	if body != "" {
		f.eval.Questions = append(f.eval.Questions, body)
	}
	if f.eval.Confidence >= f.policy.MinConfidence {
		f.markReady(TriggerConfidence)
	}
	return Outcome{Show: body, Score: f.takeScore()}, nil
}

// HandleFailure processes a failed model call for replyID. The request is retried while the
// correction budget lasts; after that the evaluation is forced ready if there is anything
// to score, and abandoned otherwise.
func (f *Flow) HandleFailure(replyID string, cause error) (Outcome, error) {
	res := f.replies.Resolve(replyID)
	switch res.Outcome {
	case arbiter.Discarded:
		return Outcome{Discarded: &res.Pending}, nil
	case arbiter.Unexpected:
		return Outcome{}, faults.Desync("paste.failure", "paste %s received failure for unknown reply %q", f.eval.ID, replyID)
	}
	f.replies.Complete()

	if f.corrections < f.policy.MaxCorrections {
		f.corrections++
		f.logger.Warn("paste reply failed (%v); retry %d/%d", cause, f.corrections, f.policy.MaxCorrections)
		retry, err := f.request(res.Pending.Reason, "")
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Retry: retry}, nil
	}
	if f.eval.AnswerCount == 0 {
		f.closed = true
		return Outcome{Abandoned: true}, nil
	}
	f.markReady(TriggerReplyFailed)
	return Outcome{Score: f.takeScore()}, nil
}

// ForceComplete ends the dialogue early, cancelling any pending reply. It reports whether
// scoring should run now; a flow without answers is abandoned.
func (f *Flow) ForceComplete(trigger string) (bool, error) {
	if p, ok := f.replies.CancelAndDiscard(); ok {
		f.logger.Info("cancelled pending %s reply %s", p.Reason, p.ID)
	}
	if f.eval.AnswerCount == 0 {
		f.closed = true
		return false, ErrAbandoned
	}
	f.markReady(trigger)
	return f.takeScore(), nil
}

// Close marks the flow finished and returns its final state.
func (f *Flow) Close() Evaluation {
	f.closed = true
	return f.Snapshot()
}

// AccountabilityInput returns the transcript to score.
func (f *Flow) AccountabilityInput() (content string, questions, answers []string) {
	ev := f.Snapshot()
	return ev.PastedContent, ev.Questions, ev.Answers
}

func asksQuestion(text string) bool {
	return strings.Contains(text, "?")
}
