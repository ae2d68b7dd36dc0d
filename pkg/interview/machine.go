// Package interview runs interview sessions.
//
// A Machine owns the stage of one interview. A Session is the single-threaded actor that
// feeds it events, issues model and evaluator calls, and publishes accepted turns. A Manager
// keeps the registry of live sessions.
package interview

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"interviewer/pkg/arbiter"
	"interviewer/pkg/control"
	"interviewer/pkg/faults"
	"interviewer/pkg/gate"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
	"interviewer/pkg/proto"
)

// ErrInvalidTransition is returned when a stage change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid stage transition")

// TransitionTable lists the stages reachable from each stage.
type TransitionTable map[proto.Stage][]proto.Stage

// ValidTransitions is the interview transition table. Every non-terminal stage may end the
// interview; no entry leads back to an earlier phase.
//
//nolint:gochecknoglobals // static table
var ValidTransitions = TransitionTable{
	proto.StageIdle:                 {proto.StageGreeting, proto.StageConcluded},
	proto.StageGreeting:             {proto.StageGreetingAcknowledged, proto.StageConcluded},
	proto.StageGreetingAcknowledged: {proto.StageBackgroundQuestionPending, proto.StageConcluded},
	proto.StageBackgroundQuestionPending: {
		proto.StageBackgroundAnswered, proto.StageCodingSession, proto.StageConcluded,
	},
	proto.StageBackgroundAnswered: {
		proto.StageBackgroundFollowupPending, proto.StageCodingSession, proto.StageConcluded,
	},
	proto.StageBackgroundFollowupPending: {
		proto.StageBackgroundAnswered, proto.StageCodingSession, proto.StageConcluded,
	},
	proto.StageCodingSession: {proto.StageConcluded},
	proto.StageConcluded:     {},
}

// IsValidTransition reports whether from → to is in the table.
func IsValidTransition(from, to proto.Stage) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition is one recorded stage change.
type Transition struct {
	At    time.Time   `json:"at"`
	From  proto.Stage `json:"from"`
	To    proto.Stage `json:"to"`
	Cause string      `json:"cause"`
}

// Result describes what an accepted assistant reply did to the stage.
type Result struct {
	// Decision is set when the reply triggered a gate consultation.
	Decision *gate.Decision
	Pending  arbiter.Pending
	From     proto.Stage
	To       proto.Stage
	// Display is false when the reply must not be shown: the gate advanced past the
	// follow-up it answered.
	Display bool
}

// Machine is the sole mutator of an interview's stage. It is not safe for concurrent use;
// the owning session serializes every call.
type Machine struct {
	replies    *arbiter.Arbiter
	assessment *control.Assessment
	recorder   metrics.Recorder
	logger     *logx.Logger
	stage      proto.Stage
	history    []Transition
	policy     gate.Policy
}

// NewMachine creates a machine in the idle stage. replies is the session's pending-reply
// arbiter and assessment its CONTROL state; the machine reads both to decide transitions.
func NewMachine(sessionID string, replies *arbiter.Arbiter, assessment *control.Assessment, policy gate.Policy, recorder metrics.Recorder) *Machine {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Machine{
		replies:    replies,
		assessment: assessment,
		recorder:   recorder,
		logger:     logx.NewLogger("stage").With(sessionID),
		stage:      proto.StageIdle,
		policy:     policy,
	}
}

// Stage returns the current stage.
func (m *Machine) Stage() proto.Stage {
	return m.stage
}

// History returns every transition so far, oldest first.
func (m *Machine) History() []Transition {
	return slices.Clone(m.history)
}

func (m *Machine) transition(to proto.Stage, cause string) error {
	from := m.stage
	if !IsValidTransition(from, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}
	m.history = append(m.history, Transition{At: time.Now().UTC(), From: from, To: to, Cause: cause})
	m.stage = to
	m.recorder.IncStageTransition(from, to)
	m.logger.Info("🔄 %s → %s (%s)", from, to, cause)
	return nil
}

// Start begins the interview.
func (m *Machine) Start() error {
	return m.transition(proto.StageGreeting, "start")
}

// UserFinal advances the stage for a finished candidate utterance. It reports whether the
// stage changed; stages that do not wait on the candidate are left alone.
func (m *Machine) UserFinal() (bool, error) {
	var next proto.Stage
	switch m.stage {
	case proto.StageIdle:
		return false, faults.Desync("stage.user_final", "candidate spoke before the interview started")
	case proto.StageGreeting:
		next = proto.StageGreetingAcknowledged
	case proto.StageBackgroundQuestionPending, proto.StageBackgroundFollowupPending:
		next = proto.StageBackgroundAnswered
	default:
		return false, nil
	}
	if err := m.transition(next, "user_final"); err != nil {
		return false, err
	}
	return true, nil
}

// AIFinal accepts the reply that answers the active pending request and applies its effect
// on the stage. A reply that nothing is waiting for is a protocol desync.
//
// When the reply is a background follow-up, the gate is consulted with the accumulated
// assessment: advancing moves to the coding stage and suppresses the follow-up, holding
// moves to background_followup_pending and shows it.
func (m *Machine) AIFinal(replyID string) (Result, error) {
	cur, ok := m.replies.Current()
	if !ok {
		return Result{}, faults.Desync("stage.ai_final", "assistant reply %q arrived with no pending reply", replyID)
	}
	if replyID != "" && cur.ID != replyID {
		return Result{}, faults.Desync("stage.ai_final", "assistant reply %q does not match pending %s reply %s", replyID, cur.Reason, cur.ID)
	}
	m.replies.Complete()

	res := Result{Pending: cur, From: m.stage, Display: true}
	var err error
	switch cur.Reason {
	case proto.ReasonBackgroundQuestion:
		if m.stage == proto.StageGreetingAcknowledged {
			err = m.transition(proto.StageBackgroundQuestionPending, string(cur.Reason))
		}
	case proto.ReasonBackgroundFollowup:
		switch {
		case m.stage == proto.StageBackgroundAnswered:
			d := m.policy.Decide(m.assessment.Confidence, m.assessment.QuestionCount, m.assessment.Transitioned)
			res.Decision = &d
			m.logger.Info("🚦 gate: advance=%v reason=%s confidence=%.1f questions=%d",
				d.ShouldAdvance, d.Reason, m.assessment.Confidence, m.assessment.QuestionCount)
			if d.ShouldAdvance {
				m.assessment.MarkTransitioned()
				res.Display = false
				err = m.transition(proto.StageCodingSession, "gate")
			} else {
				err = m.transition(proto.StageBackgroundFollowupPending, string(cur.Reason))
			}
		case !m.stage.IsBackground():
			res.Display = false
		}
	case proto.ReasonConclusion:
		err = m.transition(proto.StageConcluded, string(cur.Reason))
	}
	res.To = m.stage
	return res, err
}

// ForceCoding jumps to the coding stage from any background stage, cancelling the pending
// reply so its late result is discarded. It is idempotent: from the coding stage it does
// nothing. It reports whether the stage changed and the cancelled request, if any.
func (m *Machine) ForceCoding(cause string) (bool, *arbiter.Pending, error) {
	if m.stage == proto.StageCodingSession {
		return false, nil, nil
	}
	if !m.stage.IsBackground() {
		return false, nil, fmt.Errorf("%w: cannot force coding from %s", ErrInvalidTransition, m.stage)
	}

	var cancelled *arbiter.Pending
	if p, ok := m.replies.CancelAndDiscard(); ok {
		cancelled = &p
	}
	m.assessment.MarkTransitioned()
	if err := m.transition(proto.StageCodingSession, cause); err != nil {
		return false, cancelled, err
	}
	return true, cancelled, nil
}

// Conclude ends the interview from any stage. It is a no-op once concluded.
func (m *Machine) Conclude(cause string) error {
	if m.stage.IsTerminal() {
		return nil
	}
	return m.transition(proto.StageConcluded, cause)
}
