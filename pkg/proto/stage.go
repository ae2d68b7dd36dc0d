// Package proto defines the shared vocabulary of an interview session: stages, turn records,
// reply reasons, and the closed set of events a session consumes.
package proto

// Stage is a named phase of the interview dialogue.
type Stage string

const (
	StageIdle                      Stage = "idle"
	StageGreeting                  Stage = "greeting"
	StageGreetingAcknowledged      Stage = "greeting_acknowledged"
	StageBackgroundQuestionPending Stage = "background_question_pending"
	StageBackgroundAnswered        Stage = "background_answered"
	StageBackgroundFollowupPending Stage = "background_followup_pending"
	StageCodingSession             Stage = "coding_session"
	StageConcluded                 Stage = "concluded"
)

// Phase groups stages into the coarse interview sequence. Stages never move to a lower phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseGreeting
	PhaseBackground
	PhaseCoding
	PhaseConcluded
)

// Phase returns the coarse phase a stage belongs to.
func (s Stage) Phase() Phase {
	switch s {
	case StageGreeting, StageGreetingAcknowledged:
		return PhaseGreeting
	case StageBackgroundQuestionPending, StageBackgroundAnswered, StageBackgroundFollowupPending:
		return PhaseBackground
	case StageCodingSession:
		return PhaseCoding
	case StageConcluded:
		return PhaseConcluded
	default:
		return PhaseIdle
	}
}

// IsBackground reports whether the stage belongs to background Q&A.
func (s Stage) IsBackground() bool {
	return s.Phase() == PhaseBackground
}

// IsTerminal reports whether no further transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageConcluded
}

func (s Stage) String() string {
	return string(s)
}

// AllStages lists every stage in interview order.
func AllStages() []Stage {
	return []Stage{
		StageIdle,
		StageGreeting,
		StageGreetingAcknowledged,
		StageBackgroundQuestionPending,
		StageBackgroundAnswered,
		StageBackgroundFollowupPending,
		StageCodingSession,
		StageConcluded,
	}
}
