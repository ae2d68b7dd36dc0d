// Package gate decides when the background stage has gathered enough evidence to end.
package gate

// Decision reasons.
const (
	ReasonAlreadyTransitioned = "already_transitioned"
	ReasonMinQuestionsNotMet  = "min_questions_not_met"
	ReasonOK                  = "ok"
	ReasonThresholdNotMet     = "threshold_not_met"
)

// Policy holds the gate constants.
type Policy struct {
	MinQuestions int
	Threshold    float64
}

// DefaultPolicy requires three answered questions and 95% accumulated confidence.
//
//nolint:gochecknoglobals // package default
var DefaultPolicy = Policy{MinQuestions: 3, Threshold: 95}

// Decision is the gate's verdict.
type Decision struct {
	ShouldAdvance bool   `json:"should_advance"`
	Reason        string `json:"reason"`
}

// Decide applies the policy. The checks run in a fixed order: a session that already left the
// stage never advances again, and the question minimum is checked before confidence.
func (p Policy) Decide(confidence float64, questionsAsked int, transitioned bool) Decision {
	switch {
	case transitioned:
		return Decision{ShouldAdvance: false, Reason: ReasonAlreadyTransitioned}
	case questionsAsked < p.MinQuestions:
		return Decision{ShouldAdvance: false, Reason: ReasonMinQuestionsNotMet}
	case confidence >= p.Threshold:
		return Decision{ShouldAdvance: true, Reason: ReasonOK}
	default:
		return Decision{ShouldAdvance: false, Reason: ReasonThresholdNotMet}
	}
}

// ShouldAdvance applies DefaultPolicy.
func ShouldAdvance(confidence float64, questionsAsked int, transitioned bool) Decision {
	return DefaultPolicy.Decide(confidence, questionsAsked, transitioned)
}
