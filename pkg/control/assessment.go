// Package control scores background answers out of band and accumulates the results.
//
// Each evaluation scores only the latest answer on three pillars. The Assessment keeps the
// best score seen per pillar, so confidence never drops because a later answer happened not
// to exercise a pillar, and it tracks the zero-confidence streak that drives the override.
package control

import (
	"time"

	"interviewer/pkg/proto"
)

// DefaultZeroStreakLimit is the number of consecutive empty evaluations that forces the
// interview into the coding stage.
const DefaultZeroStreakLimit = 2

// Pillars are accumulated scores in [0,100].
type Pillars struct {
	Adaptability float64 `json:"adaptability"`
	Creativity   float64 `json:"creativity"`
	Reasoning    float64 `json:"reasoning"`
}

// Mean returns the average of the three pillars.
func (p Pillars) Mean() float64 {
	return (p.Adaptability + p.Creativity + p.Reasoning) / 3
}

// Evaluation is one scored answer.
type Evaluation struct {
	At     time.Time    `json:"at"`
	Scores proto.Scores `json:"scores"`
}

// Assessment is the running CONTROL state of one session.
type Assessment struct {
	Evaluations     []Evaluation `json:"evaluations"`
	Pillars         Pillars      `json:"pillars"`
	Confidence      float64      `json:"confidence"`
	QuestionCount   int          `json:"question_count"`
	ZeroStreak      int          `json:"zero_streak"`
	ZeroStreakLimit int          `json:"zero_streak_limit"`
	NonZeroSeen     bool         `json:"non_zero_seen"`
	Transitioned    bool         `json:"transitioned"`
}

// NewAssessment creates an empty assessment. A non-positive limit selects the default.
func NewAssessment(zeroStreakLimit int) *Assessment {
	if zeroStreakLimit <= 0 {
		zeroStreakLimit = DefaultZeroStreakLimit
	}
	return &Assessment{ZeroStreakLimit: zeroStreakLimit}
}

// Apply folds one evaluation into the assessment and reports whether the override fires:
// the streak of zero-confidence evaluations has reached the limit after at least one
// non-zero evaluation. The override never fires once the session has transitioned.
func (a *Assessment) Apply(scores proto.Scores) bool {
	a.Evaluations = append(a.Evaluations, Evaluation{At: time.Now().UTC().Round(0), Scores: scores})
	a.QuestionCount++

	a.Pillars.Adaptability = max(a.Pillars.Adaptability, scores.Adaptability)
	a.Pillars.Creativity = max(a.Pillars.Creativity, scores.Creativity)
	a.Pillars.Reasoning = max(a.Pillars.Reasoning, scores.Reasoning)
	a.Confidence = a.Pillars.Mean()

	if scores.Mean() > 0 {
		a.NonZeroSeen = true
		a.ZeroStreak = 0
	} else if a.NonZeroSeen {
		a.ZeroStreak++
	}

	return !a.Transitioned && a.NonZeroSeen && a.ZeroStreak >= a.ZeroStreakLimit
}

// MarkTransitioned records that the background stage has been left. It is one-way.
func (a *Assessment) MarkTransitioned() {
	a.Transitioned = true
}

// Rationales returns the overall rationale of every evaluation, oldest first.
func (a *Assessment) Rationales() []string {
	out := make([]string, 0, len(a.Evaluations))
	for i := range a.Evaluations {
		out = append(out, a.Evaluations[i].Scores.Rationale)
	}
	return out
}
