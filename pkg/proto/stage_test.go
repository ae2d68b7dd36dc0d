package proto

import "testing"

func TestStagePhasesAreOrdered(t *testing.T) {
	stages := AllStages()
	for i := 1; i < len(stages); i++ {
		if stages[i].Phase() < stages[i-1].Phase() {
			t.Errorf("%s (phase %d) listed after %s (phase %d)",
				stages[i], stages[i].Phase(), stages[i-1], stages[i-1].Phase())
		}
	}
}

func TestBackgroundStages(t *testing.T) {
	background := map[Stage]bool{
		StageBackgroundQuestionPending: true,
		StageBackgroundAnswered:        true,
		StageBackgroundFollowupPending: true,
	}
	for _, s := range AllStages() {
		if s.IsBackground() != background[s] {
			t.Errorf("%s: IsBackground=%v", s, s.IsBackground())
		}
	}
	if !StageConcluded.IsTerminal() || StageCodingSession.IsTerminal() {
		t.Error("only concluded is terminal")
	}
}

func TestDiscardMarker(t *testing.T) {
	if got := ReasonBackgroundFollowup.DiscardMarker(); got != "background_followup_discarded" {
		t.Errorf("unexpected marker %q", got)
	}
}

func TestScoresMean(t *testing.T) {
	s := Scores{Adaptability: 90, Creativity: 60, Reasoning: 30}
	if s.Mean() != 60 {
		t.Errorf("expected mean 60, got %v", s.Mean())
	}
}
