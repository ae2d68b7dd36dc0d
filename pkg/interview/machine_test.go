package interview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/pkg/arbiter"
	"interviewer/pkg/control"
	"interviewer/pkg/faults"
	"interviewer/pkg/gate"
	"interviewer/pkg/proto"
)

func newMachine(t *testing.T, policy gate.Policy) (*Machine, *arbiter.Arbiter, *control.Assessment) {
	t.Helper()
	replies := arbiter.New("test")
	assessment := control.NewAssessment(2)
	return NewMachine("test", replies, assessment, policy, nil), replies, assessment
}

// toAnswered drives the machine to background_answered with a follow-up pending.
func toAnswered(t *testing.T, m *Machine, replies *arbiter.Arbiter) arbiter.Pending {
	t.Helper()
	require.NoError(t, m.Start())
	_, err := m.UserFinal()
	require.NoError(t, err)
	p, err := replies.BeginPending(proto.ReasonBackgroundQuestion, m.Stage())
	require.NoError(t, err)
	_, err = m.AIFinal(p.ID)
	require.NoError(t, err)
	changed, err := m.UserFinal()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, proto.StageBackgroundAnswered, m.Stage())
	p, err = replies.BeginPending(proto.ReasonBackgroundFollowup, m.Stage())
	require.NoError(t, err)
	return p
}

func TestTransitionTableNeverGoesBack(t *testing.T) {
	for from, targets := range ValidTransitions {
		for _, to := range targets {
			assert.GreaterOrEqual(t, to.Phase(), from.Phase(), "%s → %s", from, to)
		}
	}
	for _, s := range proto.AllStages() {
		_, ok := ValidTransitions[s]
		assert.True(t, ok, "stage %s missing from table", s)
	}
	assert.Empty(t, ValidTransitions[proto.StageConcluded])
}

func TestBackgroundLoopHoldsBelowMinimum(t *testing.T) {
	m, replies, _ := newMachine(t, gate.DefaultPolicy)
	p := toAnswered(t, m, replies)

	res, err := m.AIFinal(p.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.Equal(t, gate.ReasonMinQuestionsNotMet, res.Decision.Reason)
	assert.True(t, res.Display)
	assert.Equal(t, proto.StageBackgroundFollowupPending, m.Stage())

	changed, err := m.UserFinal()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, proto.StageBackgroundAnswered, m.Stage())
}

func TestGateAdvanceSuppressesFollowup(t *testing.T) {
	m, replies, assessment := newMachine(t, gate.Policy{MinQuestions: 1, Threshold: 50})
	p := toAnswered(t, m, replies)
	assessment.Apply(proto.Scores{Adaptability: 80, Creativity: 80, Reasoning: 80})

	res, err := m.AIFinal(p.ID)
	require.NoError(t, err)
	assert.False(t, res.Display)
	assert.Equal(t, proto.StageBackgroundAnswered, res.From)
	assert.Equal(t, proto.StageCodingSession, res.To)
	assert.True(t, assessment.Transitioned)
	assert.False(t, replies.Active())
}

func TestAIFinalWithoutPendingIsDesync(t *testing.T) {
	m, _, _ := newMachine(t, gate.DefaultPolicy)
	require.NoError(t, m.Start())

	_, err := m.AIFinal("r-1")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindProtocolDesync))
	assert.True(t, faults.IsFatal(err))
}

func TestAIFinalWithWrongIDIsDesync(t *testing.T) {
	m, replies, _ := newMachine(t, gate.DefaultPolicy)
	require.NoError(t, m.Start())
	_, err := replies.BeginPending(proto.ReasonGreeting, m.Stage())
	require.NoError(t, err)

	_, err = m.AIFinal("not-it")
	assert.True(t, faults.Is(err, faults.KindProtocolDesync))
	assert.True(t, replies.Active(), "a mismatched reply must not complete the pending one")
}

func TestUserFinalBeforeStartIsDesync(t *testing.T) {
	m, _, _ := newMachine(t, gate.DefaultPolicy)
	_, err := m.UserFinal()
	assert.True(t, faults.Is(err, faults.KindProtocolDesync))
}

func TestForceCodingIsIdempotent(t *testing.T) {
	m, replies, assessment := newMachine(t, gate.DefaultPolicy)
	p := toAnswered(t, m, replies)

	changed, cancelled, err := m.ForceCoding("zero_streak")
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, cancelled)
	assert.Equal(t, p.ID, cancelled.ID)
	assert.True(t, assessment.Transitioned)

	res := replies.Resolve(p.ID)
	assert.Equal(t, arbiter.Discarded, res.Outcome)
	assert.Equal(t, "background_followup_discarded", res.Pending.Marker())

	changed, cancelled, err = m.ForceCoding("zero_streak")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, cancelled)
	assert.Equal(t, proto.StageCodingSession, m.Stage())
	assert.Len(t, m.History(), 5)
}

func TestForceCodingOutsideBackground(t *testing.T) {
	m, _, _ := newMachine(t, gate.DefaultPolicy)
	require.NoError(t, m.Start())
	_, _, err := m.ForceCoding("zero_streak")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, proto.StageGreeting, m.Stage())
}

func TestLateFollowupInCodingIsNotDisplayed(t *testing.T) {
	m, replies, _ := newMachine(t, gate.DefaultPolicy)
	toAnswered(t, m, replies)
	replies.Complete()
	_, _, err := m.ForceCoding("zero_streak")
	require.NoError(t, err)

	p, err := replies.BeginPending(proto.ReasonBackgroundFollowup, m.Stage())
	require.NoError(t, err)
	res, err := m.AIFinal(p.ID)
	require.NoError(t, err)
	assert.False(t, res.Display)
	assert.Equal(t, proto.StageCodingSession, m.Stage())
}

func TestConclusionEndsInterview(t *testing.T) {
	m, replies, _ := newMachine(t, gate.DefaultPolicy)
	require.NoError(t, m.Start())
	p, err := replies.BeginPending(proto.ReasonConclusion, m.Stage())
	require.NoError(t, err)

	res, err := m.AIFinal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StageConcluded, res.To)

	require.NoError(t, m.Conclude("again"))
	changed, err := m.UserFinal()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, proto.StageConcluded, m.Stage())

	var last proto.Phase
	for _, tr := range m.History() {
		assert.GreaterOrEqual(t, tr.To.Phase(), last)
		last = tr.To.Phase()
	}
}
