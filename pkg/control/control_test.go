package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/internal/mocks"
	"interviewer/pkg/faults"
	"interviewer/pkg/llm"
	"interviewer/pkg/llm/llmerrors"
	"interviewer/pkg/prompts"
	"interviewer/pkg/proto"
)

func scores(a, c, r float64) proto.Scores {
	return proto.Scores{Adaptability: a, Creativity: c, Reasoning: r}
}

func TestAssessmentKeepsBestPerPillar(t *testing.T) {
	a := NewAssessment(0)
	a.Apply(scores(90, 0, 60))
	a.Apply(scores(30, 80, 100))

	assert.Equal(t, Pillars{Adaptability: 90, Creativity: 80, Reasoning: 100}, a.Pillars)
	assert.InDelta(t, 90.0, a.Confidence, 1e-9)
	assert.Equal(t, 2, a.QuestionCount)
}

func TestOverrideRequiresPriorNonZero(t *testing.T) {
	a := NewAssessment(2)
	assert.False(t, a.Apply(scores(0, 0, 0)))
	assert.False(t, a.Apply(scores(0, 0, 0)))
	assert.False(t, a.Apply(scores(0, 0, 0)), "zeros before any evidence never force coding")
	assert.Equal(t, 0, a.ZeroStreak)

	assert.False(t, a.Apply(scores(40, 0, 0)))
	assert.False(t, a.Apply(scores(0, 0, 0)))
	assert.True(t, a.Apply(scores(0, 0, 0)))
}

func TestNonZeroResetsStreak(t *testing.T) {
	a := NewAssessment(2)
	a.Apply(scores(10, 10, 10))
	a.Apply(scores(0, 0, 0))
	a.Apply(scores(5, 0, 0))
	assert.False(t, a.Apply(scores(0, 0, 0)))
	assert.Equal(t, 1, a.ZeroStreak)
}

func TestOverrideSilentAfterTransition(t *testing.T) {
	a := NewAssessment(2)
	a.Apply(scores(10, 10, 10))
	a.MarkTransitioned()
	a.Apply(scores(0, 0, 0))
	assert.False(t, a.Apply(scores(0, 0, 0)))
	assert.True(t, a.Transitioned)
}

func TestAssessmentSnapshotRoundTrip(t *testing.T) {
	a := NewAssessment(3)
	s := scores(70, 20, 0)
	s.Rationale = "explained the cache invalidation trade-off"
	s.PillarRationale = map[string]string{"adaptability": "switched to write-through", "creativity": "bloom filter idea"}
	a.Apply(s)
	a.Apply(scores(0, 0, 0))
	a.MarkTransitioned()

	data, err := json.Marshal(a)
	require.NoError(t, err)
	var back Assessment
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *a, back)
}

func TestParseScores(t *testing.T) {
	valid := `{"adaptability": 80, "creativity": 0, "reasoning": 65, "rationale": "solid",
		"pillar_rationale": {"adaptability": "re-planned", "reasoning": "weighed cost"}}`
	got, err := ParseScores("```json\n" + valid + "\n```")
	require.NoError(t, err)
	assert.InDelta(t, 80.0, got.Adaptability, 0)
	assert.InDelta(t, 0.0, got.Creativity, 0)
	assert.Equal(t, "solid", got.Rationale)

	bad := map[string]string{
		"missing pillar":          `{"adaptability": 0, "creativity": 0, "rationale": "x"}`,
		"out of range":            `{"adaptability": 120, "creativity": 0, "reasoning": 0, "pillar_rationale": {"adaptability": "x"}}`,
		"non-zero, no rationale":  `{"adaptability": 0, "creativity": 40, "reasoning": 0}`,
		"not json":                `the candidate did great`,
		"wrong type":              `{"adaptability": "high", "creativity": 0, "reasoning": 0}`,
		"null counts as missing":  `{"adaptability": null, "creativity": 0, "reasoning": 0}`,
	}
	for name, text := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScores(text)
			require.Error(t, err)
			assert.True(t, faults.Is(err, faults.KindEvaluatorMalformed), "got %v", err)
		})
	}
}

func newEvaluator(t *testing.T, client llm.LLMClient, timeout time.Duration) *LLMEvaluator {
	t.Helper()
	r, err := prompts.NewRenderer()
	require.NoError(t, err)
	return NewLLMEvaluator(client, r, Options{Company: "Acme", Role: "SRE", Timeout: timeout})
}

func TestEvaluateScoresOnlyLastAnswer(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith(`{"adaptability": 0, "creativity": 0, "reasoning": 50, "rationale": "r",
		"pillar_rationale": {"reasoning": "compared queues"}}`)
	e := newEvaluator(t, client, time.Second)

	history := []proto.TurnRecord{
		{Speaker: proto.SpeakerAssistant, Text: "Tell me about your last outage."},
		{Speaker: proto.SpeakerUser, Text: "We lost a region."},
		{Speaker: proto.SpeakerAssistant, Text: "hidden", Tag: "background_followup_discarded"},
	}
	got, err := e.Evaluate(context.Background(), Request{
		History:      history,
		LastQuestion: "What did you change afterwards?",
		LastAnswer:   "We moved to a queue with retries.",
	})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.Reasoning, 0)

	calls := client.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, llm.RoleSystem, calls[0].Messages[0].Role)
	user := calls[0].Messages[1].Content
	assert.Contains(t, user, "We moved to a queue with retries.")
	assert.Contains(t, user, "We lost a region.")
	assert.NotContains(t, user, "hidden", "discarded turns are never context")
	assert.InDelta(t, float64(llm.TemperatureScoring), float64(calls[0].Temperature), 0)
}

func TestEvaluateTimeoutIsTransient(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.BlockUntil(make(chan struct{}), "never")
	e := newEvaluator(t, client, 20*time.Millisecond)

	_, err := e.Evaluate(context.Background(), Request{LastQuestion: "q", LastAnswer: "a"})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTransientNetwork))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEvaluateMalformedIsNotZero(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith(`{"creativity": 10}`)
	e := newEvaluator(t, client, time.Second)

	got, err := e.Evaluate(context.Background(), Request{LastQuestion: "q", LastAnswer: "a"})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindEvaluatorMalformed))
	assert.Equal(t, proto.Scores{}, got)
}

func TestEvaluateEmptyReply(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.FailCompleteWith(llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty"))
	e := newEvaluator(t, client, time.Second)

	_, err := e.Evaluate(context.Background(), Request{LastQuestion: "q", LastAnswer: "a"})
	assert.True(t, faults.Is(err, faults.KindEvaluatorMalformed))
}

func TestControlLeak(t *testing.T) {
	assert.True(t, ContainsControlLeak(`Great answer! [[CONTROL {"confidence": 80}]]`))
	assert.True(t, ContainsControlLeak(`Thanks. [[PASTE_CONTROL {"ready": true}]]`))
	assert.False(t, ContainsControlLeak("What would you change about the design?"))

	assert.Equal(t, "Great answer!", StripControl(`Great answer! [[CONTROL {"confidence": 80}]]`))
	assert.Equal(t, "Thanks.", StripControl(`Thanks. [[PASTE_CONTROL {"ready": tr`))
}
