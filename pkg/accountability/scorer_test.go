package accountability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/internal/mocks"
	"interviewer/pkg/faults"
	"interviewer/pkg/llm/llmerrors"
	"interviewer/pkg/prompts"
)

func newScorer(t *testing.T) (*LLMScorer, *mocks.MockLLMClient) {
	t.Helper()
	r, err := prompts.NewRenderer()
	require.NoError(t, err)
	client := mocks.NewMockLLMClient()
	return NewLLMScorer(client, r), client
}

func TestScoreSendsWholeSubDialogue(t *testing.T) {
	s, client := newScorer(t)
	client.RespondWith(`{"understanding": 72, "accountability_score": 65, "reasoning": "knew the loop", "caption": "Mostly understood"}`)

	got, err := s.Score(context.Background(), Input{
		PastedContent: "for i := range xs { sum += xs[i] }",
		Task:          "Sum a slice",
		Questions:     []string{"What does the loop accumulate?", "What if xs is nil?"},
		Answers:       []string{"The total", "It stays zero"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 72.0, got.Understanding, 0)
	assert.Equal(t, "Mostly understood", got.Caption)

	calls := client.Calls()
	require.Len(t, calls, 1)
	user := calls[0].Messages[1].Content
	assert.Contains(t, user, "1. What does the loop accumulate?")
	assert.Contains(t, user, "2. It stays zero")
	assert.Contains(t, user, "sum += xs[i]")
	assert.Contains(t, calls[0].Messages[0].Content, "Sum a slice")
}

func TestParseRejectsMissingFields(t *testing.T) {
	for _, text := range []string{
		`{"understanding": 50, "reasoning": "r", "caption": "c"}`,
		`{"understanding": 50, "accountability_score": 50, "caption": "c"}`,
		`{"understanding": 150, "accountability_score": 50, "reasoning": "r", "caption": "c"}`,
		`nope`,
	} {
		_, err := Parse(text)
		require.Error(t, err, text)
		assert.True(t, faults.Is(err, faults.KindEvaluatorMalformed), text)
	}
}

func TestScoreTransportFailure(t *testing.T) {
	s, client := newScorer(t)
	client.FailCompleteWith(llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"))
	_, err := s.Score(context.Background(), Input{PastedContent: "x"})
	assert.True(t, faults.Is(err, faults.KindTransientNetwork))
}
