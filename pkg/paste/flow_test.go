package paste

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interviewer/pkg/faults"
	"interviewer/pkg/llm"
	"interviewer/pkg/proto"
	"interviewer/pkg/prompts"
)

const snippet = "func add(a, b int) int { return a + b }"

func openFlow(t *testing.T) *Flow {
	t.Helper()
	r, err := prompts.NewRenderer()
	require.NoError(t, err)
	f, err := Open("p1", snippet, "Acme", "Backend Engineer", Policy{MinConfidence: 70, MaxAnswers: 3, MaxCorrections: 1}, r)
	require.NoError(t, err)
	return f
}

func scored(text string, confidence int) string {
	return text + "\n[[PASTE_CONTROL {\"confidence\": " + itoa(confidence) + ", \"ready\": false}]]"
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// askFirst runs the opening question so the flow accepts answers.
func askFirst(t *testing.T, f *Flow) {
	t.Helper()
	req, err := f.Begin()
	require.NoError(t, err)
	assert.Equal(t, proto.ReasonPasteQuestion, req.Reason)
	out, err := f.HandleReply(req.ReplyID, "What does add return?")
	require.NoError(t, err)
	assert.Equal(t, "What does add return?", out.Show)
}

func TestAnswerCapForcesReadinessAndScoresOnce(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)

	req, score, err := f.Answer("the sum")
	require.NoError(t, err)
	assert.False(t, score)
	out, err := f.HandleReply(req.ReplyID, scored("Right. What about overflow?", 40))
	require.NoError(t, err)
	assert.Equal(t, "Right. What about overflow?", out.Show)
	assert.False(t, out.Score)
	assert.False(t, f.Ready())

	req, score, err = f.Answer("it wraps")
	require.NoError(t, err)
	assert.False(t, score)
	out, err = f.HandleReply(req.ReplyID, scored("Good. Why int?", 55))
	require.NoError(t, err)
	assert.False(t, out.Score)
	assert.InDelta(t, 55.0, f.Snapshot().Confidence, 0)

	req, score, err = f.Answer("simplicity")
	require.NoError(t, err)
	assert.True(t, score, "third answer must trigger scoring")
	assert.True(t, f.Ready())

	out, err = f.HandleReply(req.ReplyID, scored("Thanks for walking me through it.", 60))
	require.NoError(t, err)
	assert.False(t, out.Score, "scoring must only be requested once")

	ev := f.Snapshot()
	assert.Equal(t, 3, ev.AnswerCount)
	assert.Equal(t, TriggerAnswerCap, ev.Trigger)
	assert.True(t, ev.ReadyToEvaluate)

	next, score, err := f.Answer("one more thing")
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.False(t, score)
	assert.Equal(t, 3, f.Snapshot().AnswerCount)
}

func TestConfidenceTriggersReadiness(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)

	req, _, err := f.Answer("it adds two ints")
	require.NoError(t, err)
	out, err := f.HandleReply(req.ReplyID, scored("Clear, thank you.", 85))
	require.NoError(t, err)
	assert.True(t, out.Score)
	assert.Equal(t, TriggerConfidence, f.Snapshot().Trigger)
	assert.False(t, f.AcceptsAnswers())
}

func TestQuestionAfterFinalAnswerIsDropped(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)
	for _, a := range []string{"a", "b"} {
		req, _, err := f.Answer(a)
		require.NoError(t, err)
		_, err = f.HandleReply(req.ReplyID, scored("Ok. Next?", 10))
		require.NoError(t, err)
	}
	req, score, err := f.Answer("c")
	require.NoError(t, err)
	require.True(t, score)

	out, err := f.HandleReply(req.ReplyID, scored("And what would you test?", 20))
	require.NoError(t, err)
	assert.True(t, out.Violation)
	assert.Empty(t, out.Show)

	require.NotNil(t, out.Retry, "the correction must be sent to the model")
	assert.Equal(t, proto.ReasonPasteScore, out.Retry.Reason)
	assert.Contains(t, out.Retry.Messages[len(out.Retry.Messages)-1].Content, "was not shown")

	ctx := f.Context()
	for _, m := range ctx {
		assert.NotContains(t, m.Content, "what would you test", "dropped message must not enter context")
	}

	out, err = f.HandleReply(out.Retry.ReplyID, scored("Thanks for walking me through it.", 30))
	require.NoError(t, err)
	assert.False(t, out.Violation)
	assert.False(t, out.Score, "scoring must only be requested once")
	assert.Equal(t, "Thanks for walking me through it.", out.Show)
}

func TestCapCorrectionIsSentOnce(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)
	for _, a := range []string{"a", "b"} {
		req, _, err := f.Answer(a)
		require.NoError(t, err)
		_, err = f.HandleReply(req.ReplyID, scored("Ok. Next?", 10))
		require.NoError(t, err)
	}
	req, _, err := f.Answer("c")
	require.NoError(t, err)

	out, err := f.HandleReply(req.ReplyID, scored("What else?", 20))
	require.NoError(t, err)
	require.NotNil(t, out.Retry)

	out, err = f.HandleReply(out.Retry.ReplyID, scored("Still, what would you test?", 20))
	require.NoError(t, err)
	assert.True(t, out.Violation)
	assert.Nil(t, out.Retry, "a second violation is dropped without another correction")
	assert.Empty(t, out.Show)
}

func TestContextIsIsolatedFromMainDialogue(t *testing.T) {
	f := openFlow(t)
	req, err := f.Begin()
	require.NoError(t, err)

	require.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, snippet)
	for _, m := range req.Messages {
		assert.NotContains(t, m.Content, "background")
	}
	assert.Len(t, req.Messages, 2)
}

func TestMalformedMarkerIsCorrectedThenAccepted(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)

	req, _, err := f.Answer("sum")
	require.NoError(t, err)
	out, err := f.HandleReply(req.ReplyID, "Nice, and overflow?")
	require.NoError(t, err)
	require.NotNil(t, out.Retry)
	assert.Empty(t, out.Show)
	assert.Contains(t, out.Retry.Messages[len(out.Retry.Messages)-1].Content, "control marker")

	out, err = f.HandleReply(out.Retry.ReplyID, "Nice, and overflow?")
	require.NoError(t, err)
	assert.Nil(t, out.Retry, "correction budget is exhausted")
	assert.Equal(t, "Nice, and overflow?", out.Show)
	assert.InDelta(t, 0.0, f.Snapshot().Confidence, 0)
}

func TestLateReplyAfterForceCompleteIsDiscarded(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)
	req, _, err := f.Answer("sum")
	require.NoError(t, err)

	score, err := f.ForceComplete(TriggerForced)
	require.NoError(t, err)
	assert.True(t, score)

	out, err := f.HandleReply(req.ReplyID, scored("late", 90))
	require.NoError(t, err)
	require.NotNil(t, out.Discarded)
	assert.Equal(t, "paste_score_discarded", out.Discarded.Marker())
	assert.Empty(t, out.Show)
}

func TestForceCompleteWithoutAnswersAbandons(t *testing.T) {
	f := openFlow(t)
	_, err := f.Begin()
	require.NoError(t, err)
	score, err := f.ForceComplete(TriggerForced)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.False(t, score)
	assert.True(t, f.Closed())
}

func TestUnexpectedReplyIsDesync(t *testing.T) {
	f := openFlow(t)
	_, err := f.HandleReply("nope", "hello")
	assert.True(t, faults.Is(err, faults.KindProtocolDesync))
}

func TestFailureRetriesThenForcesReady(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)
	req, _, err := f.Answer("sum")
	require.NoError(t, err)

	out, err := f.HandleFailure(req.ReplyID, errors.New("timeout"))
	require.NoError(t, err)
	require.NotNil(t, out.Retry)

	out, err = f.HandleFailure(out.Retry.ReplyID, errors.New("timeout"))
	require.NoError(t, err)
	assert.True(t, out.Score)
	assert.Equal(t, TriggerReplyFailed, f.Snapshot().Trigger)
}

func TestSpeechWhileReplyPendingFoldsIntoAnswer(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)
	_, _, err := f.Answer("the sum")
	require.NoError(t, err)
	req, _, err := f.Answer("of both ints")
	require.NoError(t, err)
	assert.Nil(t, req)
	ev := f.Snapshot()
	assert.Equal(t, 1, ev.AnswerCount)
	assert.Equal(t, "the sum\nof both ints", ev.Answers[0])
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := openFlow(t)
	askFirst(t, f)
	req, _, err := f.Answer("sum")
	require.NoError(t, err)
	_, err = f.HandleReply(req.ReplyID, scored("Ok.", 75))
	require.NoError(t, err)

	ev := f.Close()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var back Evaluation
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, ev, back)
	assert.True(t, strings.Contains(string(raw), `"ready_to_evaluate":true`))
}

func TestParseMarker(t *testing.T) {
	m, body, err := ParseMarker("Fine.\n[[PASTE_CONTROL {\"confidence\": 64, \"ready\": true}]]")
	require.NoError(t, err)
	assert.Equal(t, "Fine.", body)
	assert.InDelta(t, 64.0, m.Confidence, 0)
	assert.True(t, m.Ready)

	for _, bad := range []string{
		"no marker",
		`[[PASTE_CONTROL {"ready": true}]]`,
		`[[PASTE_CONTROL {"confidence": 50}]]`,
		`[[PASTE_CONTROL {"confidence": 101, "ready": false}]]`,
		`[[PASTE_CONTROL {confidence: 5}]]`,
	} {
		_, _, err := ParseMarker(bad)
		assert.True(t, faults.Is(err, faults.KindEvaluatorMalformed), bad)
	}
}
