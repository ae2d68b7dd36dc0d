package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"interviewer/pkg/llm/llmerrors"
)

func TestFatalKinds(t *testing.T) {
	assert.True(t, IsFatal(Desync("aiFinal", "no pending reply")))
	assert.True(t, IsFatal(Missing("script", "coding_challenge")))
	assert.False(t, IsFatal(Malformed("evaluate", "missing reasoning")))
	assert.False(t, IsFatal(Violation("paste", "question after cap")))
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("handling event: %w", Desync("aiFinal", "reply %s unexpected", "r-1"))
	assert.Equal(t, KindProtocolDesync, KindOf(err))
	assert.True(t, Is(err, KindProtocolDesync))
	assert.Contains(t, err.Error(), "reply r-1 unexpected")
}

func TestMissingNamesField(t *testing.T) {
	err := Missing("script.load", "background_question")
	assert.Equal(t, `script.load: required field "background_question" is missing (configuration_missing)`, err.Error())
}

func TestFromLLM(t *testing.T) {
	assert.NoError(t, FromLLM("op", nil))

	empty := llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "nothing")
	assert.Equal(t, KindEvaluatorMalformed, KindOf(FromLLM("evaluate", empty)))

	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "reset")
	err := FromLLM("evaluate", transient)
	assert.Equal(t, KindTransientNetwork, KindOf(err))
	assert.True(t, errors.Is(err, transient))

	already := Malformed("evaluate", "bad json")
	assert.Same(t, already, FromLLM("other", already))
}
