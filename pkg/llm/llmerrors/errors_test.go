package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorType
	}{
		{context.DeadlineExceeded, ErrorTypeTransient},
		{errors.New("POST /v1/messages: 429 Too Many Requests"), ErrorTypeRateLimit},
		{errors.New("401 Unauthorized: invalid x-api-key"), ErrorTypeAuth},
		{errors.New("529 overloaded_error"), ErrorTypeTransient},
		{errors.New("something odd"), ErrorTypeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TypeOf(Classify(tt.err)), tt.err.Error())
	}
}

func TestClassifyKeepsExistingType(t *testing.T) {
	orig := NewError(ErrorTypeEmptyResponse, "no text blocks")
	wrapped := fmt.Errorf("anthropic: %w", orig)
	assert.Same(t, wrapped, Classify(wrapped))
	assert.True(t, Is(wrapped, ErrorTypeEmptyResponse))
}

func TestRetryable(t *testing.T) {
	assert.True(t, NewError(ErrorTypeRateLimit, "").IsRetryable())
	assert.False(t, NewError(ErrorTypeAuth, "").IsRetryable())
	assert.False(t, NewServiceUnavailableError(errors.New("x"), 3).IsRetryable())
}
