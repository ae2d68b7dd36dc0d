package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"interviewer/pkg/llm"
	"interviewer/pkg/llm/llmerrors"
)

// RetryConfig defines exponential backoff behavior.
type RetryConfig struct {
	MaxAttempts   int           // including the first attempt
	InitialDelay  time.Duration // delay before the second attempt
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig is used when configuration leaves retry unset.
//
//nolint:gochecknoglobals // package default
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  250 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Delay computes the wait before the given attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-2)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && delay > 0 {
		// +/-10%
		delay += time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1)) //nolint:gosec // jitter only
	}
	return delay
}

// Retryable reports whether err is worth another attempt. Caller cancellation never is.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var llmErr *llmerrors.Error
	if errors.As(llmerrors.Classify(err), &llmErr) {
		return llmErr.IsRetryable()
	}
	return false
}

// Retry retries retryable failures with exponential backoff. When attempts run out on a
// retryable error the result is a ServiceUnavailable error.
func Retry(cfg RetryConfig) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if cfg.MaxAttempts <= 1 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error
				for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
					if delay := cfg.Delay(attempt); delay > 0 {
						select {
						case <-ctx.Done():
							return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
						case <-time.After(delay):
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err
					if !Retryable(err) {
						return llm.CompletionResponse{}, err //nolint:wrapcheck // pass-through
					}
				}
				return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, cfg.MaxAttempts)
			},
			next.GetModelName,
		)
	}
}
