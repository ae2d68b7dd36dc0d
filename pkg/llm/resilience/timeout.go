// Package resilience provides timeout, retry and circuit-breaker middleware for LLM clients.
package resilience

import (
	"context"
	"time"

	"interviewer/pkg/llm"
	"interviewer/pkg/llm/llmerrors"
)

// Timeout bounds each Complete call. A call that exceeds the bound fails with a transient
// error; the underlying request is abandoned through context cancellation.
func Timeout(d time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if d <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, d)
				defer cancel()

				resp, err := next.Complete(timeoutCtx, req)
				if err != nil && timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(
						llmerrors.ErrorTypeTransient, err, "timed out after "+d.String())
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}
