package metrics

import (
	"context"
	"time"

	"interviewer/pkg/llm"
	"interviewer/pkg/llm/llmerrors"
	"interviewer/pkg/logx"
	"interviewer/pkg/tokens"
)

// usage prefers provider-reported token counts and falls back to tiktoken estimates.
func usage(req llm.CompletionRequest, resp llm.CompletionResponse) (prompt, completion int) {
	if resp.InputTokens > 0 || resp.OutputTokens > 0 {
		return resp.InputTokens, resp.OutputTokens
	}
	counter := tokens.Default()
	for i := range req.Messages {
		prompt += counter.Count(req.Messages[i].Content)
	}
	return prompt, counter.Count(resp.Content)
}

// Middleware records latency, token usage and outcome of every Complete call. The session and
// purpose labels come from the request context (see WithSession and WithPurpose).
func Middleware(recorder Recorder, logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				errorType := ""
				if err == nil {
					promptTokens, completionTokens = usage(req, resp)
				} else {
					errorType = llmerrors.TypeOf(err).String()
				}

				model := next.GetModelName()
				purpose := purposeFrom(ctx)
				sessionID := sessionFrom(ctx)
				recorder.ObserveLLMRequest(model, purpose, sessionID, promptTokens, completionTokens,
					err == nil, errorType, duration)

				if logger != nil {
					logger.Debug("🎯 LLM request: model=%s purpose=%s session=%s tokens=%d+%d ok=%t duration=%dms",
						model, purpose, sessionID, promptTokens, completionTokens, err == nil, duration.Milliseconds())
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}
