// Package metrics records orchestrator and model-call metrics and queries them back from Prometheus.
package metrics

import (
	"context"
	"time"

	"interviewer/pkg/proto"
)

// Recorder receives orchestration and model-call observations.
type Recorder interface {
	// ObserveLLMRequest records one model call. purpose is conversation, evaluator, paste or
	// accountability.
	ObserveLLMRequest(model, purpose, sessionID string, promptTokens, completionTokens int,
		success bool, errorType string, duration time.Duration)

	IncStageTransition(from, to proto.Stage)
	IncDiscardedReply(marker string)
	IncPolicyViolation(kind string)
	ObserveEvaluation(status string, duration time.Duration)
	IncForcedCoding(cause string)
	IncPasteEvaluation(trigger string)
	SetActiveSessions(n int)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

func (NoopRecorder) ObserveLLMRequest(_, _, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}
func (NoopRecorder) IncStageTransition(_, _ proto.Stage)                                           {}
func (NoopRecorder) IncDiscardedReply(_ string)                                                     {}
func (NoopRecorder) IncPolicyViolation(_ string)                                                    {}
func (NoopRecorder) ObserveEvaluation(_ string, _ time.Duration)                                    {}
func (NoopRecorder) IncForcedCoding(_ string)                                                       {}
func (NoopRecorder) IncPasteEvaluation(_ string)                                                    {}
func (NoopRecorder) SetActiveSessions(_ int)                                                        {}

type ctxKey int

const (
	sessionKey ctxKey = iota
	purposeKey
)

// WithSession tags ctx so model-call metrics are attributed to a session.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithPurpose tags ctx with the reason a model is being called.
func WithPurpose(ctx context.Context, purpose string) context.Context {
	return context.WithValue(ctx, purposeKey, purpose)
}

func sessionFrom(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey).(string); ok {
		return v
	}
	return ""
}

func purposeFrom(ctx context.Context) string {
	if v, ok := ctx.Value(purposeKey).(string); ok {
		return v
	}
	return "unknown"
}
