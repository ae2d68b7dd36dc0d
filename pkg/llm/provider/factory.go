// Package provider builds LLM clients with their middleware chains from configuration.
package provider

import (
	"fmt"
	"sync"
	"time"

	"interviewer/pkg/config"
	"interviewer/pkg/limiter"
	"interviewer/pkg/llm"
	"interviewer/pkg/llm/internal/llmimpl/anthropic"
	"interviewer/pkg/llm/internal/llmimpl/google"
	"interviewer/pkg/llm/internal/llmimpl/ollama"
	"interviewer/pkg/llm/internal/llmimpl/openaiofficial"
	"interviewer/pkg/llm/resilience"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
)

// Purpose selects the configured model and middleware profile for a client.
type Purpose string

const (
	PurposeConversation   Purpose = "conversation"
	PurposeEvaluator      Purpose = "evaluator"
	PurposePaste          Purpose = "paste"
	PurposeAccountability Purpose = "accountability"
)

// scoring purposes are never retried by middleware; retry policy belongs to the session.
func (p Purpose) scoring() bool {
	return p == PurposeEvaluator || p == PurposeAccountability
}

// Factory creates LLM clients. Circuit breakers are shared per provider.
type Factory struct {
	recorder metrics.Recorder
	limiter  *limiter.Limiter
	logger   *logx.Logger
	breakers map[string]*resilience.Breaker
	cfg      config.Config
	mu       sync.Mutex
}

// NewFactory creates a factory. A nil recorder disables metrics.
func NewFactory(cfg config.Config, recorder metrics.Recorder) *Factory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Factory{
		cfg:      cfg,
		recorder: recorder,
		logger:   logx.NewLogger("llm"),
		breakers: make(map[string]*resilience.Breaker),
	}
}

// WithLimiter makes every client wait for token budget before calling the provider.
func (f *Factory) WithLimiter(l *limiter.Limiter) *Factory {
	f.limiter = l
	return f
}

func (f *Factory) limit() llm.Middleware {
	if f.limiter == nil {
		return func(next llm.LLMClient) llm.LLMClient { return next }
	}
	return f.limiter.Middleware()
}

// ModelFor returns the configured model name for purpose.
func (f *Factory) ModelFor(purpose Purpose) (string, error) {
	switch purpose {
	case PurposeConversation:
		return f.cfg.Models.Conversation, nil
	case PurposeEvaluator:
		return f.cfg.Models.Evaluator, nil
	case PurposePaste:
		return f.cfg.Models.Paste, nil
	case PurposeAccountability:
		return f.cfg.Models.Accountability, nil
	default:
		return "", fmt.Errorf("unsupported client purpose: %s", purpose)
	}
}

// Create builds the client for purpose with the full middleware chain:
// Metrics -> Limiter -> CircuitBreaker -> Retry -> Timeout -> RawClient.
// Scoring purposes get Metrics -> Limiter -> Timeout only, bounded by the evaluator timeout.
func (f *Factory) Create(purpose Purpose) (llm.LLMClient, error) {
	model, err := f.ModelFor(purpose)
	if err != nil {
		return nil, err
	}
	raw, providerName, err := f.raw(model)
	if err != nil {
		return nil, err
	}

	if purpose.scoring() {
		return llm.Chain(raw,
			metrics.Middleware(f.recorder, f.logger),
			f.limit(),
			resilience.Timeout(f.cfg.Interview.EvaluatorTimeout()),
		), nil
	}

	r := f.cfg.Resilience
	return llm.Chain(raw,
		metrics.Middleware(f.recorder, f.logger),
		f.limit(),
		resilience.Circuit(f.breaker(providerName)),
		resilience.Retry(resilience.RetryConfig{
			MaxAttempts:   r.Retry.MaxAttempts,
			InitialDelay:  time.Duration(r.Retry.InitialDelayMS) * time.Millisecond,
			MaxDelay:      time.Duration(r.Retry.MaxDelayMS) * time.Millisecond,
			BackoffFactor: r.Retry.Multiplier,
			Jitter:        r.Retry.Jitter,
		}),
		resilience.Timeout(time.Duration(r.TimeoutSec)*time.Second),
	), nil
}

func (f *Factory) breaker(providerName string) *resilience.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[providerName]
	if !ok {
		cb := f.cfg.Resilience.CircuitBreaker
		b = resilience.NewBreaker(resilience.CircuitConfig{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          time.Duration(cb.TimeoutSec) * time.Second,
		})
		f.breakers[providerName] = b
	}
	return b
}

// raw creates the provider client for model without middleware.
func (f *Factory) raw(model string) (llm.LLMClient, string, error) {
	providerName, err := config.GetModelProvider(model)
	if err != nil {
		return nil, "", fmt.Errorf("failed to determine provider for model %s: %w", model, err)
	}

	var apiKey string
	if keyName := config.APIKeyName(providerName); keyName != "" {
		apiKey, err = config.GetSecret(keyName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to get API key for provider %s: %w", providerName, err)
		}
	}

	switch providerName {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, model), providerName, nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(apiKey, model), providerName, nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, model), providerName, nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(f.cfg.OllamaHost, ollamaModel(model)), providerName, nil
	default:
		return nil, "", fmt.Errorf("unsupported provider: %s", providerName)
	}
}

// ollamaModel strips the explicit "ollama:" routing prefix.
func ollamaModel(model string) string {
	const prefix = "ollama:"
	if len(model) > len(prefix) && model[:len(prefix)] == prefix {
		return model[len(prefix):]
	}
	return model
}
