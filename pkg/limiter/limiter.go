// Package limiter enforces per-model token rate limits on LLM calls and caps the number of
// concurrent interviews.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"interviewer/pkg/config"
	"interviewer/pkg/llm"
	"interviewer/pkg/logx"
	"interviewer/pkg/tokens"
)

var (
	// ErrRateLimit is returned when token rate limits are exceeded.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrSessionLimit is returned when every interview slot is taken.
	ErrSessionLimit = fmt.Errorf("session limit exceeded")
)

// pollInterval bounds how long Wait sleeps between reservation attempts.
const pollInterval = time.Second

// Limiter manages token buckets per model and a global interview slot count. Zero limits
// disable the corresponding check.
type Limiter struct {
	models          map[string]*ModelLimiter
	logger          *logx.Logger
	tokensPerMinute int
	maxSessions     int
	sessions        int
	mu              sync.Mutex
}

// ModelLimiter is a token bucket refilled once per elapsed minute.
type ModelLimiter struct {
	lastRefill         time.Time
	name               string
	maxTokensPerMinute int
	currentTokens      int
	mu                 sync.Mutex
}

// NewLimiter creates a limiter from the configured limits.
func NewLimiter(cfg config.LimitsConfig) *Limiter {
	return &Limiter{
		models:          make(map[string]*ModelLimiter),
		logger:          logx.NewLogger("limiter"),
		tokensPerMinute: cfg.TokensPerMinute,
		maxSessions:     cfg.MaxSessions,
	}
}

func (l *Limiter) model(name string) *ModelLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	ml, ok := l.models[name]
	if !ok {
		ml = &ModelLimiter{
			name:               name,
			maxTokensPerMinute: l.tokensPerMinute,
			currentTokens:      l.tokensPerMinute, // start with a full bucket
			lastRefill:         time.Now(),
		}
		l.models[name] = ml
	}
	return ml
}

// Reserve takes n tokens from model's bucket or returns ErrRateLimit.
func (l *Limiter) Reserve(model string, n int) error {
	if l.tokensPerMinute <= 0 {
		return nil
	}
	return l.model(model).Reserve(n)
}

// Wait blocks until n tokens are reserved for model or ctx is done. Requests larger than the
// bucket are clamped to a full bucket.
func (l *Limiter) Wait(ctx context.Context, model string, n int) error {
	if l.tokensPerMinute <= 0 {
		return nil
	}
	if n > l.tokensPerMinute {
		n = l.tokensPerMinute
	}
	ml := l.model(model)
	logged := false
	for {
		err := ml.Reserve(n)
		if err == nil {
			return nil
		}
		if !logged {
			l.logger.Warn("⏳ %s: waiting for %d tokens", model, n)
			logged = true
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrRateLimit, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// AcquireSession takes an interview slot or returns ErrSessionLimit.
func (l *Limiter) AcquireSession() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxSessions > 0 && l.sessions >= l.maxSessions {
		return ErrSessionLimit
	}
	l.sessions++
	return nil
}

// ReleaseSession returns an interview slot.
func (l *Limiter) ReleaseSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessions > 0 {
		l.sessions--
	}
}

// GetStatus returns the tokens left for model and the interview slots in use.
func (l *Limiter) GetStatus(model string) (tokensLeft, sessions int) {
	l.mu.Lock()
	sessions = l.sessions
	l.mu.Unlock()
	if l.tokensPerMinute <= 0 {
		return 0, sessions
	}
	return l.model(model).Available(), sessions
}

// Middleware reserves an estimate of each request's tokens (prompt plus MaxTokens) before
// calling the next client.
func (l *Limiter) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if err := l.Wait(ctx, next.GetModelName(), estimate(req)); err != nil {
					return llm.CompletionResponse{}, err
				}
				return next.Complete(ctx, req) //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}

func estimate(req llm.CompletionRequest) int {
	counter := tokens.Default()
	n := req.MaxTokens
	for i := range req.Messages {
		n += counter.Count(req.Messages[i].Content)
	}
	return n
}

// Reserve reserves tokens from the bucket.
func (ml *ModelLimiter) Reserve(n int) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.refillTokens()
	if ml.currentTokens < n {
		return ErrRateLimit
	}
	ml.currentTokens -= n
	return nil
}

// Available returns the tokens left after refilling.
func (ml *ModelLimiter) Available() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.refillTokens()
	return ml.currentTokens
}

func (ml *ModelLimiter) refillTokens() {
	elapsed := time.Since(ml.lastRefill)
	if elapsed < time.Minute {
		return
	}
	minutes := int(elapsed / time.Minute)
	ml.currentTokens += minutes * ml.maxTokensPerMinute
	if ml.currentTokens > ml.maxTokensPerMinute {
		ml.currentTokens = ml.maxTokensPerMinute
	}
	// Advance to the last complete minute.
	ml.lastRefill = ml.lastRefill.Add(time.Duration(minutes) * time.Minute)
}
