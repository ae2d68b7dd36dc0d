package resilience

import (
	"context"
	"sync"
	"time"

	"interviewer/pkg/llm"
	"interviewer/pkg/llm/llmerrors"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	Closed   CircuitState = iota // normal operation
	Open                         // failing, reject requests
	HalfOpen                     // probing for recovery
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitConfig defines circuit breaker thresholds.
type CircuitConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration // time spent open before probing
}

//nolint:gochecknoglobals // package default
var DefaultCircuitConfig = CircuitConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

// Breaker tracks consecutive failures of one provider.
type Breaker struct {
	lastFailure  time.Time
	config       CircuitConfig
	mu           sync.Mutex
	state        CircuitState
	failureCount int
	successCount int
}

func NewBreaker(config CircuitConfig) *Breaker {
	return &Breaker{config: config, state: Closed}
}

// Allow reports whether a request may proceed, moving Open to HalfOpen once the timeout elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailure) >= b.config.Timeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return true
	}
}

// Record records the outcome of a request.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
			}
		default:
			b.failureCount = 0
		}
		return
	}

	b.failureCount++
	b.lastFailure = time.Now()
	if b.state == HalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.state = Open
		b.successCount = 0
	}
}

func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Circuit rejects requests while the breaker is open. Caller cancellation does not count as
// a provider failure.
func Circuit(b *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !b.Allow() {
					return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeServiceUnavailable,
						"circuit breaker is "+b.State().String()+" for "+next.GetModelName())
				}
				resp, err := next.Complete(ctx, req)
				if err == nil || ctx.Err() == nil {
					b.Record(err == nil)
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}
