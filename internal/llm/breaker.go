package llm

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/crew/pkg/schema"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected
	CircuitHalfOpen                     // probing
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig opens after 5 straight failures for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Breaker wraps a Service and stops calling it after repeated failures, so
// a dead model endpoint does not stall every agent and workflow tick.
// Rejected calls fail with CIRCUIT_OPEN.
type Breaker struct {
	next Service
	cfg  BreakerConfig
	now  func() time.Time

	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// NewBreaker wraps next.
func NewBreaker(next Service, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{next: next, cfg: cfg, now: time.Now}
}

func (b *Breaker) Chat(ctx context.Context, messages []Message) (string, error) {
	if err := b.allow(); err != nil {
		return "", err
	}
	out, err := b.next.Chat(ctx, messages)
	b.record(ctx, err)
	return out, err
}

func (b *Breaker) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (*ToolResponse, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}
	out, err := b.next.ChatWithTools(ctx, messages, tools)
	b.record(ctx, err)
	return out, err
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"model circuit open after %d consecutive failures", b.failures).
				WithDetails(map[string]any{
					"state":              b.state.String(),
					"cooldown_remaining": (b.cfg.Cooldown - b.now().Sub(b.lastFailure)).String(),
				})
		}
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 1
	case CircuitHalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMax {
			return schema.NewError(schema.ErrCodeCircuitOpen, "model circuit half-open, probe in flight")
		}
		b.halfOpenAttempts++
	}
	return nil
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A caller giving up says nothing about the model.
	if err != nil && ctx.Err() != nil {
		if b.state == CircuitHalfOpen {
			b.halfOpenAttempts--
		}
		return
	}
	if err == nil {
		b.failures = 0
		b.halfOpenAttempts = 0
		b.state = CircuitClosed
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = CircuitOpen
	}
}

var _ Service = (*Breaker)(nil)
