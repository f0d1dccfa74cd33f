package llm

import (
	"context"
	"sync"
	"time"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/service"
	"go.uber.org/zap"
)

// BreakerState is the circuit breaker's own state, distinct from the Agent
// Step Loop's RunState — this breaker guards the model capability shared
// across every concurrent agent in a session, not one agent's run.
//
// Grounded on the teacher's CircuitBreaker (circuit_breaker.go): identical
// Closed/Open/HalfOpen shape and trip/reset thresholds, retargeted from the
// teacher's chat completion call to this core's abstract Generate capability.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig controls when the breaker trips and how long it stays open
// before probing again.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before tripping
	OpenDuration     time.Duration // how long Open blocks calls before HalfOpen
	HalfOpenProbes   int           // successes required in HalfOpen to close
}

// DefaultBreakerConfig mirrors the teacher's circuit breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, OpenDuration: 30 * time.Second, HalfOpenProbes: 2}
}

// CircuitBreaker guards a Provider, fast-failing as entity.ErrModelFailure
// once the underlying capability has failed repeatedly, instead of letting
// every concurrent agent's step pile onto a model that is already down.
type CircuitBreaker struct {
	provider Provider
	config   BreakerConfig
	logger   *zap.Logger

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	halfOpenOK      int
	openedAt        time.Time
}

// NewCircuitBreaker wraps provider in a breaker starting Closed.
func NewCircuitBreaker(provider Provider, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{provider: provider, config: config, logger: logger, state: BreakerClosed}
}

// GenerateStream implements Provider and service.LLMClient, which share
// this method signature.
func (b *CircuitBreaker) GenerateStream(ctx context.Context, req service.GenerateRequest, deltaCh chan<- service.StreamChunk) (*service.GenerateResponse, error) {
	if !b.allow() {
		return nil, entity.Wrap(entity.ErrModelFailure, "circuit breaker open: model capability unavailable")
	}

	resp, err := b.provider.GenerateStream(ctx, req, deltaCh)
	b.record(err == nil)
	return resp, err
}

func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.config.OpenDuration {
			b.state = BreakerHalfOpen
			b.halfOpenOK = 0
			if b.logger != nil {
				b.logger.Info("circuit breaker entering half-open probe")
			}
			return true
		}
		return false
	default:
		return true
	}
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case BreakerHalfOpen:
			b.halfOpenOK++
			if b.halfOpenOK >= b.config.HalfOpenProbes {
				b.state = BreakerClosed
				b.consecutiveFail = 0
				if b.logger != nil {
					b.logger.Info("circuit breaker closed after successful probes")
				}
			}
		default:
			b.consecutiveFail = 0
		}
		return
	}

	b.consecutiveFail++
	if b.state == BreakerHalfOpen || b.consecutiveFail >= b.config.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		if b.logger != nil {
			b.logger.Warn("circuit breaker tripped open", zap.Int("consecutiveFailures", b.consecutiveFail))
		}
	}
}

// State returns the breaker's current state, for health checks/metrics.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

var _ service.LLMClient = (*CircuitBreaker)(nil)
