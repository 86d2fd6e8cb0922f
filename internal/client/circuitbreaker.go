package client

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatusError is returned when the endpoint answers with a non-200 status
// and no GraphQL error envelope
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// isEndpointFailure reports whether err says the endpoint itself is unhealthy.
// A 4xx rejection means the endpoint answered; retrying or tripping on it
// would not help. GraphQL error envelopes never reach here as errors.
func isEndpointFailure(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code >= 500:
			return true
		case statusErr.Code == http.StatusRequestTimeout, statusErr.Code == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}
	return true
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// CircuitBreaker holds back requests after the endpoint fails
// FailureThreshold times in a row. After RecoveryTimeout it lets trial
// requests through; HalfOpenMaxRequests successes close it again.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     breakerState
	failures  int
	trials    int
	openedAt  time.Time
	trippedBy string
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 2
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit-breaker").Logger(),
		now:    time.Now,
	}
}

// Allow returns ErrCircuitOpen while the endpoint is held back
func (cb *CircuitBreaker) Allow() error {
	if !cb.cfg.Enabled {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.RecoveryTimeout {
			return fmt.Errorf("%w since %s failed", ErrCircuitOpen, cb.trippedBy)
		}
		cb.transition(breakerHalfOpen)
	}
	return nil
}

// Record reports the outcome of one transport call for operation
func (cb *CircuitBreaker) Record(operation string, err error) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !isEndpointFailure(err) {
		switch cb.state {
		case breakerHalfOpen:
			cb.trials++
			if cb.trials >= cb.cfg.HalfOpenMaxRequests {
				cb.transition(breakerClosed)
			}
		case breakerClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	switch {
	case cb.state == breakerHalfOpen,
		cb.state == breakerClosed && cb.failures >= cb.cfg.FailureThreshold:
		cb.openedAt = cb.now()
		cb.trippedBy = operationLabel(operation)
		cb.logger.Warn().
			Err(err).
			Str("operation", cb.trippedBy).
			Int("failures", cb.failures).
			Dur("recoveryTimeout", cb.cfg.RecoveryTimeout).
			Msg("endpoint failing, circuit opened")
		cb.transition(breakerOpen)
	}
}

// State returns "closed", "open" or "half-open"
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// transition moves to state and resets its counters. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(state breakerState) {
	if state != breakerOpen {
		cb.logger.Info().
			Str("from", cb.state.String()).
			Str("to", state.String()).
			Msg("circuit state changed")
	}
	cb.state = state
	cb.trials = 0
	if state == breakerClosed {
		cb.failures = 0
	}
}

func operationLabel(operation string) string {
	if operation == "" {
		return "anonymous operation"
	}
	return operation
}
