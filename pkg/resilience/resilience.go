// Package resilience provides retry and circuit breaking for outbound
// dependency calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kart-io/logger"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first call.
	MaxAttempts int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// RetryableErrors decides whether an error is worth retrying.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns the retry defaults used for generation
// and embedding calls.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		RetryableErrors: IsTransient,
	}
}

// RetrievalRetryConfig returns the tighter retry budget used for
// search engine calls, which sit on the interactive path.
func RetrievalRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     2,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		RetryableErrors: IsTransient,
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// inside Window that opens the breaker.
	FailureThreshold int
	// Window is the rolling period the failures must fall into.
	Window time.Duration
	// CoolDown is how long the breaker stays open before allowing a
	// single probe call.
	CoolDown time.Duration
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		Window:           10 * time.Second,
		CoolDown:         60 * time.Second,
	}
}

// State is a circuit breaker state.
type State int

const (
	// StateClosed allows all calls.
	StateClosed State = iota
	// StateOpen rejects all calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows exactly one probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call without
// reaching the dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker tracks consecutive transient failures of one
// dependency and fails fast while the dependency is considered down.
type CircuitBreaker struct {
	name   string
	config *CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
	openCount     uint64

	// now is swapped out by tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker for one named dependency.
func NewCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn through the breaker. While open it returns
// ErrCircuitOpen without calling fn. Only errors classified transient
// count toward opening the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	cb.afterCall(err)

	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.CoolDown {
			logger.Infow("circuit breaker transitioning to half-open", "dependency", cb.name)
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// One probe at a time.
		if cb.probeInFlight {
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
		return
	}
	if IsTransient(err) {
		cb.onTransientFailure()
		return
	}

	// Permanent errors neither trip nor heal the breaker, but a
	// half-open probe that failed permanently still ends the probe.
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = cb.failures[:0]

	case StateHalfOpen:
		logger.Infow("circuit breaker closing after successful probe", "dependency", cb.name)
		cb.state = StateClosed
		cb.failures = cb.failures[:0]
		cb.probeInFlight = false
	}
}

func (cb *CircuitBreaker) onTransientFailure() {
	now := cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneFailures(now)

		if len(cb.failures) >= cb.config.FailureThreshold {
			logger.Warnw("circuit breaker opening",
				"dependency", cb.name,
				"failures", len(cb.failures),
				"window", cb.config.Window.String(),
			)
			cb.trip(now)
		}

	case StateHalfOpen:
		logger.Warnw("circuit breaker re-opening after failed probe", "dependency", cb.name)
		cb.probeInFlight = false
		cb.trip(now)
	}
}

// trip assumes the lock is held.
func (cb *CircuitBreaker) trip(now time.Time) {
	cb.state = StateOpen
	cb.openedAt = now
	cb.failures = cb.failures[:0]
	cb.openCount++
}

// pruneFailures drops failures that fell out of the rolling window.
// Assumes the lock is held.
func (cb *CircuitBreaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// State returns the current state, promoting open to half-open when
// the cool-down has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.CoolDown {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns breaker counters for the stats endpoint.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"dependency":       cb.name,
		"state":            cb.state.String(),
		"pending_failures": len(cb.failures),
		"open_count":       cb.openCount,
	}
}

// Reset returns the breaker to closed. Used by tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = cb.failures[:0]
	cb.probeInFlight = false
}

// Retry runs fn with exponential backoff and full jitter. The delay
// doubles after every failed attempt and the actual sleep is drawn
// uniformly from [0, delay]. Non-retryable errors return immediately.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = IsTransient
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !retryable(err) {
			return err
		}

		if attempt >= config.MaxAttempts {
			logger.Warnw("max retry attempts reached",
				"attempts", attempt,
				"error", err.Error(),
			)
			return fmt.Errorf("max retry attempts (%d) reached: %w", config.MaxAttempts, lastErr)
		}

		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		logger.Debugw("retrying after backoff",
			"attempt", attempt,
			"sleep", sleep.String(),
			"error", err.Error(),
		)

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return lastErr
}

// RetryWithCircuitBreaker combines Retry with a breaker. A rejection
// by the open breaker is not retried.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(fn)
	})
}
