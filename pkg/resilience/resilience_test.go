package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("openai: status code 503: service unavailable")

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		RetryableErrors: IsTransient,
	}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("openai: status code 401: unauthorized")

	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		RetryableErrors: IsTransient,
	}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := &RetryConfig{
		MaxAttempts:     5,
		InitialDelay:    50 * time.Millisecond,
		MaxDelay:        time.Second,
		RetryableErrors: IsTransient,
	}

	calls := 0
	err := Retry(ctx, cfg, func() error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func newTestBreaker() (*CircuitBreaker, *time.Time) {
	current := time.Unix(1000, 0)
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())
	cb.now = func() time.Time { return current }
	return cb, &current
}

func failTimes(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errTransient })
	}
}

func TestBreakerOpensAfterThresholdInWindow(t *testing.T) {
	cb, _ := newTestBreaker()

	failTimes(cb, 4)
	assert.Equal(t, StateClosed, cb.State())

	failTimes(cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerWindowExpiresOldFailures(t *testing.T) {
	cb, current := newTestBreaker()

	failTimes(cb, 4)

	// Push the earlier failures out of the 10s window.
	*current = current.Add(11 * time.Second)

	failTimes(cb, 1)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb, _ := newTestBreaker()

	failTimes(cb, 4)
	require.NoError(t, cb.Execute(func() error { return nil }))
	failTimes(cb, 4)

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerPermanentErrorsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker()
	permanent := errors.New("openai: status code 400: bad request")

	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return permanent })
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	cb, current := newTestBreaker()

	failTimes(cb, 5)
	require.Equal(t, StateOpen, cb.State())

	*current = current.Add(61 * time.Second)

	probeCalled := false
	err := cb.Execute(func() error {
		probeCalled = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, probeCalled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cb, current := newTestBreaker()

	failTimes(cb, 5)
	*current = current.Add(61 * time.Second)

	err := cb.Execute(func() error { return errTransient })
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	// Before the new cool-down elapses, calls fail fast.
	*current = current.Add(30 * time.Second)
	err = cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerAllowsSingleProbe(t *testing.T) {
	cb, current := newTestBreaker()

	failTimes(cb, 5)
	*current = current.Add(61 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	// Second call while the probe is in flight must be rejected.
	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestRetryWithCircuitBreakerDoesNotRetryOpenBreaker(t *testing.T) {
	cb, _ := newTestBreaker()
	failTimes(cb, 5)

	cfg := &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		RetryableErrors: IsTransient,
	}

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), cfg, cb, func() error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", fmt.Errorf("status code 500: boom"), true},
		{"bad gateway", fmt.Errorf("status code 502: upstream"), true},
		{"rate limited", fmt.Errorf("status code 429: slow down"), true},
		{"request timeout", fmt.Errorf("status code 408: timeout"), true},
		{"unauthorized", fmt.Errorf("status code 401: nope"), false},
		{"not found", fmt.Errorf("status code 404: missing"), false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"circuit open", ErrCircuitOpen, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"generic", errors.New("invalid payload"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
