// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAttemptTimeout is returned when one attempt exceeds its deadline. It is retryable.
	ErrAttemptTimeout = errors.New("attempt timed out")
	ErrCircuitOpen    = errors.New("circuit breaker is open")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type retryable interface {
	IsRetryable() bool
}

// IsRetryable classifies an attempt error. Errors that carry their own
// IsRetryable method decide for themselves; unknown errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// =============================================================================
// Retry policy state machine: Attempt -> Wait -> Attempt ... -> Done | Failed
// =============================================================================

type State int

const (
	StateAttempt State = iota
	StateWait
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAttempt:
		return "attempt"
	case StateWait:
		return "wait"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryPolicy allows MaxRetries retries after the first attempt, waiting
// BaseDelay*2^n before retry n (0-based), capped at MaxDelay when set.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay returns the wait before the given 0-based retry.
func (p RetryPolicy) Delay(retry int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 0; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Start returns a fresh machine positioned at the first attempt.
func (p RetryPolicy) Start() *Retrier {
	return &Retrier{policy: p, state: StateAttempt}
}

// Retrier tracks one run of a RetryPolicy. It holds no timers; the caller sleeps.
type Retrier struct {
	policy   RetryPolicy
	state    State
	attempts int
	wait     time.Duration
	err      error
}

func (r *Retrier) State() State        { return r.state }
func (r *Retrier) Attempts() int       { return r.attempts }
func (r *Retrier) Wait() time.Duration { return r.wait }
func (r *Retrier) Err() error          { return r.err }

// Record feeds the outcome of the current attempt and returns the next state.
func (r *Retrier) Record(err error) State {
	if r.state != StateAttempt {
		return r.state
	}
	r.attempts++
	r.err = err
	switch {
	case err == nil:
		r.state = StateDone
	case !IsRetryable(err), r.attempts > r.policy.MaxRetries:
		r.state = StateFailed
	default:
		r.wait = r.policy.Delay(r.attempts - 1)
		r.state = StateWait
	}
	return r.state
}

// Resume leaves the wait state after the delay has elapsed.
func (r *Retrier) Resume() State {
	if r.state == StateWait {
		r.state = StateAttempt
		r.wait = 0
	}
	return r.state
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
