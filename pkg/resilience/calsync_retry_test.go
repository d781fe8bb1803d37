package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type flaggedErr struct{ retry bool }

func (e flaggedErr) Error() string     { return fmt.Sprintf("flagged retry=%v", e.retry) }
func (e flaggedErr) IsRetryable() bool { return e.retry }

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}

	if got := (RetryPolicy{}).Delay(3); got != 0 {
		t.Errorf("zero base should not wait, got %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), true},
		{"timeout", fmt.Errorf("%w after 1s", ErrAttemptTimeout), true},
		{"permanent", Permanent(errors.New("bad")), false},
		{"canceled", context.Canceled, false},
		{"flag true", flaggedErr{retry: true}, true},
		{"flag false wrapped", fmt.Errorf("wrap: %w", flaggedErr{retry: false}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetrier_Transitions(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}
	transient := errors.New("transient")

	t.Run("success first try", func(t *testing.T) {
		r := p.Start()
		if s := r.Record(nil); s != StateDone {
			t.Fatalf("state = %s, want done", s)
		}
		if r.Attempts() != 1 {
			t.Errorf("attempts = %d", r.Attempts())
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		r := p.Start()
		var waits []time.Duration
		for r.State() != StateFailed {
			switch r.State() {
			case StateAttempt:
				r.Record(transient)
			case StateWait:
				waits = append(waits, r.Wait())
				r.Resume()
			default:
				t.Fatalf("unexpected state %s", r.State())
			}
		}
		if r.Attempts() != 3 {
			t.Errorf("attempts = %d, want 3", r.Attempts())
		}
		if len(waits) != 2 || waits[0] != 10*time.Millisecond || waits[1] != 20*time.Millisecond {
			t.Errorf("waits = %v", waits)
		}
		if r.Err() != transient {
			t.Errorf("final error should be surfaced verbatim, got %v", r.Err())
		}
	})

	t.Run("stops on permanent", func(t *testing.T) {
		r := p.Start()
		if s := r.Record(flaggedErr{retry: false}); s != StateFailed {
			t.Fatalf("state = %s, want failed", s)
		}
		if r.Attempts() != 1 {
			t.Errorf("attempts = %d", r.Attempts())
		}
	})

	t.Run("record outside attempt is ignored", func(t *testing.T) {
		r := p.Start()
		r.Record(transient)
		if s := r.Record(nil); s != StateWait {
			t.Errorf("state = %s, want wait", s)
		}
	})
}
