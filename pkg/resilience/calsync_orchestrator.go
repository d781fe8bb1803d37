package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/pkg/metrics"

	"golang.org/x/sync/singleflight"
)

// Work is one upstream call. It must honour ctx.
type Work func(ctx context.Context) (any, error)

type Options struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(o *Options) { o.Retry.MaxRetries = n }
}

func WithoutRetry() Option {
	return WithMaxRetries(0)
}

// Orchestrator is a generic single-flight plus retry primitive. Concurrent
// Execute calls with the same key share one run of work.
type Orchestrator struct {
	group    singleflight.Group
	defaults Options
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(defaults Options) *Orchestrator {
	return &Orchestrator{
		defaults: defaults,
		sleep:    sleepCtx,
	}
}

// Execute runs work under key. The shared run is detached from the first
// caller's cancellation; each caller stops waiting when its own ctx ends.
func (o *Orchestrator) Execute(ctx context.Context, key string, work Work, opts ...Option) (any, error) {
	cfg := o.defaults
	for _, opt := range opts {
		opt(&cfg)
	}

	if key == "" {
		return o.run(ctx, work, cfg)
	}

	ch := o.group.DoChan(key, func() (any, error) {
		return o.run(context.WithoutCancel(ctx), work, cfg)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.FetchShared.Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, work Work, cfg Options) (any, error) {
	r := cfg.Retry.Start()
	var val any
	for {
		switch r.State() {
		case StateAttempt:
			v, err := o.attempt(ctx, work, cfg.Timeout)
			metrics.FetchAttempts.WithLabelValues(attemptOutcome(err)).Inc()
			val = v
			r.Record(err)
		case StateWait:
			if err := o.sleep(ctx, r.Wait()); err != nil {
				return nil, err
			}
			r.Resume()
		case StateDone:
			return val, nil
		default:
			return nil, r.Err()
		}
	}
}

type attemptResult struct {
	val any
	err error
}

func (o *Orchestrator) attempt(ctx context.Context, work Work, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return safeCall(ctx, work)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		v, err := safeCall(actx, work)
		done <- attemptResult{val: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, timeout, res.err)
		}
		return res.val, res.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

func safeCall(ctx context.Context, work Work) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("panic in orchestrated work: %v", p))
		}
	}()
	return work(ctx)
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAttemptTimeout):
		return "timeout"
	case IsRetryable(err):
		return "retryable"
	default:
		return "permanent"
	}
}

// Do is a typed wrapper around Execute.
func Do[T any](ctx context.Context, o *Orchestrator, key string, work func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	v, err := o.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return work(ctx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
