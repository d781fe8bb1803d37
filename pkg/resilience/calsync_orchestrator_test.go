package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestOrchestrator(policy RetryPolicy, timeout time.Duration) (*Orchestrator, *[]time.Duration) {
	var mu sync.Mutex
	slept := []time.Duration{}
	o := NewOrchestrator(Options{Timeout: timeout, Retry: policy})
	o.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return ctx.Err()
	}
	return o, &slept
}

func TestOrchestrator_SingleFlight(t *testing.T) {
	o, _ := newTestOrchestrator(RetryPolicy{}, time.Second)

	var calls int32
	release := make(chan struct{})
	work := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "events", nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Execute(context.Background(), "user-1|range", work)
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("work invoked %d times, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != "events" {
			t.Errorf("caller %d got (%v, %v)", i, results[i], errs[i])
		}
	}

	// The key is released once settled.
	if _, err := o.Execute(context.Background(), "user-1|range", func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected a fresh run after settle, calls = %d", got)
	}
}

func TestOrchestrator_RetriesTransient(t *testing.T) {
	o, slept := newTestOrchestrator(RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}, time.Second)

	var calls int
	v, err := o.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("503")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Errorf("got v=%v calls=%d", v, calls)
	}
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep %d = %s, want %s", i, (*slept)[i], want[i])
		}
	}
}

func TestOrchestrator_SurfacesFinalError(t *testing.T) {
	o, _ := newTestOrchestrator(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, time.Second)

	final := errors.New("attempt 3 failed")
	var calls int
	_, err := o.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls++
		if calls == 3 {
			return nil, final
		}
		return nil, errors.New("earlier failure")
	})
	if err != final {
		t.Errorf("err = %v, want %v", err, final)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestOrchestrator_NoRetryOnPermanent(t *testing.T) {
	o, slept := newTestOrchestrator(RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}, time.Second)

	var calls int
	_, err := o.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls++
		return nil, flaggedErr{retry: false}
	})
	if err == nil || calls != 1 || len(*slept) != 0 {
		t.Errorf("err=%v calls=%d slept=%v", err, calls, *slept)
	}
}

func TestOrchestrator_TimeoutIsRetryable(t *testing.T) {
	o, _ := newTestOrchestrator(RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}, 20*time.Millisecond)

	var calls int32
	v, err := o.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got (%v, %v)", v, err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestOrchestrator_TimeoutBoundsStuckWork(t *testing.T) {
	o, _ := newTestOrchestrator(RetryPolicy{}, 20*time.Millisecond)

	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	_, err := o.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	})
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Fatalf("err = %v, want ErrAttemptTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("attempt was not bounded")
	}
}

func TestOrchestrator_CallerCancelDoesNotCancelShared(t *testing.T) {
	o, _ := newTestOrchestrator(RetryPolicy{}, time.Second)

	release := make(chan struct{})
	var sawCancel atomic.Bool
	work := func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			sawCancel.Store(true)
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Execute(ctx, "shared", work)
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	secondVal := make(chan any, 1)
	go func() {
		v, _ := o.Execute(context.Background(), "shared", work)
		secondVal <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller err = %v", err)
	}

	close(release)
	if v := <-secondVal; v != "done" {
		t.Errorf("second caller got %v", v)
	}
	if sawCancel.Load() {
		t.Error("shared work observed the first caller's cancellation")
	}
}

func TestOrchestrator_RecoversPanic(t *testing.T) {
	o, _ := newTestOrchestrator(RetryPolicy{MaxRetries: 3}, time.Second)

	var calls int
	_, err := o.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls++
		panic("bad payload")
	})
	if err == nil || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestDo_Typed(t *testing.T) {
	o, _ := newTestOrchestrator(RetryPolicy{}, time.Second)

	got, err := Do(context.Background(), o, "k", func(ctx context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	})
	if err != nil || len(got) != 2 {
		t.Errorf("got (%v, %v)", got, err)
	}
}
