package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"calsync/pkg/logger"

	"github.com/sony/gobreaker"
)

// BreakerSet holds one circuit breaker per upstream name.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings gobreaker.Settings
}

// NewBreakerSet trips a breaker after 5 consecutive failures or a 60% failure
// rate over at least 10 requests. Non-retryable errors do not count as failures.
func NewBreakerSet() *BreakerSet {
	return NewBreakerSetWithSettings(gobreaker.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
	})
}

func NewBreakerSetWithSettings(base gobreaker.Settings) *BreakerSet {
	if base.IsSuccessful == nil {
		base.IsSuccessful = func(err error) bool {
			return err == nil || !IsRetryable(err)
		}
	}
	if base.OnStateChange == nil {
		base.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		}
	}
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: base,
	}
}

func (s *BreakerSet) get(name string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[name]
	if !ok {
		st := s.settings
		st.Name = name
		cb = gobreaker.NewCircuitBreaker(st)
		s.breakers[name] = cb
	}
	return cb
}

// Execute runs fn behind the named breaker. An open breaker yields a
// permanent ErrCircuitOpen so callers fall back instead of hammering the upstream.
func (s *BreakerSet) Execute(name string, fn func() (any, error)) (any, error) {
	v, err := s.get(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrCircuitOpen, name))
	}
	return v, err
}

func (s *BreakerSet) State(name string) gobreaker.State {
	return s.get(name).State()
}
