package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/resilience"

	"github.com/sony/gobreaker"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      out.ProviderErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, out.ProviderErrTokenExpired, false},
		{http.StatusForbidden, out.ProviderErrAuth, false},
		{http.StatusNotFound, out.ProviderErrNotFound, false},
		{http.StatusGone, out.ProviderErrNotFound, false},
		{http.StatusTooManyRequests, out.ProviderErrRateLimit, true},
		{http.StatusRequestTimeout, out.ProviderErrNetwork, true},
		{http.StatusBadGateway, out.ProviderErrServer, true},
		{http.StatusBadRequest, out.ProviderErrInvalidInput, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			pe := classifyStatus("test", tt.status, "")
			if pe.Code != tt.code || pe.Retryable != tt.retryable {
				t.Errorf("got %s/%v, want %s/%v", pe.Code, pe.Retryable, tt.code, tt.retryable)
			}
		})
	}
}

func TestClassifyError_PassesContextErrors(t *testing.T) {
	if err := classifyError("test", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	var pe *out.ProviderError
	if err := classifyError("test", errors.New("connection reset")); !errors.As(err, &pe) || !pe.Retryable {
		t.Errorf("expected retryable network error, got %v", err)
	}
}

type failingFetcher struct {
	calls int
	err   error
}

func (f *failingFetcher) Provider() domain.Provider { return domain.ProviderICalFeed }

func (f *failingFetcher) FetchEvents(context.Context, *out.FetchRequest) ([]domain.RawEvent, error) {
	f.calls++
	return nil, f.err
}

func TestRegistry_FetcherFor(t *testing.T) {
	r := NewRegistry(&RegistryConfig{
		Google: NewGoogleCalendarFetcher(nil, ""),
		ICal:   NewICalFeedFetcher(nil),
	}, nil)

	tests := []struct {
		name    string
		src     domain.ProviderSource
		wantErr bool
	}{
		{"google", domain.ProviderSource{Provider: domain.ProviderOAuthCalendar, Vendor: domain.VendorGoogle}, false},
		{"ical", domain.ProviderSource{Provider: domain.ProviderICalFeed}, false},
		{"microsoft not registered", domain.ProviderSource{Provider: domain.ProviderOAuthCalendar, Vendor: domain.VendorMicrosoft}, true},
		{"flow not registered", domain.ProviderSource{Provider: domain.ProviderAutomationFlow}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := r.FetcherFor(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && f.Provider() != tt.src.Provider {
				t.Errorf("Provider() = %s", f.Provider())
			}
		})
	}
}

func TestRegistry_CircuitOpens(t *testing.T) {
	breakers := resilience.NewBreakerSetWithSettings(gobreaker.Settings{
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	r := NewRegistry(&RegistryConfig{}, breakers)
	inner := &failingFetcher{err: out.NewProviderError("ical", out.ProviderErrServer, "boom", nil, true)}
	r.fetchers[registryKey(domain.ProviderICalFeed, "")] = inner

	f, err := r.FetcherFor(domain.ProviderSource{Provider: domain.ProviderICalFeed})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.FetchEvents(context.Background(), &out.FetchRequest{}); err == nil {
			t.Fatal("expected upstream error")
		}
	}

	_, err = f.FetchEvents(context.Background(), &out.FetchRequest{})
	var pe *out.ProviderError
	if !errors.As(err, &pe) || pe.Code != out.ProviderErrCircuitOpen || pe.Retryable {
		t.Fatalf("expected non-retryable circuit_open, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("open breaker must not call upstream, calls = %d", inner.calls)
	}
}

func TestRegistry_PermanentErrorsDoNotTrip(t *testing.T) {
	breakers := resilience.NewBreakerSetWithSettings(gobreaker.Settings{
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	r := NewRegistry(&RegistryConfig{}, breakers)
	inner := &failingFetcher{err: out.NewProviderError("ical", out.ProviderErrAuth, "denied", nil, false)}
	r.fetchers[registryKey(domain.ProviderICalFeed, "")] = inner

	f, _ := r.FetcherFor(domain.ProviderSource{Provider: domain.ProviderICalFeed})
	for i := 0; i < 4; i++ {
		_, err := f.FetchEvents(context.Background(), &out.FetchRequest{})
		if !out.IsAuthError(err) {
			t.Fatalf("call %d: expected auth error, got %v", i, err)
		}
	}
	if inner.calls != 4 {
		t.Errorf("calls = %d, want 4", inner.calls)
	}
}
