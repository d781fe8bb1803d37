package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
)

var testRange = domain.DateRange{
	Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
}

func fetchReq(src domain.ProviderSource, token string) *out.FetchRequest {
	return &out.FetchRequest{Source: src, Credential: domain.Credential{BearerToken: token}, Range: testRange}
}

func TestGoogleCalendarFetcher_Pages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/primary/events" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("singleEvents") != "true" {
			t.Errorf("expected singleEvents=true")
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"items":[
				{"id":"e1","summary":"Planning","start":{"dateTime":"2025-03-10T10:00:00+01:00"},"end":{"dateTime":"2025-03-10T11:00:00+01:00"}},
				{"id":"e2","summary":"Gone","status":"cancelled","start":{"dateTime":"2025-03-11T10:00:00Z"}}
			],"nextPageToken":"p2"}`)
			return
		}
		fmt.Fprint(w, `{"items":[
			{"id":"s1_20250312","summary":"Holiday","recurringEventId":"s1","start":{"date":"2025-03-12"},"end":{"date":"2025-03-13"}},
			{"id":"bad","summary":"Broken","start":{"dateTime":"yesterday"}}
		]}`)
	}))
	defer srv.Close()

	f := NewGoogleCalendarFetcher(srv.Client(), srv.URL)
	src := domain.ProviderSource{ID: "work", Provider: domain.ProviderOAuthCalendar, Vendor: domain.VendorGoogle, CalendarID: "primary"}
	events, err := f.FetchEvents(context.Background(), fetchReq(src, "tok"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events (cancelled skipped), got %d", len(events))
	}

	if !events[0].Start.Time.Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)) || events[0].Start.AllDay {
		t.Errorf("timed start not normalized to UTC: %v", events[0].Start)
	}
	if !events[1].Start.AllDay || events[1].SeriesKey != "s1" {
		t.Errorf("expected all-day instance of series s1, got %+v", events[1])
	}
	if !errors.Is(events[2].Err, domain.ErrMalformedEvent) {
		t.Errorf("expected malformed error, got %v", events[2].Err)
	}
}

func TestGoogleCalendarFetcher_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      out.ProviderErrorCode
		retryable bool
	}{
		{"expired token", http.StatusUnauthorized, out.ProviderErrTokenExpired, false},
		{"not found", http.StatusNotFound, out.ProviderErrNotFound, false},
		{"bad request", http.StatusBadRequest, out.ProviderErrInvalidInput, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, tt.status)
			}))
			defer srv.Close()

			f := NewGoogleCalendarFetcher(srv.Client(), srv.URL)
			src := domain.ProviderSource{ID: "work", Provider: domain.ProviderOAuthCalendar, Vendor: domain.VendorGoogle, CalendarID: "primary"}
			_, err := f.FetchEvents(context.Background(), fetchReq(src, "tok"))

			var pe *out.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pe.Code != tt.code || pe.IsRetryable() != tt.retryable {
				t.Errorf("got code=%s retryable=%v", pe.Code, pe.IsRetryable())
			}
		})
	}
}

func TestGoogleCalendarFetcher_NoCredential(t *testing.T) {
	f := NewGoogleCalendarFetcher(nil, "")
	src := domain.ProviderSource{ID: "work", Provider: domain.ProviderOAuthCalendar, Vendor: domain.VendorGoogle}
	_, err := f.FetchEvents(context.Background(), fetchReq(src, ""))
	if !out.IsAuthError(err) {
		t.Errorf("expected auth error, got %v", err)
	}
}
