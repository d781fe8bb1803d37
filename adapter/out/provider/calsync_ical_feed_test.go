package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"calsync/core/domain"
)

const testFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calsync//test//EN
BEGIN:VEVENT
UID:standup
SUMMARY:Standup
DTSTART:20250303T090000Z
DTEND:20250303T091500Z
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE:20250310T090000Z
END:VEVENT
BEGIN:VEVENT
UID:standup
RECURRENCE-ID:20250317T090000Z
SUMMARY:Standup (moved)
DTSTART:20250317T100000Z
DTEND:20250317T101500Z
END:VEVENT
BEGIN:VEVENT
UID:holiday
SUMMARY:Holiday
DTSTART;VALUE=DATE:20250321
DTEND;VALUE=DATE:20250322
END:VEVENT
BEGIN:VEVENT
UID:berlin
SUMMARY:Berlin call
DTSTART;TZID=Europe/Berlin:20250325T140000
END:VEVENT
BEGIN:VEVENT
UID:dropped
SUMMARY:Dropped
STATUS:CANCELLED
DTSTART:20250326T090000Z
END:VEVENT
BEGIN:VEVENT
SUMMARY:No uid
DTSTART:20250327T090000Z
END:VEVENT
END:VCALENDAR
`

func TestICalFeedFetcher_Parse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.Write([]byte(strings.ReplaceAll(testFeed, "\n", "\r\n")))
	}))
	defer srv.Close()

	f := NewICalFeedFetcher(srv.Client())
	src := domain.ProviderSource{ID: "team", Provider: domain.ProviderICalFeed, URL: srv.URL + "/team.ics"}
	events, err := f.FetchEvents(context.Background(), fetchReq(src, ""))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 rows (cancelled standalone skipped), got %d", len(events))
	}

	master := events[0]
	if master.Rule != "FREQ=WEEKLY;COUNT=4" || master.SeriesKey != "standup" {
		t.Errorf("unexpected master %+v", master)
	}
	if len(master.ExDates) != 1 || !master.ExDates[0].Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected exdates %v", master.ExDates)
	}

	override := events[1]
	if !override.Override || override.NativeID != "standup_20250317T090000Z" || override.SeriesKey != "standup" {
		t.Errorf("unexpected override %+v", override)
	}

	if !events[2].Start.AllDay || !events[2].Start.Time.Equal(time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected all-day row %+v", events[2].Start)
	}
	if !events[3].Start.Time.Equal(time.Date(2025, 3, 25, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("TZID not honoured: %v", events[3].Start.Time)
	}
	if !errors.Is(events[4].Err, domain.ErrMalformedEvent) {
		t.Errorf("expected malformed row for missing UID, got %v", events[4].Err)
	}
}

func TestICalFeedFetcher_ConditionalGet(t *testing.T) {
	var full, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(strings.ReplaceAll(testFeed, "\n", "\r\n")))
	}))
	defer srv.Close()

	f := NewICalFeedFetcher(srv.Client())
	src := domain.ProviderSource{ID: "team", Provider: domain.ProviderICalFeed, URL: srv.URL + "/team.ics?key=secret"}

	first, err := f.FetchEvents(context.Background(), fetchReq(src, ""))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.FetchEvents(context.Background(), fetchReq(src, ""))
	if err != nil {
		t.Fatal(err)
	}
	if full.Load() != 1 || notModified.Load() != 1 {
		t.Errorf("expected one full and one conditional request, got %d/%d", full.Load(), notModified.Load())
	}
	if len(first) != len(second) {
		t.Errorf("cached body produced %d rows, want %d", len(second), len(first))
	}
}

func TestICalFeedFetcher_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewICalFeedFetcher(srv.Client())
	src := domain.ProviderSource{ID: "team", Provider: domain.ProviderICalFeed, URL: srv.URL}
	if _, err := f.FetchEvents(context.Background(), fetchReq(src, "")); err == nil {
		t.Fatal("expected error for 403")
	}

	src.URL = ""
	if _, err := f.FetchEvents(context.Background(), fetchReq(src, "")); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("https://x.test/a.ics?token=abc"); got != "https://x.test/a.ics?..." {
		t.Errorf("redactURL = %q", got)
	}
	if got := redactURL("https://x.test/a.ics"); got != "https://x.test/a.ics" {
		t.Errorf("redactURL = %q", got)
	}
}
