package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
)

func newNormalizer(t *testing.T) *FlowNormalizer {
	t.Helper()
	n, err := NewFlowNormalizer()
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestFlowNormalizer_NormalizePayload(t *testing.T) {
	n := newNormalizer(t)

	tests := []struct {
		name    string
		body    string
		count   int
		wantErr bool
	}{
		{"bare array", `[{"title":"A","startTime":"2025-03-10T10:00:00Z"}]`, 1, false},
		{"empty array", `[]`, 0, false},
		{"html wrapped", `<html><body><p>Events [see below]</p><pre>[{"title":"B ] tricky","startTime":"2025-03-10"},{"title":"C","startTime":"2025-03-11"}]</pre></body></html>`, 2, false},
		{"object", `{"title":"A"}`, 0, true},
		{"blank", "   ", 0, true},
		{"truncated", `<p>[{"title":"A"</p>`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, count, err := n.NormalizePayload([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if count != tt.count {
				t.Errorf("count = %d, want %d", count, tt.count)
			}
			if !strings.HasPrefix(string(got), "[") {
				t.Errorf("normalized payload is not an array: %s", got)
			}
		})
	}
}

func TestFlowNormalizer_ItemToRaw(t *testing.T) {
	n := newNormalizer(t)

	t.Run("timed with id precedence", func(t *testing.T) {
		ev := n.itemToRaw([]byte(`{"title":"Review","startTime":"2025-03-10T10:00:00+02:00","endTime":"2025-03-10T11:00:00+02:00","iCalUld":"typo-id","id":"plain"}`))
		if ev.Err != nil {
			t.Fatal(ev.Err)
		}
		if ev.NativeID != "typo-id" {
			t.Errorf("NativeID = %q", ev.NativeID)
		}
		if !ev.Start.Time.Equal(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)) || ev.End == nil {
			t.Errorf("unexpected times %+v %+v", ev.Start, ev.End)
		}
	})

	t.Run("derived id is stable", func(t *testing.T) {
		item := []byte(`{"title":"Lunch","startTime":"2025-03-10T12:00:00"}`)
		a, b := n.itemToRaw(item), n.itemToRaw(item)
		if a.NativeID == "" || a.NativeID != b.NativeID || !strings.HasPrefix(a.NativeID, "flow-") {
			t.Errorf("expected stable derived id, got %q and %q", a.NativeID, b.NativeID)
		}
		other := n.itemToRaw([]byte(`{"title":"Lunch","startTime":"2025-03-11T12:00:00"}`))
		if other.NativeID == a.NativeID {
			t.Error("different start produced the same id")
		}
	})

	t.Run("date only is all day", func(t *testing.T) {
		ev := n.itemToRaw([]byte(`{"title":"Trip","startTime":"2025-03-20"}`))
		if ev.Err != nil || !ev.Start.AllDay {
			t.Errorf("expected all-day, got %+v", ev)
		}
	})

	t.Run("recurrence becomes a rule", func(t *testing.T) {
		ev := n.itemToRaw([]byte(`{"id":"gym","title":"Gym","startTime":"2025-03-03T07:00:00Z","endTime":"2025-03-03T08:00:00Z","recurrence":"weekly","recurrenceEndDate":"2025-03-31T07:00:00Z"}`))
		if ev.Err != nil {
			t.Fatal(ev.Err)
		}
		if ev.Rule != "FREQ=WEEKLY;UNTIL=20250331T070000Z" || ev.SeriesKey != "gym" {
			t.Errorf("unexpected rule %q series %q", ev.Rule, ev.SeriesKey)
		}
	})

	t.Run("recurrence without end is a single event", func(t *testing.T) {
		ev := n.itemToRaw([]byte(`{"id":"x","title":"X","startTime":"2025-03-03T07:00:00Z","recurrence":"daily"}`))
		if ev.Err != nil || ev.Rule != "" {
			t.Errorf("expected plain event, got %+v", ev)
		}
	})

	invalid := []struct {
		name string
		item string
	}{
		{"missing title", `{"startTime":"2025-03-10T10:00:00Z"}`},
		{"bad recurrence", `{"title":"A","startTime":"2025-03-10T10:00:00Z","recurrence":"fortnightly"}`},
		{"bad time", `{"title":"A","startTime":"next tuesday"}`},
		{"not json", `{"title":`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			ev := n.itemToRaw([]byte(tt.item))
			if !errors.Is(ev.Err, domain.ErrMalformedEvent) {
				t.Errorf("expected malformed event, got %v", ev.Err)
			}
		})
	}
}

type memoryInbox struct {
	deliveries map[string]*out.FlowDelivery
}

func (m *memoryInbox) Store(_ context.Context, d *out.FlowDelivery) error {
	m.deliveries[d.UserID+"/"+d.SourceID] = d
	return nil
}

func (m *memoryInbox) Latest(_ context.Context, userID, sourceID string) (*out.FlowDelivery, error) {
	return m.deliveries[userID+"/"+sourceID], nil
}

func TestFlowFetcher_FetchEvents(t *testing.T) {
	n := newNormalizer(t)
	inbox := &memoryInbox{deliveries: map[string]*out.FlowDelivery{}}
	f := NewFlowFetcher(inbox, n)
	src := domain.ProviderSource{ID: "flow", UserID: "alice", Provider: domain.ProviderAutomationFlow}

	events, err := f.FetchEvents(context.Background(), fetchReq(src, ""))
	if err != nil || len(events) != 0 {
		t.Fatalf("expected empty result before any delivery, got %v %v", events, err)
	}

	payload, _, err := n.NormalizePayload([]byte(`[{"title":"A","startTime":"2025-03-10T10:00:00Z"},{"startTime":"2025-03-10"}]`))
	if err != nil {
		t.Fatal(err)
	}
	_ = inbox.Store(context.Background(), &out.FlowDelivery{UserID: "alice", SourceID: "flow", Payload: payload, ReceivedAt: time.Now()})

	events, err = f.FetchEvents(context.Background(), fetchReq(src, ""))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Err != nil || events[1].Err == nil {
		t.Errorf("expected one good and one malformed row, got %+v", events)
	}

	other := src
	other.UserID = "bob"
	events, _ = f.FetchEvents(context.Background(), fetchReq(other, ""))
	if len(events) != 0 {
		t.Errorf("bob must not see alice's delivery, got %d rows", len(events))
	}
}
