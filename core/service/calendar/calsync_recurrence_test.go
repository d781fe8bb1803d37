package calendar

import (
	"errors"
	"testing"
	"time"

	"calsync/core/domain"
)

var testScope = Scope{UserID: "u1", Provider: domain.ProviderICalFeed, CalendarID: "team"}

func TestExpand_WeeklyMaster(t *testing.T) {
	master := raw("standup", "Standup", at(0, 10))
	master.Rule = "RRULE:FREQ=WEEKLY;COUNT=4"

	got := NewRecurrenceExpander(0).Expand(testScope, []domain.RawEvent{master}, testWindow)
	if len(got) != 4 {
		t.Fatalf("expected 4 instances, got %d", len(got))
	}

	seriesID := domain.SeriesID("u1", domain.ProviderICalFeed, "team", "series:standup")
	for i, ev := range got {
		wantStart := time.Date(2025, 3, 10+7*i, 10, 0, 0, 0, time.UTC)
		if !ev.Start.Time.Equal(wantStart) {
			t.Errorf("instance %d: start = %s, want %s", i, ev.Start.Time, wantStart)
		}
		if want := domain.InstanceNativeID("standup", wantStart, false); ev.NativeID != want {
			t.Errorf("instance %d: native id = %q, want %q", i, ev.NativeID, want)
		}
		if ev.Recurrence == nil || !ev.Recurrence.IsRecurring {
			t.Fatalf("instance %d: expected recurrence metadata", i)
		}
		if ev.Recurrence.InstanceIndex != i {
			t.Errorf("instance %d: index = %d", i, ev.Recurrence.InstanceIndex)
		}
		if ev.Recurrence.SeriesID != seriesID {
			t.Errorf("instance %d: series id = %q, want %q", i, ev.Recurrence.SeriesID, seriesID)
		}
		if ev.Recurrence.Rule != "FREQ=WEEKLY;COUNT=4" {
			t.Errorf("instance %d: rule = %q", i, ev.Recurrence.Rule)
		}
		if ev.End == nil || ev.End.Time.Sub(ev.Start.Time) != 30*time.Minute {
			t.Errorf("instance %d: duration not preserved", i)
		}
	}
}

func TestExpand_ExDateAndOverride(t *testing.T) {
	master := raw("standup", "Standup", at(0, 10))
	master.Rule = "FREQ=WEEKLY;COUNT=4"
	master.ExDates = []time.Time{time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)}

	moved := raw(domain.InstanceNativeID("standup", time.Date(2025, 3, 24, 10, 0, 0, 0, time.UTC), false), "Standup (moved)", at(14, 15))
	moved.SeriesKey = "standup"
	moved.Override = true

	cancelled := raw(domain.InstanceNativeID("standup", time.Date(2025, 3, 31, 10, 0, 0, 0, time.UTC), false), "Standup", at(21, 10))
	cancelled.SeriesKey = "standup"
	cancelled.Override = true
	cancelled.Cancelled = true

	got := NewRecurrenceExpander(0).Expand(testScope, []domain.RawEvent{master, moved, cancelled}, testWindow)
	if len(got) != 2 {
		t.Fatalf("expected 2 rows after exdate and cancellation, got %d", len(got))
	}
	if got[1].Summary != "Standup (moved)" || got[1].Start.Time.Hour() != 15 {
		t.Errorf("override not applied: %+v", got[1].RawEvent)
	}
	for i, ev := range got {
		if ev.Recurrence == nil || ev.Recurrence.InstanceIndex != i {
			t.Errorf("row %d: unexpected recurrence %+v", i, ev.Recurrence)
		}
	}
}

func TestExpand_TitleInference(t *testing.T) {
	rows := []domain.RawEvent{
		raw("c", "Weekly  SYNC", at(14, 9)),
		raw("a", "weekly sync", at(0, 9)),
		raw("b", "Weekly Sync", at(7, 9)),
		raw("d", "Dentist", at(3, 16)),
	}

	got := NewRecurrenceExpander(0).Expand(testScope, rows, testWindow)
	index := map[string]int{}
	for _, ev := range got {
		if ev.NativeID == "d" {
			if ev.Recurrence != nil {
				t.Errorf("single occurrence must not be recurring")
			}
			continue
		}
		if ev.Recurrence == nil {
			t.Fatalf("%s: expected recurrence", ev.NativeID)
		}
		index[ev.NativeID] = ev.Recurrence.InstanceIndex
	}
	if index["a"] != 0 || index["b"] != 1 || index["c"] != 2 {
		t.Errorf("indexes not chronological: %v", index)
	}
}

func TestExpand_BadRuleAndCap(t *testing.T) {
	bad := raw("broken", "Broken", at(0, 10))
	bad.Rule = "FREQ=SOMETIMES"

	daily := raw("daily", "Daily", at(-7, 8))
	daily.Rule = "FREQ=DAILY"

	got := NewRecurrenceExpander(5).Expand(testScope, []domain.RawEvent{bad, daily}, testWindow)
	if len(got) != 6 {
		t.Fatalf("expected 1 failed row plus 5 capped instances, got %d", len(got))
	}
	if !errors.Is(got[0].Err, domain.ErrMalformedEvent) {
		t.Errorf("expected malformed error on bad rule, got %v", got[0].Err)
	}
	if got[0].Recurrence != nil {
		t.Errorf("failed row must not carry recurrence")
	}
}
