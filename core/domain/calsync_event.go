package domain

import (
	"time"
)

// Provider is the kind of upstream an event came from.
type Provider string

const (
	ProviderOAuthCalendar  Provider = "oauth-calendar"
	ProviderICalFeed       Provider = "ical-feed"
	ProviderAutomationFlow Provider = "automation-flow"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderOAuthCalendar, ProviderICalFeed, ProviderAutomationFlow:
		return true
	}
	return false
}

type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
	SyncStatusDeleted SyncStatus = "deleted"
)

// =============================================================================
// EventTime
// =============================================================================

// EventTime is either a timed instant or an all-day date. All-day values are
// kept as midnight UTC of the calendar date.
type EventTime struct {
	Time   time.Time `json:"time"`
	AllDay bool      `json:"all_day"`
}

func Timed(t time.Time) EventTime {
	return EventTime{Time: t.UTC()}
}

func AllDay(year int, month time.Month, day int) EventTime {
	return EventTime{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), AllDay: true}
}

// DateOf converts any instant to the all-day value of its calendar date in its own location.
func DateOf(t time.Time) EventTime {
	return AllDay(t.Year(), t.Month(), t.Day())
}

func (t EventTime) IsZero() bool {
	return t.Time.IsZero()
}

// Normalized returns the value as it round-trips through storage: UTC, millisecond precision.
func (t EventTime) Normalized() EventTime {
	return EventTime{Time: t.Time.UTC().Truncate(time.Millisecond), AllDay: t.AllDay}
}

func (t EventTime) Equal(o EventTime) bool {
	return t.AllDay == o.AllDay && t.Time.Equal(o.Time)
}

// =============================================================================
// CalendarEvent
// =============================================================================

type Recurrence struct {
	IsRecurring   bool   `json:"is_recurring"`
	SeriesID      string `json:"series_id"`
	InstanceIndex int    `json:"instance_index"`
	Rule          string `json:"rule,omitempty"`
}

type CalendarEvent struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Provider         Provider   `json:"provider"`
	SourceCalendarID string     `json:"source_calendar_id"`
	NativeID         string     `json:"native_id"`
	Summary          string     `json:"summary,omitempty"`
	Description      string     `json:"description,omitempty"`
	Location         string     `json:"location,omitempty"`
	Start            EventTime  `json:"start"`
	End              *EventTime `json:"end,omitempty"`

	Recurrence *Recurrence `json:"recurrence,omitempty"`

	SyncStatus  SyncStatus `json:"sync_status"`
	LastUpdated time.Time  `json:"last_updated"`
}

// EffectiveEnd is the end used for range overlap; events without an end occupy their start.
func (e *CalendarEvent) EffectiveEnd() time.Time {
	if e.End != nil {
		return e.End.Time
	}
	return e.Start.Time
}

// Overlaps reports whether the event intersects r, endpoints inclusive.
func (e *CalendarEvent) Overlaps(r DateRange) bool {
	return !e.Start.Time.After(r.End) && !e.EffectiveEnd().Before(r.Start)
}

// InWindow applies the provider fetch-window rule to the event.
func (e *CalendarEvent) InWindow(r DateRange) bool {
	return InWindow(e.Start.Time, e.EffectiveEnd(), r)
}

// SameContent compares every field reconciliation may change.
func (e *CalendarEvent) SameContent(o *CalendarEvent) bool {
	if e.Summary != o.Summary || e.Description != o.Description || e.Location != o.Location {
		return false
	}
	if !e.Start.Equal(o.Start) || e.SyncStatus != o.SyncStatus {
		return false
	}
	switch {
	case e.End == nil && o.End == nil:
	case e.End == nil || o.End == nil:
		return false
	case !e.End.Equal(*o.End):
		return false
	}
	switch {
	case e.Recurrence == nil && o.Recurrence == nil:
		return true
	case e.Recurrence == nil || o.Recurrence == nil:
		return false
	default:
		return *e.Recurrence == *o.Recurrence
	}
}

// EventsView is what the read path hands back to callers.
type EventsView struct {
	Events   []*CalendarEvent `json:"events"`
	Sources  []SourceStatus   `json:"sources,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
	Delta    bool             `json:"delta,omitempty"`
	Changed  bool             `json:"changed,omitempty"`
}

type SourceStatus struct {
	SourceID  string `json:"source_id"`
	FromCache bool   `json:"from_cache"`
	Fallback  bool   `json:"fallback"`
	Error     string `json:"error,omitempty"`
}
