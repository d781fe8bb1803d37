package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Provider sources
// =============================================================================

const (
	VendorGoogle    = "google"
	VendorMicrosoft = "microsoft"
)

// ProviderSource is one subscribed calendar or feed of a user.
type ProviderSource struct {
	ID         string        `json:"id" yaml:"id"`
	UserID     string        `json:"user_id" yaml:"-"`
	Provider   Provider      `json:"provider" yaml:"provider"`
	Vendor     string        `json:"vendor,omitempty" yaml:"vendor"`
	CalendarID string        `json:"calendar_id" yaml:"calendar_id"`
	URL        string        `json:"url,omitempty" yaml:"url"`
	WindowPast time.Duration `json:"window_past,omitempty" yaml:"window_past"`
	WindowNext time.Duration `json:"window_future,omitempty" yaml:"window_future"`
}

func (s ProviderSource) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if !s.Provider.Valid() {
		return fmt.Errorf("source %s: unknown provider %q", s.ID, s.Provider)
	}
	if s.Provider == ProviderOAuthCalendar && s.Vendor != VendorGoogle && s.Vendor != VendorMicrosoft {
		return fmt.Errorf("source %s: oauth-calendar needs vendor google or microsoft", s.ID)
	}
	if s.Provider == ProviderICalFeed && s.URL == "" {
		return fmt.Errorf("source %s: ical-feed needs url", s.ID)
	}
	return nil
}

// Window returns the reconciliation range of the source, using the defaults for unset bounds.
func (s ProviderSource) Window(now time.Time, defPast, defFuture time.Duration) DateRange {
	past, future := s.WindowPast, s.WindowNext
	if past <= 0 {
		past = defPast
	}
	if future <= 0 {
		future = defFuture
	}
	return Window(now.Truncate(time.Minute), past, future)
}

// Credential is the bearer credential handed to a fetcher.
type Credential struct {
	BearerToken string
}

func (c Credential) Empty() bool {
	return c.BearerToken == ""
}

// =============================================================================
// Cache key
// =============================================================================

// CacheKey scopes one cached snapshot.
type CacheKey struct {
	UserID     string
	Provider   Provider
	CalendarID string
	Range      DateRange
}

func (k CacheKey) String() string {
	return strings.Join([]string{
		k.UserID,
		string(k.Provider),
		k.CalendarID,
		strconv.FormatInt(k.Range.Start.UnixMilli(), 10),
		strconv.FormatInt(k.Range.End.UnixMilli(), 10),
	}, fieldSep)
}

func (k CacheKey) Validate() error {
	if k.UserID == "" {
		return ErrMissingUserID
	}
	return k.Range.Validate()
}

// =============================================================================
// Sync results and state
// =============================================================================

type SyncResult struct {
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Deleted   int      `json:"deleted"`
	Errors    []string `json:"errors"`
	Skipped   bool     `json:"skipped,omitempty"`
}

func NewSyncResult() *SyncResult {
	return &SyncResult{Errors: []string{}}
}

func (r *SyncResult) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

type SyncState struct {
	UserID      string
	SourceID    string
	Provider    Provider
	CalendarID  string
	LastAttempt time.Time
	LastSuccess *time.Time
	Status      SyncStatus
	LastError   string
}

// =============================================================================
// Raw provider events
// =============================================================================

// RawEvent is one provider row before expansion and identity. Err marks a row
// that could not be decoded; it still counts as processed.
type RawEvent struct {
	NativeID    string
	SeriesKey   string
	Summary     string
	Description string
	Location    string
	Start       EventTime
	End         *EventTime

	// Rule is an RRULE body for master rows that still need expansion.
	Rule    string
	ExDates []time.Time
	// Override marks a provider-supplied replacement of one generated instance.
	// A cancelled override removes that instance.
	Override  bool
	Cancelled bool

	Err error
}

// InWindow applies the provider fetch-window rule to the row.
func (e RawEvent) InWindow(r DateRange) bool {
	end := e.Start.Time
	if e.End != nil {
		end = e.End.Time
	}
	return InWindow(e.Start.Time, end, r)
}
