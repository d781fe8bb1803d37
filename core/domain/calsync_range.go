package domain

import (
	"fmt"
	"time"
)

// DateRange is a closed interval [Start, End].
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: start.UTC(), End: end.UTC()}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Overlaps treats ranges touching at an endpoint as overlapping.
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.Start.After(o.End) && !r.End.Before(o.Start)
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Covers reports whether o lies entirely inside r.
func (r DateRange) Covers(o DateRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

func (r DateRange) String() string {
	return r.Start.UTC().Format(time.RFC3339) + "/" + r.End.UTC().Format(time.RFC3339)
}

// InWindow reports whether an event spanning [start, end) falls inside r the
// way provider fetch windows select it: an event that only touches an edge of
// r is outside. Zero-length events count when start lies in [r.Start, r.End).
func InWindow(start, end time.Time, r DateRange) bool {
	if !start.Before(r.End) {
		return false
	}
	if end.After(start) {
		return end.After(r.Start)
	}
	return !start.Before(r.Start)
}

// Window builds a range around now.
func Window(now time.Time, past, future time.Duration) DateRange {
	return DateRange{Start: now.Add(-past).UTC(), End: now.Add(future).UTC()}
}
