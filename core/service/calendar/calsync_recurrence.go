package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"calsync/core/domain"

	"github.com/teambition/rrule-go"
)

// DefaultMaxInstances caps how many occurrences one master row may produce.
const DefaultMaxInstances = 366

// Scope identifies the calendar a batch belongs to.
type Scope struct {
	UserID     string
	Provider   domain.Provider
	CalendarID string
}

// ExpandedEvent is a concrete dated row plus the recurrence metadata inferred for it.
type ExpandedEvent struct {
	domain.RawEvent
	Recurrence *domain.Recurrence
}

// RecurrenceExpander flattens master rows into instances and tags series.
// A series is recognised by the provider's series key, or by normalized title
// when the provider gives none, and only when the batch holds two or more of its rows.
type RecurrenceExpander struct {
	maxInstances int
}

func NewRecurrenceExpander(maxInstances int) *RecurrenceExpander {
	if maxInstances <= 0 {
		maxInstances = DefaultMaxInstances
	}
	return &RecurrenceExpander{maxInstances: maxInstances}
}

// Expand returns the batch as concrete instances inside window. Rows carrying
// Err pass through untouched so the caller can report them.
func (e *RecurrenceExpander) Expand(scope Scope, raw []domain.RawEvent, window domain.DateRange) []ExpandedEvent {
	flat := make([]domain.RawEvent, 0, len(raw))
	rules := make(map[string]string)

	// 1. Expand master rows
	for _, r := range raw {
		switch {
		case r.Err != nil:
			flat = append(flat, r)
		case r.Rule != "" && !r.Override:
			instances, err := e.expandMaster(r, window)
			if err != nil {
				bad := r
				bad.Err = fmt.Errorf("%w: recurrence rule %q: %v", domain.ErrMalformedEvent, r.Rule, err)
				flat = append(flat, bad)
				continue
			}
			rules[r.NativeID] = normalizeRule(r.Rule)
			flat = append(flat, instances...)
		default:
			flat = append(flat, r)
		}
	}

	// 2. Apply overrides and drop duplicate native ids
	flat = applyOverrides(flat)

	// 3. Group by series key and index chronologically
	expanded := make([]ExpandedEvent, len(flat))
	groups := make(map[string][]int)
	var order []string
	for i, r := range flat {
		expanded[i] = ExpandedEvent{RawEvent: r}
		if r.Err != nil {
			continue
		}
		key := seriesKey(r)
		if key == "" {
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	for _, key := range order {
		idx := groups[key]
		if len(idx) < 2 {
			continue
		}
		sort.SliceStable(idx, func(a, b int) bool {
			ra, rb := flat[idx[a]], flat[idx[b]]
			if !ra.Start.Time.Equal(rb.Start.Time) {
				return ra.Start.Time.Before(rb.Start.Time)
			}
			return ra.NativeID < rb.NativeID
		})

		seriesID := domain.SeriesID(scope.UserID, scope.Provider, scope.CalendarID, key)
		rule := rules[flat[idx[0]].SeriesKey]
		for n, i := range idx {
			expanded[i].Recurrence = &domain.Recurrence{
				IsRecurring:   true,
				SeriesID:      seriesID,
				InstanceIndex: n,
				Rule:          rule,
			}
		}
	}

	return expanded
}

func (e *RecurrenceExpander) expandMaster(m domain.RawEvent, window domain.DateRange) ([]domain.RawEvent, error) {
	r, err := rrule.StrToRRule(normalizeRule(m.Rule))
	if err != nil {
		return nil, err
	}
	r.DTStart(m.Start.Time)

	set := rrule.Set{}
	set.RRule(r)
	for _, ex := range m.ExDates {
		set.ExDate(ex)
	}

	var duration time.Duration
	if m.End != nil {
		duration = m.End.Time.Sub(m.Start.Time)
	}

	// Occurrences starting before the window can still overlap it.
	occurrences := set.Between(window.Start.Add(-duration), window.End, true)
	if len(occurrences) > e.maxInstances {
		occurrences = occurrences[:e.maxInstances]
	}

	instances := make([]domain.RawEvent, 0, len(occurrences))
	for _, occ := range occurrences {
		inst := m
		inst.Rule = ""
		inst.ExDates = nil
		inst.SeriesKey = m.NativeID
		inst.NativeID = domain.InstanceNativeID(m.NativeID, occ, m.Start.AllDay)
		if m.Start.AllDay {
			inst.Start = domain.DateOf(occ)
		} else {
			inst.Start = domain.Timed(occ)
		}
		if m.End != nil {
			end := domain.EventTime{Time: inst.Start.Time.Add(duration), AllDay: m.End.AllDay}
			inst.End = &end
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func applyOverrides(rows []domain.RawEvent) []domain.RawEvent {
	pos := make(map[string]int, len(rows))
	out := make([]domain.RawEvent, 0, len(rows))
	drop := make(map[int]bool)

	for _, r := range rows {
		if r.NativeID == "" {
			out = append(out, r)
			continue
		}
		if i, seen := pos[r.NativeID]; seen {
			if r.Override && !out[i].Override {
				out[i] = r
			}
			continue
		}
		pos[r.NativeID] = len(out)
		out = append(out, r)
	}

	for i, r := range out {
		if r.Override && r.Cancelled {
			drop[i] = true
		}
	}
	if len(drop) == 0 {
		return out
	}
	kept := out[:0]
	for i, r := range out {
		if !drop[i] {
			kept = append(kept, r)
		}
	}
	return kept
}

func seriesKey(r domain.RawEvent) string {
	if r.SeriesKey != "" {
		return "series:" + r.SeriesKey
	}
	if t := domain.NormalizeTitle(r.Summary); t != "" {
		return "title:" + t
	}
	return ""
}

func normalizeRule(rule string) string {
	return strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
}
