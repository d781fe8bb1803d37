package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/httputil"
	"calsync/pkg/logger"

	ical "github.com/arran4/golang-ical"
)

// feedCacheEntry holds the HTTP cache validators and the last body of one feed URL.
type feedCacheEntry struct {
	etag         string
	lastModified string
	body         []byte
}

// ICalFeedFetcher downloads iCalendar feeds with conditional requests and
// hands master rows with their RRULE to the recurrence expander.
type ICalFeedFetcher struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]*feedCacheEntry
}

func NewICalFeedFetcher(client *http.Client) *ICalFeedFetcher {
	if client == nil {
		client = httputil.FeedClient()
	}
	return &ICalFeedFetcher{client: client, cache: make(map[string]*feedCacheEntry)}
}

var _ out.EventFetcher = (*ICalFeedFetcher)(nil)

func (f *ICalFeedFetcher) Provider() domain.Provider {
	return domain.ProviderICalFeed
}

func (f *ICalFeedFetcher) FetchEvents(ctx context.Context, req *out.FetchRequest) ([]domain.RawEvent, error) {
	feedURL := req.Source.URL
	if feedURL == "" {
		return nil, out.NewProviderError("ical", out.ProviderErrInvalidInput, "source "+req.Source.ID+" has no url", nil, false)
	}

	body, err := f.download(ctx, feedURL, req.Credential)
	if err != nil {
		return nil, err
	}
	return parseFeed(body)
}

func (f *ICalFeedFetcher) download(ctx context.Context, feedURL string, cred domain.Credential) ([]byte, error) {
	f.mu.Lock()
	cached := f.cache[feedURL]
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, out.NewProviderError("ical", out.ProviderErrInvalidInput, "invalid feed url", err, false)
	}
	req.Header.Set("Accept", "text/calendar")
	if !cred.Empty() {
		req.Header.Set("Authorization", "Bearer "+cred.BearerToken)
	}
	if cached != nil {
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			req.Header.Set("If-Modified-Since", cached.lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyError("ical", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		logger.Debug("[ICalFeedFetcher.download] %s not modified", redactURL(feedURL))
		return cached.body, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("ical", resp.StatusCode, "")
	}

	body, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, classifyError("ical", err)
	}

	entry := &feedCacheEntry{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		body:         body,
	}
	f.mu.Lock()
	if entry.etag != "" || entry.lastModified != "" {
		f.cache[feedURL] = entry
	} else {
		delete(f.cache, feedURL)
	}
	f.mu.Unlock()

	return body, nil
}

// parseFeed turns every VEVENT into a raw row. A VEVENT that cannot be
// read becomes a row carrying Err so the rest of the feed still syncs.
func parseFeed(body []byte) ([]domain.RawEvent, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, out.NewProviderError("ical", out.ProviderErrServer, "unparseable feed", err, false)
	}

	vevents := cal.Events()
	events := make([]domain.RawEvent, 0, len(vevents))
	for _, ve := range vevents {
		ev := convertVEvent(ve)
		if ev.Cancelled && !ev.Override && ev.Err == nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func convertVEvent(ve *ical.VEvent) domain.RawEvent {
	var ev domain.RawEvent
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		ev.Err = fmt.Errorf("%w: VEVENT without UID", domain.ErrMalformedEvent)
		return ev
	}
	ev.NativeID = uid
	ev.Summary = propValue(ve, ical.ComponentPropertySummary)
	ev.Description = propValue(ve, ical.ComponentPropertyDescription)
	ev.Location = propValue(ve, ical.ComponentPropertyLocation)
	ev.Cancelled = strings.EqualFold(propValue(ve, ical.ComponentPropertyStatus), "CANCELLED")

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	start, err := parsePropTime(startProp)
	if err != nil {
		ev.Err = fmt.Errorf("%w: DTSTART: %v", domain.ErrMalformedEvent, err)
		return ev
	}
	ev.Start = start

	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		end, err := parsePropTime(endProp)
		if err != nil {
			ev.Err = fmt.Errorf("%w: DTEND: %v", domain.ErrMalformedEvent, err)
			return ev
		}
		ev.End = &end
	}

	// RECURRENCE-ID marks an override of one generated instance.
	if rid := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); rid != nil {
		at, err := parsePropTime(rid)
		if err != nil {
			ev.Err = fmt.Errorf("%w: RECURRENCE-ID: %v", domain.ErrMalformedEvent, err)
			return ev
		}
		ev.SeriesKey = uid
		ev.Override = true
		ev.NativeID = domain.InstanceNativeID(uid, at.Time, at.AllDay)
		return ev
	}

	if rule := propValue(ve, ical.ComponentPropertyRrule); rule != "" {
		ev.Rule = rule
		ev.SeriesKey = uid
		for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
			ev.ExDates = append(ev.ExDates, parseExDates(p)...)
		}
	}
	return ev
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

// parsePropTime reads a DATE or DATE-TIME property honouring VALUE and TZID.
// Floating times are taken as UTC.
func parsePropTime(p *ical.IANAProperty) (domain.EventTime, error) {
	if p == nil {
		return domain.EventTime{}, fmt.Errorf("missing")
	}
	return parseICalValue(strings.TrimSpace(p.Value), paramValue(p, "VALUE"), paramValue(p, "TZID"))
}

func parseExDates(p *ical.IANAProperty) []time.Time {
	valueType, tzid := paramValue(p, "VALUE"), paramValue(p, "TZID")
	var dates []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if t, err := parseICalValue(part, valueType, tzid); err == nil {
			dates = append(dates, t.Time)
		}
	}
	return dates
}

func parseICalValue(v, valueType, tzid string) (domain.EventTime, error) {
	if v == "" {
		return domain.EventTime{}, fmt.Errorf("empty time value")
	}
	if strings.EqualFold(valueType, "DATE") || !strings.Contains(v, "T") {
		t, err := time.Parse("20060102", v)
		if err != nil {
			return domain.EventTime{}, err
		}
		return domain.DateOf(t), nil
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return domain.EventTime{}, err
		}
		return domain.Timed(t), nil
	}
	loc := time.UTC
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	if err != nil {
		return domain.EventTime{}, err
	}
	return domain.Timed(t), nil
}

func paramValue(p *ical.IANAProperty, name string) string {
	if p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// redactURL drops the query string, which often carries a feed secret.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?..."
	}
	return raw
}
