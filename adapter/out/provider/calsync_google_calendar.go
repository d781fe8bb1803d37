package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/httputil"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const googlePageSize = 250

// GoogleCalendarFetcher reads oauth-calendar sources of vendor google.
// Recurring events are requested as single instances, so the provider's
// recurringEventId becomes the series key.
type GoogleCalendarFetcher struct {
	client   *http.Client
	endpoint string // empty means the public API
}

func NewGoogleCalendarFetcher(client *http.Client, endpoint string) *GoogleCalendarFetcher {
	if client == nil {
		client = httputil.GoogleClient()
	}
	if endpoint != "" && !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &GoogleCalendarFetcher{client: client, endpoint: endpoint}
}

var _ out.EventFetcher = (*GoogleCalendarFetcher)(nil)

func (f *GoogleCalendarFetcher) Provider() domain.Provider {
	return domain.ProviderOAuthCalendar
}

// getService creates a Calendar service bound to the bearer credential.
func (f *GoogleCalendarFetcher) getService(ctx context.Context, cred domain.Credential) (*calendar.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, f.client)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.BearerToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

func (f *GoogleCalendarFetcher) FetchEvents(ctx context.Context, req *out.FetchRequest) ([]domain.RawEvent, error) {
	if req.Credential.Empty() {
		return nil, out.NewProviderError("google", out.ProviderErrAuth, "no bearer token for source "+req.Source.ID, nil, false)
	}
	svc, err := f.getService(ctx, req.Credential)
	if err != nil {
		return nil, out.NewProviderError("google", out.ProviderErrInvalidInput, "failed to create calendar service", err, false)
	}

	calendarID := req.Source.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	call := svc.Events.List(calendarID).
		TimeMin(req.Range.Start.Format(time.RFC3339)).
		TimeMax(req.Range.End.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(googlePageSize)

	var events []domain.RawEvent
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			events = append(events, convertGoogleEvent(item))
		}
		return nil
	})
	if err != nil {
		return nil, classifyError("google", err)
	}
	return events, nil
}

func convertGoogleEvent(item *calendar.Event) domain.RawEvent {
	ev := domain.RawEvent{
		NativeID:    item.Id,
		SeriesKey:   item.RecurringEventId,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
	}

	start, err := parseGoogleTime(item.Start)
	if err != nil {
		ev.Err = fmt.Errorf("%w: start: %v", domain.ErrMalformedEvent, err)
		return ev
	}
	ev.Start = start

	if item.End != nil {
		end, err := parseGoogleTime(item.End)
		if err != nil {
			ev.Err = fmt.Errorf("%w: end: %v", domain.ErrMalformedEvent, err)
			return ev
		}
		ev.End = &end
	}
	return ev
}

func parseGoogleTime(t *calendar.EventDateTime) (domain.EventTime, error) {
	if t == nil {
		return domain.EventTime{}, fmt.Errorf("missing")
	}
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return domain.EventTime{}, err
		}
		return domain.Timed(parsed), nil
	}
	if t.Date != "" {
		parsed, err := time.Parse("2006-01-02", t.Date)
		if err != nil {
			return domain.EventTime{}, err
		}
		return domain.DateOf(parsed), nil
	}
	return domain.EventTime{}, fmt.Errorf("neither date nor dateTime set")
}
