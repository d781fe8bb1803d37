package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/httputil"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

const (
	msGraphBaseURL = "https://graph.microsoft.com/v1.0"
	graphPageSize  = 100
	// Graph's dateTime has no offset; we ask for UTC via the Prefer header.
	graphTimeFormat = "2006-01-02T15:04:05.9999999"
)

// GraphCalendarFetcher reads oauth-calendar sources of vendor microsoft
// through the calendarView endpoint, which returns expanded occurrences.
type GraphCalendarFetcher struct {
	client  *http.Client
	baseURL string
}

func NewGraphCalendarFetcher(client *http.Client, baseURL string) *GraphCalendarFetcher {
	if client == nil {
		client = httputil.GraphClient()
	}
	if baseURL == "" {
		baseURL = msGraphBaseURL
	}
	return &GraphCalendarFetcher{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

var _ out.EventFetcher = (*GraphCalendarFetcher)(nil)

func (f *GraphCalendarFetcher) Provider() domain.Provider {
	return domain.ProviderOAuthCalendar
}

// getClient creates an HTTP client with the bearer credential.
func (f *GraphCalendarFetcher) getClient(ctx context.Context, cred domain.Credential) *http.Client {
	base := context.WithValue(ctx, oauth2.HTTPClient, f.client)
	return oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.BearerToken,
		TokenType:   "Bearer",
	}))
}

type graphEvent struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	Start       struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"end"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	IsAllDay       bool   `json:"isAllDay"`
	IsCancelled    bool   `json:"isCancelled"`
	SeriesMasterID string `json:"seriesMasterId"`
	Type           string `json:"type"`
}

type graphPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

func (f *GraphCalendarFetcher) FetchEvents(ctx context.Context, req *out.FetchRequest) ([]domain.RawEvent, error) {
	if req.Credential.Empty() {
		return nil, out.NewProviderError("microsoft", out.ProviderErrAuth, "no bearer token for source "+req.Source.ID, nil, false)
	}
	client := f.getClient(ctx, req.Credential)

	endpoint := f.baseURL + "/me/calendarView"
	if id := req.Source.CalendarID; id != "" && id != "primary" {
		endpoint = f.baseURL + "/me/calendars/" + url.PathEscape(id) + "/calendarView"
	}
	params := url.Values{}
	params.Set("startDateTime", req.Range.Start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", req.Range.End.UTC().Format(time.RFC3339))
	params.Set("$top", fmt.Sprintf("%d", graphPageSize))
	next := endpoint + "?" + params.Encode()

	var events []domain.RawEvent
	for next != "" {
		page, err := f.fetchPage(ctx, client, next)
		if err != nil {
			return nil, err
		}
		for i := range page.Value {
			ev := &page.Value[i]
			if ev.IsCancelled {
				continue
			}
			events = append(events, convertGraphEvent(ev))
		}
		next = page.NextLink
	}
	return events, nil
}

func (f *GraphCalendarFetcher) fetchPage(ctx context.Context, client *http.Client, pageURL string) (*graphPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, out.NewProviderError("microsoft", out.ProviderErrInvalidInput, "failed to create request", err, false)
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyError("microsoft", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, classifyError("microsoft", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("microsoft", resp.StatusCode, graphErrorMessage(body))
	}

	var page graphPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, out.NewProviderError("microsoft", out.ProviderErrServer, "failed to decode calendarView page", err, true)
	}
	return &page, nil
}

func graphErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil || payload.Error.Code == "" {
		return ""
	}
	return payload.Error.Code + ": " + payload.Error.Message
}

func convertGraphEvent(ev *graphEvent) domain.RawEvent {
	raw := domain.RawEvent{
		NativeID:    ev.ID,
		SeriesKey:   ev.SeriesMasterID,
		Summary:     ev.Subject,
		Description: ev.BodyPreview,
		Location:    ev.Location.DisplayName,
	}

	start, err := parseGraphTime(ev.Start.DateTime, ev.IsAllDay)
	if err != nil {
		raw.Err = fmt.Errorf("%w: start: %v", domain.ErrMalformedEvent, err)
		return raw
	}
	raw.Start = start

	if ev.End.DateTime != "" {
		end, err := parseGraphTime(ev.End.DateTime, ev.IsAllDay)
		if err != nil {
			raw.Err = fmt.Errorf("%w: end: %v", domain.ErrMalformedEvent, err)
			return raw
		}
		raw.End = &end
	}
	return raw
}

func parseGraphTime(value string, allDay bool) (domain.EventTime, error) {
	t, err := time.Parse(graphTimeFormat, value)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, value); err != nil {
			return domain.EventTime{}, err
		}
	}
	if allDay {
		return domain.DateOf(t), nil
	}
	return domain.Timed(t), nil
}
