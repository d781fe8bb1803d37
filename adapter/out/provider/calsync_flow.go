package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// flowItemSchema validates one automation-flow item. Date strings are
// checked by the parser, which knows the accepted layouts.
const flowItemSchema = `{
	"type": "object",
	"required": ["title", "startTime"],
	"properties": {
		"title":             {"type": "string", "minLength": 1},
		"startTime":         {"type": "string", "minLength": 1},
		"endTime":           {"type": ["string", "null"]},
		"location":          {"type": ["string", "null"]},
		"description":       {"type": ["string", "null"]},
		"recurrence":        {"type": ["string", "null"], "pattern": "(?i)^(none|daily|weekly|monthly|yearly)?$"},
		"recurrenceEndDate": {"type": ["string", "null"]},
		"iCalUId":           {"type": ["string", "null"]},
		"iCalUld":           {"type": ["string", "null"]},
		"id":                {"type": ["string", "null"]}
	}
}`

type flowItem struct {
	Title             string `json:"title"`
	StartTime         string `json:"startTime"`
	EndTime           string `json:"endTime"`
	Location          string `json:"location"`
	Description       string `json:"description"`
	Recurrence        string `json:"recurrence"`
	RecurrenceEndDate string `json:"recurrenceEndDate"`
	ICalUId           string `json:"iCalUId"`
	ICalUld           string `json:"iCalUld"`
	ID                string `json:"id"`
}

// FlowNormalizer turns webhook bodies into a bare JSON array and validates items.
type FlowNormalizer struct {
	schema *jsonschema.Schema
}

func NewFlowNormalizer() (*FlowNormalizer, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowItemSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse flow item schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("flow-item.json", doc); err != nil {
		return nil, err
	}
	schema, err := c.Compile("flow-item.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile flow item schema: %w", err)
	}
	return &FlowNormalizer{schema: schema}, nil
}

var _ out.FlowPayloadNormalizer = (*FlowNormalizer)(nil)

// NormalizePayload accepts a bare array or a text/HTML body with the array
// embedded, and returns the array re-encoded plus its item count.
func (n *FlowNormalizer) NormalizePayload(body []byte) ([]byte, int, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, 0, fmt.Errorf("empty payload")
	}
	if trimmed[0] != '[' {
		extracted, ok := extractArray(trimmed)
		if !ok {
			return nil, 0, fmt.Errorf("no JSON array found in payload")
		}
		trimmed = extracted
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, 0, fmt.Errorf("payload is not a JSON array: %w", err)
	}
	normalized, err := json.Marshal(items)
	if err != nil {
		return nil, 0, err
	}
	return normalized, len(items), nil
}

// extractArray finds the first JSON array of objects in s and returns it,
// matching brackets outside string literals.
func extractArray(s []byte) ([]byte, bool) {
	for start := bytes.IndexByte(s, '['); start >= 0; {
		rest := bytes.TrimLeft(s[start+1:], " \t\r\n")
		if len(rest) > 0 && rest[0] == '{' {
			if end := matchBracket(s[start:]); end > 0 {
				return s[start : start+end], true
			}
			return nil, false
		}
		next := bytes.IndexByte(s[start+1:], '[')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchBracket(s []byte) int {
	depth := 0
	inString, escaped := false, false
	for i, c := range s {
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// itemToRaw validates and converts one item. Failures come back as a row with Err.
func (n *FlowNormalizer) itemToRaw(raw json.RawMessage) domain.RawEvent {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return domain.RawEvent{Err: fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)}
	}

	var item flowItem
	_ = json.Unmarshal(raw, &item)
	nativeID := item.nativeID()

	if err := n.schema.Validate(inst); err != nil {
		return domain.RawEvent{NativeID: nativeID, Summary: item.Title, Err: fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)}
	}

	ev := domain.RawEvent{
		NativeID:    nativeID,
		Summary:     item.Title,
		Description: item.Description,
		Location:    item.Location,
	}

	start, err := parseFlowTime(item.StartTime)
	if err != nil {
		ev.Err = fmt.Errorf("%w: startTime: %v", domain.ErrMalformedEvent, err)
		return ev
	}
	ev.Start = start

	if item.EndTime != "" {
		end, err := parseFlowTime(item.EndTime)
		if err != nil {
			ev.Err = fmt.Errorf("%w: endTime: %v", domain.ErrMalformedEvent, err)
			return ev
		}
		ev.End = &end
	}

	freq := strings.ToUpper(strings.TrimSpace(item.Recurrence))
	if freq != "" && freq != "NONE" && ev.End != nil && item.RecurrenceEndDate != "" {
		until, err := parseFlowTime(item.RecurrenceEndDate)
		if err != nil {
			ev.Err = fmt.Errorf("%w: recurrenceEndDate: %v", domain.ErrMalformedEvent, err)
			return ev
		}
		ev.Rule = "FREQ=" + freq + ";UNTIL=" + until.Time.UTC().Format("20060102T150405Z")
		ev.SeriesKey = nativeID
	}
	return ev
}

func (i *flowItem) nativeID() string {
	for _, id := range []string{i.ICalUId, i.ICalUld, i.ID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	if i.Title == "" && i.StartTime == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(i.Title + "\x1f" + i.StartTime))
	return "flow-" + hex.EncodeToString(sum[:])[:16]
}

var flowTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.9999999",
}

// parseFlowTime accepts RFC3339 (with or without fraction), naive
// date-times taken as UTC, and bare dates, which yield all-day values.
func parseFlowTime(v string) (domain.EventTime, error) {
	v = strings.TrimSpace(v)
	for _, layout := range flowTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return domain.Timed(t), nil
		}
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return domain.DateOf(t), nil
	}
	return domain.EventTime{}, fmt.Errorf("unrecognised time %q", v)
}

// =============================================================================
// FlowFetcher
// =============================================================================

// FlowFetcher serves automation-flow sources from the latest stored delivery.
type FlowFetcher struct {
	inbox      out.FlowInbox
	normalizer *FlowNormalizer
}

func NewFlowFetcher(inbox out.FlowInbox, normalizer *FlowNormalizer) *FlowFetcher {
	return &FlowFetcher{inbox: inbox, normalizer: normalizer}
}

var _ out.EventFetcher = (*FlowFetcher)(nil)

func (f *FlowFetcher) Provider() domain.Provider {
	return domain.ProviderAutomationFlow
}

func (f *FlowFetcher) FetchEvents(ctx context.Context, req *out.FetchRequest) ([]domain.RawEvent, error) {
	if req.Source.UserID == "" {
		return nil, out.NewProviderError("flow", out.ProviderErrInvalidInput, "source without user", nil, false)
	}
	delivery, err := f.inbox.Latest(ctx, req.Source.UserID, req.Source.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow inbox: %w", err)
	}
	if delivery == nil {
		return []domain.RawEvent{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(delivery.Payload, &items); err != nil {
		return nil, out.NewProviderError("flow", out.ProviderErrInvalidInput, "stored payload is not an array", err, false)
	}

	events := make([]domain.RawEvent, 0, len(items))
	for _, item := range items {
		events = append(events, f.normalizer.itemToRaw(item))
	}
	return events, nil
}
