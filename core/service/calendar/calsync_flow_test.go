package calendar

import (
	"context"
	"errors"
	"testing"

	"calsync/core/domain"
	"calsync/core/port/in"
	"calsync/core/port/out"
)

type memoryInbox struct {
	deliveries []*out.FlowDelivery
}

func (m *memoryInbox) Store(ctx context.Context, d *out.FlowDelivery) error {
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *memoryInbox) Latest(ctx context.Context, userID, sourceID string) (*out.FlowDelivery, error) {
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		if d := m.deliveries[i]; d.UserID == userID && d.SourceID == sourceID {
			return d, nil
		}
	}
	return nil, nil
}

type passthroughNormalizer struct{ err error }

func (n passthroughNormalizer) NormalizePayload(body []byte) ([]byte, int, error) {
	if n.err != nil {
		return nil, 0, n.err
	}
	return body, 1, nil
}

type recordingSync struct {
	reqs []*in.SyncRequest
}

func (r *recordingSync) Sync(ctx context.Context, req *in.SyncRequest) (*domain.SyncResult, error) {
	r.reqs = append(r.reqs, req)
	return domain.NewSyncResult(), nil
}

func TestFlowIngest(t *testing.T) {
	sources := &memorySources{byUser: map[string][]domain.ProviderSource{
		"u1": {
			source("flow", domain.ProviderAutomationFlow, "outlook-flow"),
			source("feed", domain.ProviderICalFeed, "team"),
		},
	}}

	tests := []struct {
		name       string
		req        *in.FlowIngestRequest
		normalizer passthroughNormalizer
		want       error
		stored     int
	}{
		{"accepted", &in.FlowIngestRequest{UserID: "u1", SourceID: "flow", Body: []byte(`[]`)}, passthroughNormalizer{}, nil, 1},
		{"missing user", &in.FlowIngestRequest{SourceID: "flow"}, passthroughNormalizer{}, domain.ErrMissingUserID, 0},
		{"not a flow source", &in.FlowIngestRequest{UserID: "u1", SourceID: "feed"}, passthroughNormalizer{}, domain.ErrSourceNotFound, 0},
		{"unknown source", &in.FlowIngestRequest{UserID: "u1", SourceID: "nope"}, passthroughNormalizer{}, domain.ErrSourceNotFound, 0},
		{"bad payload", &in.FlowIngestRequest{UserID: "u1", SourceID: "flow", Body: []byte(`<html>`)}, passthroughNormalizer{err: errors.New("no array")}, domain.ErrMalformedEvent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbox := &memoryInbox{}
			syncer := &recordingSync{}
			svc := NewFlowService(sources, inbox, tt.normalizer, syncer)

			_, err := svc.Ingest(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(inbox.deliveries) != tt.stored {
				t.Errorf("expected %d stored deliveries, got %d", tt.stored, len(inbox.deliveries))
			}
			if tt.want == nil {
				if len(syncer.reqs) != 1 || !syncer.reqs[0].ForceRefresh || syncer.reqs[0].ProviderSourceID != "flow" {
					t.Errorf("expected one forced sync of the flow source, got %+v", syncer.reqs)
				}
			}
		})
	}
}
