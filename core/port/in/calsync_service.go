package in

import (
	"context"
	"time"

	"calsync/core/domain"
)

type SyncRequest struct {
	UserID           string            `json:"user_id"`
	ProviderSourceID string            `json:"provider_source_id"`
	ForceRefresh     bool              `json:"force_refresh"`
	Credential       domain.Credential `json:"-"`
}

// SyncUseCase runs a manual reconciliation of one source.
type SyncUseCase interface {
	Sync(ctx context.Context, req *SyncRequest) (*domain.SyncResult, error)
}

type EventsRequest struct {
	UserID string
	Range  domain.DateRange
	Since  *time.Time
}

// EventQueryUseCase serves the read path.
type EventQueryUseCase interface {
	Events(ctx context.Context, req *EventsRequest) (*domain.EventsView, error)
	Invalidate(ctx context.Context, userID string, rng *domain.DateRange) (int, error)
}

type FlowIngestRequest struct {
	UserID   string
	SourceID string
	Body     []byte
}

// FlowIngestUseCase accepts automation-flow pushes.
type FlowIngestUseCase interface {
	Ingest(ctx context.Context, req *FlowIngestRequest) (*domain.SyncResult, error)
}

type DueSyncSummary struct {
	Selected int `json:"selected"`
	Synced   int `json:"synced"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// DueSyncUseCase is the scheduler trigger.
type DueSyncUseCase interface {
	RunDueSyncs(ctx context.Context, staleThreshold time.Duration, batchSize int) (*DueSyncSummary, error)
}
