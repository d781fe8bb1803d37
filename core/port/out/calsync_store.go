package out

import (
	"context"
	"time"

	"calsync/core/domain"
)

// =============================================================================
// Durable event store
// =============================================================================

// EventQuery selects rows of one user. Provider and CalendarID narrow the
// scope when set.
type EventQuery struct {
	UserID         string
	Provider       domain.Provider
	CalendarID     string
	Range          domain.DateRange
	IncludeDeleted bool
	// Window selects rows the way provider fetch windows do (see
	// domain.InWindow) instead of endpoint-inclusive overlap.
	Window bool
}

// EventStore is the canonical per-user event table. Each call is atomic on its own.
type EventStore interface {
	UpsertEvent(ctx context.Context, event *domain.CalendarEvent) error
	MarkDeleted(ctx context.Context, userID string, ids []string, at time.Time) error
	QueryByRange(ctx context.Context, q *EventQuery) ([]*domain.CalendarEvent, error)
	QueryDelta(ctx context.Context, userID string, rng domain.DateRange, since time.Time) ([]*domain.CalendarEvent, error)
}

// =============================================================================
// Durable cache snapshots
// =============================================================================

type Snapshot struct {
	Key       domain.CacheKey
	Events    []*domain.CalendarEvent
	FetchedAt time.Time
}

// SnapshotStore persists cache entries. ReplaceSnapshot removes every stored
// snapshot of the same user, provider and calendar whose range overlaps the new one.
type SnapshotStore interface {
	ReplaceSnapshot(ctx context.Context, snap *Snapshot) error
	// FindCovering returns the newest snapshot whose range covers key.Range, or nil.
	FindCovering(ctx context.Context, key domain.CacheKey) (*Snapshot, error)
	CountSnapshots(ctx context.Context, userID string, provider domain.Provider, calendarID string) (int, error)
}

// =============================================================================
// Sync state
// =============================================================================

type SyncStateRepository interface {
	RecordAttempt(ctx context.Context, state *domain.SyncState) error
	GetState(ctx context.Context, userID, sourceID string) (*domain.SyncState, error)
	// LastSuccessByUser returns the most recent success per user across all sources.
	LastSuccessByUser(ctx context.Context) (map[string]time.Time, error)
	// LastAttemptByUser returns the most recent attempt per user, successful or not.
	LastAttemptByUser(ctx context.Context) (map[string]time.Time, error)
}

// =============================================================================
// Automation-flow inbox
// =============================================================================

type FlowDelivery struct {
	UserID     string
	SourceID   string
	Payload    []byte
	ReceivedAt time.Time
}

// FlowInbox keeps the latest pushed payload per user and source.
type FlowInbox interface {
	Store(ctx context.Context, d *FlowDelivery) error
	Latest(ctx context.Context, userID, sourceID string) (*FlowDelivery, error)
}

// FlowPayloadNormalizer checks a pushed body and returns the canonical JSON array to store.
type FlowPayloadNormalizer interface {
	NormalizePayload(body []byte) ([]byte, int, error)
}
