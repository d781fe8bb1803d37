package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// SnapshotAdapter - durable cache tier
// =============================================================================

type SnapshotAdapter struct {
	db *sqlx.DB
}

func NewSnapshotAdapter(db *sqlx.DB) *SnapshotAdapter {
	return &SnapshotAdapter{db: db}
}

var _ out.SnapshotStore = (*SnapshotAdapter)(nil)

type snapshotEntity struct {
	ID           string `db:"id"`
	UserID       string `db:"user_id"`
	Provider     string `db:"provider"`
	CalendarID   string `db:"calendar_id"`
	RangeStartMs int64  `db:"range_start_ms"`
	RangeEndMs   int64  `db:"range_end_ms"`
	FetchedAtMs  int64  `db:"fetched_at_ms"`
	Payload      string `db:"payload"`
}

func (e *snapshotEntity) toDomain() (*out.Snapshot, error) {
	var events []*domain.CalendarEvent
	if err := json.Unmarshal([]byte(e.Payload), &events); err != nil {
		return nil, fmt.Errorf("snapshot %s: corrupt payload: %w", e.ID, err)
	}
	return &out.Snapshot{
		Key: domain.CacheKey{
			UserID:     e.UserID,
			Provider:   domain.Provider(e.Provider),
			CalendarID: e.CalendarID,
			Range:      domain.DateRange{Start: fromMillis(e.RangeStartMs), End: fromMillis(e.RangeEndMs)},
		},
		Events:    events,
		FetchedAt: fromMillis(e.FetchedAtMs),
	}, nil
}

// ReplaceSnapshot drops every snapshot of the same scope whose range overlaps
// the new one and inserts the new row, in one transaction.
func (a *SnapshotAdapter) ReplaceSnapshot(ctx context.Context, snap *out.Snapshot) error {
	if err := snap.Key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	payload, err := json.Marshal(snap.Events)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	defer metrics.ObserveDBLatency("replace_snapshot", time.Now())

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	k := snap.Key
	del := tx.Rebind(`
		DELETE FROM cache_snapshots
		WHERE user_id = ? AND provider = ? AND calendar_id = ?
		  AND range_start_ms <= ? AND range_end_ms >= ?
	`)
	if _, err := tx.ExecContext(ctx, del, k.UserID, string(k.Provider), k.CalendarID,
		toMillis(k.Range.End), toMillis(k.Range.Start)); err != nil {
		return fmt.Errorf("failed to supersede snapshots: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO cache_snapshots (id, user_id, provider, calendar_id, range_start_ms, range_end_ms, fetched_at_ms, payload)
		VALUES (:id, :user_id, :provider, :calendar_id, :range_start_ms, :range_end_ms, :fetched_at_ms, :payload)
	`, &snapshotEntity{
		ID:           uuid.NewString(),
		UserID:       k.UserID,
		Provider:     string(k.Provider),
		CalendarID:   k.CalendarID,
		RangeStartMs: toMillis(k.Range.Start),
		RangeEndMs:   toMillis(k.Range.End),
		FetchedAtMs:  toMillis(snap.FetchedAt),
		Payload:      string(payload),
	}); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	return tx.Commit()
}

// FindCovering returns the newest snapshot whose range contains key's range, or nil.
func (a *SnapshotAdapter) FindCovering(ctx context.Context, key domain.CacheKey) (*out.Snapshot, error) {
	defer metrics.ObserveDBLatency("find_snapshot", time.Now())

	var entity snapshotEntity
	query := a.db.Rebind(`
		SELECT id, user_id, provider, calendar_id, range_start_ms, range_end_ms, fetched_at_ms, payload
		FROM cache_snapshots
		WHERE user_id = ? AND provider = ? AND calendar_id = ?
		  AND range_start_ms <= ? AND range_end_ms >= ?
		ORDER BY fetched_at_ms DESC
		LIMIT 1
	`)
	err := a.db.GetContext(ctx, &entity, query, key.UserID, string(key.Provider), key.CalendarID,
		toMillis(key.Range.Start), toMillis(key.Range.End))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain()
}

func (a *SnapshotAdapter) CountSnapshots(ctx context.Context, userID string, provider domain.Provider, calendarID string) (int, error) {
	var n int
	query := a.db.Rebind(`SELECT COUNT(*) FROM cache_snapshots WHERE user_id = ? AND provider = ? AND calendar_id = ?`)
	if err := a.db.GetContext(ctx, &n, query, userID, string(provider), calendarID); err != nil {
		return 0, err
	}
	return n, nil
}
