package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// SyncStateAdapter - last attempt and last success per source
// =============================================================================

type SyncStateAdapter struct {
	db *sqlx.DB
}

func NewSyncStateAdapter(db *sqlx.DB) *SyncStateAdapter {
	return &SyncStateAdapter{db: db}
}

var _ out.SyncStateRepository = (*SyncStateAdapter)(nil)

type syncStateEntity struct {
	UserID        string        `db:"user_id"`
	SourceID      string        `db:"source_id"`
	Provider      string        `db:"provider"`
	CalendarID    string        `db:"calendar_id"`
	LastAttemptMs int64         `db:"last_attempt_ms"`
	LastSuccessMs sql.NullInt64 `db:"last_success_ms"`
	Status        string        `db:"status"`
	LastError     string        `db:"last_error"`
}

func (e *syncStateEntity) toDomain() *domain.SyncState {
	state := &domain.SyncState{
		UserID:      e.UserID,
		SourceID:    e.SourceID,
		Provider:    domain.Provider(e.Provider),
		CalendarID:  e.CalendarID,
		LastAttempt: fromMillis(e.LastAttemptMs),
		Status:      domain.SyncStatus(e.Status),
		LastError:   e.LastError,
	}
	if e.LastSuccessMs.Valid {
		t := fromMillis(e.LastSuccessMs.Int64)
		state.LastSuccess = &t
	}
	return state
}

// RecordAttempt upserts the state. A failed attempt keeps the previous last success.
func (a *SyncStateAdapter) RecordAttempt(ctx context.Context, state *domain.SyncState) error {
	if state.UserID == "" || state.SourceID == "" {
		return fmt.Errorf("%w: user id and source id are required", ErrInvalidInput)
	}
	entity := &syncStateEntity{
		UserID:        state.UserID,
		SourceID:      state.SourceID,
		Provider:      string(state.Provider),
		CalendarID:    state.CalendarID,
		LastAttemptMs: toMillis(state.LastAttempt),
		Status:        string(state.Status),
		LastError:     state.LastError,
	}
	if state.LastSuccess != nil {
		entity.LastSuccessMs = sql.NullInt64{Int64: toMillis(*state.LastSuccess), Valid: true}
	}

	query := `
		INSERT INTO sync_states (user_id, source_id, provider, calendar_id, last_attempt_ms, last_success_ms, status, last_error)
		VALUES (:user_id, :source_id, :provider, :calendar_id, :last_attempt_ms, :last_success_ms, :status, :last_error)
		ON CONFLICT (user_id, source_id) DO UPDATE SET
			provider = excluded.provider,
			calendar_id = excluded.calendar_id,
			last_attempt_ms = excluded.last_attempt_ms,
			last_success_ms = COALESCE(excluded.last_success_ms, sync_states.last_success_ms),
			status = excluded.status,
			last_error = excluded.last_error
	`
	_, err := a.db.NamedExecContext(ctx, query, entity)
	return err
}

func (a *SyncStateAdapter) GetState(ctx context.Context, userID, sourceID string) (*domain.SyncState, error) {
	var entity syncStateEntity
	query := a.db.Rebind(`SELECT * FROM sync_states WHERE user_id = ? AND source_id = ?`)
	if err := a.db.GetContext(ctx, &entity, query, userID, sourceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

type lastSuccessRow struct {
	UserID        string        `db:"user_id"`
	LastSuccessMs sql.NullInt64 `db:"last_success_ms"`
}

// LastSuccessByUser returns the newest success of any source per user.
// Users that never succeeded are absent.
func (a *SyncStateAdapter) LastSuccessByUser(ctx context.Context) (map[string]time.Time, error) {
	var rows []lastSuccessRow
	query := `
		SELECT user_id, MAX(last_success_ms) AS last_success_ms
		FROM sync_states
		GROUP BY user_id
	`
	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	result := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		if r.LastSuccessMs.Valid {
			result[r.UserID] = fromMillis(r.LastSuccessMs.Int64)
		}
	}
	return result, nil
}

type lastAttemptRow struct {
	UserID        string `db:"user_id"`
	LastAttemptMs int64  `db:"last_attempt_ms"`
}

// LastAttemptByUser returns the newest attempt of any source per user.
func (a *SyncStateAdapter) LastAttemptByUser(ctx context.Context) (map[string]time.Time, error) {
	var rows []lastAttemptRow
	query := `
		SELECT user_id, MAX(last_attempt_ms) AS last_attempt_ms
		FROM sync_states
		GROUP BY user_id
	`
	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	result := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		result[r.UserID] = fromMillis(r.LastAttemptMs)
	}
	return result, nil
}
