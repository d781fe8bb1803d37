package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/metrics"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// EventAdapter - canonical calendar_events table
// =============================================================================

type EventAdapter struct {
	db *sqlx.DB
}

func NewEventAdapter(db *sqlx.DB) *EventAdapter {
	return &EventAdapter{db: db}
}

var _ out.EventStore = (*EventAdapter)(nil)

// =============================================================================
// Entity
// =============================================================================

type eventEntity struct {
	ID               string         `db:"id"`
	UserID           string         `db:"user_id"`
	Provider         string         `db:"provider"`
	SourceCalendarID string         `db:"source_calendar_id"`
	NativeID         string         `db:"native_id"`
	Summary          string         `db:"summary"`
	Description      string         `db:"description"`
	Location         string         `db:"location"`
	StartMs          int64          `db:"start_ms"`
	EndMs            sql.NullInt64  `db:"end_ms"`
	EffectiveEndMs   int64          `db:"effective_end_ms"`
	AllDay           int            `db:"all_day"`
	EndAllDay        int            `db:"end_all_day"`
	IsRecurring      int            `db:"is_recurring"`
	SeriesID         sql.NullString `db:"series_id"`
	InstanceIndex    sql.NullInt64  `db:"instance_index"`
	RecurrenceRule   sql.NullString `db:"recurrence_rule"`
	SyncStatus       string         `db:"sync_status"`
	LastUpdatedMs    int64          `db:"last_updated_ms"`
}

const eventColumns = `id, user_id, provider, source_calendar_id, native_id, summary, description, location,
	start_ms, end_ms, effective_end_ms, all_day, end_all_day, is_recurring, series_id, instance_index,
	recurrence_rule, sync_status, last_updated_ms`

func toEventEntity(ev *domain.CalendarEvent) *eventEntity {
	e := &eventEntity{
		ID:               ev.ID,
		UserID:           ev.UserID,
		Provider:         string(ev.Provider),
		SourceCalendarID: ev.SourceCalendarID,
		NativeID:         ev.NativeID,
		Summary:          ev.Summary,
		Description:      ev.Description,
		Location:         ev.Location,
		StartMs:          toMillis(ev.Start.Time),
		EffectiveEndMs:   toMillis(ev.EffectiveEnd()),
		AllDay:           boolToInt(ev.Start.AllDay),
		SyncStatus:       string(ev.SyncStatus),
		LastUpdatedMs:    toMillis(ev.LastUpdated),
	}
	if ev.End != nil {
		e.EndMs = sql.NullInt64{Int64: toMillis(ev.End.Time), Valid: true}
		e.EndAllDay = boolToInt(ev.End.AllDay)
	}
	if r := ev.Recurrence; r != nil {
		e.IsRecurring = boolToInt(r.IsRecurring)
		e.SeriesID = sql.NullString{String: r.SeriesID, Valid: r.SeriesID != ""}
		e.InstanceIndex = sql.NullInt64{Int64: int64(r.InstanceIndex), Valid: true}
		e.RecurrenceRule = sql.NullString{String: r.Rule, Valid: r.Rule != ""}
	}
	return e
}

func (e *eventEntity) toDomain() *domain.CalendarEvent {
	ev := &domain.CalendarEvent{
		ID:               e.ID,
		UserID:           e.UserID,
		Provider:         domain.Provider(e.Provider),
		SourceCalendarID: e.SourceCalendarID,
		NativeID:         e.NativeID,
		Summary:          e.Summary,
		Description:      e.Description,
		Location:         e.Location,
		Start:            domain.EventTime{Time: fromMillis(e.StartMs), AllDay: e.AllDay == 1},
		SyncStatus:       domain.SyncStatus(e.SyncStatus),
		LastUpdated:      fromMillis(e.LastUpdatedMs),
	}

	// Nullable fields
	if e.EndMs.Valid {
		ev.End = &domain.EventTime{Time: fromMillis(e.EndMs.Int64), AllDay: e.EndAllDay == 1}
	}
	if e.IsRecurring == 1 || e.SeriesID.Valid {
		ev.Recurrence = &domain.Recurrence{
			IsRecurring:   e.IsRecurring == 1,
			SeriesID:      e.SeriesID.String,
			InstanceIndex: int(e.InstanceIndex.Int64),
			Rule:          e.RecurrenceRule.String,
		}
	}
	return ev
}

// =============================================================================
// Writes
// =============================================================================

func (a *EventAdapter) UpsertEvent(ctx context.Context, ev *domain.CalendarEvent) error {
	if ev.ID == "" || ev.UserID == "" {
		return fmt.Errorf("%w: event id and user id are required", ErrInvalidInput)
	}
	defer metrics.ObserveDBLatency("upsert_event", time.Now())

	query := `
		INSERT INTO calendar_events (` + eventColumns + `)
		VALUES (:id, :user_id, :provider, :source_calendar_id, :native_id, :summary, :description, :location,
			:start_ms, :end_ms, :effective_end_ms, :all_day, :end_all_day, :is_recurring, :series_id, :instance_index,
			:recurrence_rule, :sync_status, :last_updated_ms)
		ON CONFLICT (id) DO UPDATE SET
			summary = excluded.summary,
			description = excluded.description,
			location = excluded.location,
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			effective_end_ms = excluded.effective_end_ms,
			all_day = excluded.all_day,
			end_all_day = excluded.end_all_day,
			is_recurring = excluded.is_recurring,
			series_id = excluded.series_id,
			instance_index = excluded.instance_index,
			recurrence_rule = excluded.recurrence_rule,
			sync_status = excluded.sync_status,
			last_updated_ms = excluded.last_updated_ms
		WHERE calendar_events.user_id = excluded.user_id
	`
	_, err := a.db.NamedExecContext(ctx, query, toEventEntity(ev))
	return err
}

// MarkDeleted soft-deletes rows of userID. Ids of other users are ignored.
func (a *EventAdapter) MarkDeleted(ctx context.Context, userID string, ids []string, at time.Time) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(ids) == 0 {
		return nil
	}
	defer metrics.ObserveDBLatency("mark_deleted", time.Now())

	query, args, err := sqlx.In(
		`UPDATE calendar_events SET sync_status = ?, last_updated_ms = ? WHERE user_id = ? AND id IN (?)`,
		string(domain.SyncStatusDeleted), toMillis(at), userID, ids,
	)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, a.db.Rebind(query), args...)
	return err
}

// =============================================================================
// Reads
// =============================================================================

func (a *EventAdapter) QueryByRange(ctx context.Context, q *out.EventQuery) ([]*domain.CalendarEvent, error) {
	if q.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	defer metrics.ObserveDBLatency("query_range", time.Now())

	where := []string{"user_id = ?", "start_ms <= ?", "effective_end_ms >= ?"}
	args := []any{q.UserID, toMillis(q.Range.End), toMillis(q.Range.Start)}
	if q.Window {
		where = []string{"user_id = ?", "start_ms < ?", "(effective_end_ms > ? OR (effective_end_ms <= start_ms AND start_ms >= ?))"}
		args = []any{q.UserID, toMillis(q.Range.End), toMillis(q.Range.Start), toMillis(q.Range.Start)}
	}
	if q.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, string(q.Provider))
	}
	if q.CalendarID != "" {
		where = append(where, "source_calendar_id = ?")
		args = append(args, q.CalendarID)
	}
	if !q.IncludeDeleted {
		where = append(where, "sync_status <> ?")
		args = append(args, string(domain.SyncStatusDeleted))
	}

	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY start_ms, id`
	return a.selectEvents(ctx, a.db.Rebind(query), args...)
}

// QueryDelta includes soft-deleted rows so clients can drop them.
func (a *EventAdapter) QueryDelta(ctx context.Context, userID string, rng domain.DateRange, since time.Time) ([]*domain.CalendarEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	defer metrics.ObserveDBLatency("query_delta", time.Now())

	query := `
		SELECT ` + eventColumns + ` FROM calendar_events
		WHERE user_id = ? AND start_ms <= ? AND effective_end_ms >= ? AND last_updated_ms >= ?
		ORDER BY start_ms, id
	`
	return a.selectEvents(ctx, a.db.Rebind(query), userID, toMillis(rng.End), toMillis(rng.Start), toMillis(since))
}

func (a *EventAdapter) selectEvents(ctx context.Context, query string, args ...any) ([]*domain.CalendarEvent, error) {
	var entities []eventEntity
	if err := a.db.SelectContext(ctx, &entities, query, args...); err != nil {
		return nil, err
	}
	events := make([]*domain.CalendarEvent, len(entities))
	for i := range entities {
		events[i] = entities[i].toDomain()
	}
	return events, nil
}
