package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Instants are stored as unix milliseconds so the same schema runs on sqlite and postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS calendar_events (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		provider           TEXT NOT NULL,
		source_calendar_id TEXT NOT NULL,
		native_id          TEXT NOT NULL,
		summary            TEXT NOT NULL DEFAULT '',
		description        TEXT NOT NULL DEFAULT '',
		location           TEXT NOT NULL DEFAULT '',
		start_ms           BIGINT NOT NULL,
		end_ms             BIGINT NULL,
		effective_end_ms   BIGINT NOT NULL,
		all_day            INTEGER NOT NULL DEFAULT 0,
		end_all_day        INTEGER NOT NULL DEFAULT 0,
		is_recurring       INTEGER NOT NULL DEFAULT 0,
		series_id          TEXT NULL,
		instance_index     INTEGER NULL,
		recurrence_rule    TEXT NULL,
		sync_status        TEXT NOT NULL,
		last_updated_ms    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calendar_events_user_range
		ON calendar_events (user_id, start_ms, effective_end_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_calendar_events_source
		ON calendar_events (user_id, provider, source_calendar_id)`,
	`CREATE INDEX IF NOT EXISTS idx_calendar_events_updated
		ON calendar_events (user_id, last_updated_ms)`,

	`CREATE TABLE IF NOT EXISTS cache_snapshots (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		provider       TEXT NOT NULL,
		calendar_id    TEXT NOT NULL,
		range_start_ms BIGINT NOT NULL,
		range_end_ms   BIGINT NOT NULL,
		fetched_at_ms  BIGINT NOT NULL,
		payload        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_snapshots_scope
		ON cache_snapshots (user_id, provider, calendar_id)`,

	`CREATE TABLE IF NOT EXISTS sync_states (
		user_id         TEXT NOT NULL,
		source_id       TEXT NOT NULL,
		provider        TEXT NOT NULL,
		calendar_id     TEXT NOT NULL,
		last_attempt_ms BIGINT NOT NULL,
		last_success_ms BIGINT NULL,
		status          TEXT NOT NULL,
		last_error      TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, source_id)
	)`,

	`CREATE TABLE IF NOT EXISTS flow_inbox (
		user_id     TEXT NOT NULL,
		source_id   TEXT NOT NULL,
		payload     TEXT NOT NULL,
		received_ms BIGINT NOT NULL,
		PRIMARY KEY (user_id, source_id)
	)`,
}

// Migrate creates the tables if they do not exist. Statements run one at a
// time since not every driver accepts multi-statement execs.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	return nil
}
