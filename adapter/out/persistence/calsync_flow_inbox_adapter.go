package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calsync/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// FlowInboxAdapter - latest automation-flow payload per source
// =============================================================================

type FlowInboxAdapter struct {
	db *sqlx.DB
}

func NewFlowInboxAdapter(db *sqlx.DB) *FlowInboxAdapter {
	return &FlowInboxAdapter{db: db}
}

var _ out.FlowInbox = (*FlowInboxAdapter)(nil)

type flowDeliveryEntity struct {
	UserID     string `db:"user_id"`
	SourceID   string `db:"source_id"`
	Payload    string `db:"payload"`
	ReceivedMs int64  `db:"received_ms"`
}

// Store replaces the previous delivery of the same source.
func (a *FlowInboxAdapter) Store(ctx context.Context, d *out.FlowDelivery) error {
	if d.UserID == "" || d.SourceID == "" {
		return fmt.Errorf("%w: user id and source id are required", ErrInvalidInput)
	}
	query := `
		INSERT INTO flow_inbox (user_id, source_id, payload, received_ms)
		VALUES (:user_id, :source_id, :payload, :received_ms)
		ON CONFLICT (user_id, source_id) DO UPDATE SET
			payload = excluded.payload,
			received_ms = excluded.received_ms
	`
	_, err := a.db.NamedExecContext(ctx, query, &flowDeliveryEntity{
		UserID:     d.UserID,
		SourceID:   d.SourceID,
		Payload:    string(d.Payload),
		ReceivedMs: toMillis(d.ReceivedAt),
	})
	return err
}

// Latest returns nil when nothing was delivered yet.
func (a *FlowInboxAdapter) Latest(ctx context.Context, userID, sourceID string) (*out.FlowDelivery, error) {
	var entity flowDeliveryEntity
	query := a.db.Rebind(`SELECT user_id, source_id, payload, received_ms FROM flow_inbox WHERE user_id = ? AND source_id = ?`)
	if err := a.db.GetContext(ctx, &entity, query, userID, sourceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &out.FlowDelivery{
		UserID:     entity.UserID,
		SourceID:   entity.SourceID,
		Payload:    []byte(entity.Payload),
		ReceivedAt: fromMillis(entity.ReceivedMs),
	}, nil
}
