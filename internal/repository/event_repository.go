package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// EventRepository registers processed webhook event identifiers so redelivered
// events are acknowledged without mutating the ledger again. The unique key on
// event_id makes registration race-safe across handler instances.
type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Register records the event id. It returns true when this delivery is the
// first one, false when the id was already registered.
func (r *EventRepository) Register(ctx context.Context, eventID, eventType string) (bool, error) {
	const query = `INSERT IGNORE INTO webhook_events (event_id, event_type) VALUES (?, ?)`
	res, err := r.db.ExecContext(ctx, query, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("register webhook event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("webhook event rows affected: %w", err)
	}
	return affected > 0, nil
}

// Release drops a registration after a downstream failure so the provider's
// redelivery is processed instead of skipped.
func (r *EventRepository) Release(ctx context.Context, eventID string) error {
	const query = `DELETE FROM webhook_events WHERE event_id = ?`
	if _, err := r.db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}
