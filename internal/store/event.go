// Package store tracks which webhook events have already been acted on,
// keyed by subscription ID and event type. Stripe retries delivery and
// gives no ordering guarantee, and a renewal correction applied twice
// would shift the anchor without cause.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// MarkProcessed records that an event of this type has been handled for
// the subscription. Returns false when an earlier event already claimed
// the (subscription, event type) pair.
func (s *EventStore) MarkProcessed(eventID, subscriptionID, eventType string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO processed_events (event_id, subscription_id, event_type) VALUES (?, ?, ?)
		 ON CONFLICT (subscription_id, event_type) DO NOTHING`,
		eventID, subscriptionID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Seen reports whether an event of this type was already handled for
// the subscription.
func (s *EventStore) Seen(subscriptionID, eventType string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM processed_events WHERE subscription_id = ? AND event_type = ?`,
		subscriptionID, eventType,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count processed events: %w", err)
	}
	return n > 0, nil
}

// DeleteOlderThan purges entries processed before the cutoff and returns
// how many were removed. Stripe stops retrying an event after a few
// days, so old entries only take up space.
func (s *EventStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM processed_events WHERE processed_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete processed events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
