package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// BeginEvent inserts the event under its unique provider id.  Concurrent
// deliveries of the same id race on the primary key, not on a read.
func (s *Store) BeginEvent(ctx context.Context, ev *model.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (provider_event_id, type, payload, received_at) VALUES (?, ?, ?, ?)`,
		ev.ProviderEventID, ev.Type, ev.Payload, ev.ReceivedAt)
	if err == nil {
		return nil
	}
	if !isDuplicateKey(err) {
		return err
	}
	var processed sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		`SELECT processed_at FROM webhook_events WHERE provider_event_id = ?`, ev.ProviderEventID,
	).Scan(&processed); err != nil {
		return err
	}
	if processed.Valid {
		return model.ErrDuplicateEvent
	}
	return nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, providerEventID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed_at = ? WHERE provider_event_id = ? AND processed_at IS NULL`,
		at, providerEventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM webhook_events WHERE provider_event_id = ?`, providerEventID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			return err
		}
	}
	return nil
}
