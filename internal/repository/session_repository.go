package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/store"
)

const sessionColumns = `id, booking_id, provider_session_id, status, created_at, last_reconciled_at`

func scanSession(row rowScanner) (*model.CheckoutSession, error) {
	var (
		sess       model.CheckoutSession
		providerID sql.NullString
		reconciled sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.BookingID, &providerID, &sess.Status, &sess.CreatedAt, &reconciled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	sess.ProviderSessionID = providerID.String
	if reconciled.Valid {
		at := reconciled.Time
		sess.LastReconciledAt = &at
	}
	return &sess, nil
}

// ReserveSession relies on the unique (booking_id, open_flag) key, where
// open_flag is generated as 1 for created sessions and NULL otherwise.
func (s *Store) ReserveSession(ctx context.Context, sess *model.CheckoutSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkout_sessions (id, booking_id, provider_session_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.BookingID, nullString(sess.ProviderSessionID), sess.Status, sess.CreatedAt)
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: booking %s has an open checkout session", model.ErrConflict, sess.BookingID)
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = ?`, id))
}

func (s *Store) GetOpenSession(ctx context.Context, bookingID string) (*model.CheckoutSession, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE booking_id = ? AND status = ?`,
		bookingID, model.SessionCreated))
}

func (s *Store) GetSessionByProviderID(ctx context.Context, providerSessionID string) (*model.CheckoutSession, error) {
	if providerSessionID == "" {
		return nil, model.ErrNotFound
	}
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE provider_session_id = ?`, providerSessionID))
}

func (s *Store) CloseSession(ctx context.Context, c store.SessionChange) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM checkout_sessions WHERE id = ?`, c.SessionID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		return closeSession(ctx, tx, c)
	})
}

func closeSession(ctx context.Context, tx *sql.Tx, c store.SessionChange) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = ? WHERE id = ? AND status = ?`,
		c.Status, c.SessionID, model.SessionCreated)
	return err
}

func (s *Store) ListStaleSessions(ctx context.Context, createdBefore time.Time, limit int) ([]model.CheckoutSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions
		 WHERE status = ? AND created_at < ?
		 ORDER BY last_reconciled_at IS NOT NULL, last_reconciled_at ASC, created_at ASC
		 LIMIT ?`,
		model.SessionCreated, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CheckoutSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) MarkSessionReconciled(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE checkout_sessions SET last_reconciled_at = ? WHERE id = ?`, at, id)
	return err
}
