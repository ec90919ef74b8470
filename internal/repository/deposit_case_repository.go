package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

const caseColumns = `id, booking_id, status, amount_claimed_cents, filed_at, resolved_at`

func scanCase(row rowScanner) (*model.DepositCase, error) {
	var (
		c        model.DepositCase
		resolved sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.BookingID, &c.Status, &c.AmountClaimedCents, &c.FiledAt, &resolved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if resolved.Valid {
		at := resolved.Time
		c.ResolvedAt = &at
	}
	return &c, nil
}

// CreateCase relies on the unique (booking_id, open_flag) key.
func (s *Store) CreateCase(ctx context.Context, c *model.DepositCase) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deposit_cases (id, booking_id, status, amount_claimed_cents, filed_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.BookingID, c.Status, c.AmountClaimedCents, c.FiledAt)
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: booking %s has an open deposit case", model.ErrConflict, c.BookingID)
	}
	return err
}

func (s *Store) GetCase(ctx context.Context, id string) (*model.DepositCase, error) {
	return scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM deposit_cases WHERE id = ?`, id))
}

func (s *Store) GetOpenCase(ctx context.Context, bookingID string) (*model.DepositCase, error) {
	return scanCase(s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM deposit_cases WHERE booking_id = ? AND status IN (?, ?)`,
		bookingID, model.CaseSubmitted, model.CaseUnderReview))
}

func (s *Store) UpdateCase(ctx context.Context, c *model.DepositCase, from model.CaseStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deposit_cases SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		c.Status, c.ResolvedAt, c.ID, from)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if _, err := s.GetCase(ctx, c.ID); err != nil {
			return err
		}
		return model.ErrStaleVersion
	}
	return nil
}
