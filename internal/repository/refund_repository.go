package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

const refundColumns = `id, booking_id, amount_cents, currency, status, provider_refund_id, created_at, updated_at`

func scanRefund(row rowScanner) (*model.RefundRequest, error) {
	var (
		r          model.RefundRequest
		providerID sql.NullString
	)
	if err := row.Scan(&r.ID, &r.BookingID, &r.AmountCents, &r.Currency, &r.Status, &providerID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	r.ProviderRefundID = providerID.String
	return &r, nil
}

func (s *Store) GetRefund(ctx context.Context, id string) (*model.RefundRequest, error) {
	return scanRefund(s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = ?`, id))
}

// ClaimRefund is a compare-and-set from queued to submitted.
func (s *Store) ClaimRefund(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refund_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.RefundSubmitted, at, id, model.RefundQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetRefund(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) FinishRefund(ctx context.Context, id string, status model.RefundStatus, providerRefundID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refund_requests SET status = ?, provider_refund_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, nullString(providerRefundID), at, id, model.RefundSubmitted)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if _, err := s.GetRefund(ctx, id); err != nil {
			return err
		}
		return model.ErrStaleVersion
	}
	return nil
}

func (s *Store) ListQueuedRefunds(ctx context.Context, createdBefore time.Time, limit int) ([]model.RefundRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refund_requests WHERE status = ? AND created_at < ? ORDER BY created_at ASC LIMIT ?`,
		model.RefundQueued, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RefundRequest
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
