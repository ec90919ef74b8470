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

const bookingColumns = `id, car_id, renter_id, host_id, start_at, end_at, status, payment_status,
	checkout_session_id, amount_due_cents, currency, amount_captured_cents, amount_refunded_cents,
	completed_at, created_at, updated_at, version`

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b         model.Booking
		sessionID sql.NullString
		completed sql.NullTime
	)
	err := row.Scan(&b.ID, &b.CarID, &b.RenterID, &b.HostID, &b.StartAt, &b.EndAt, &b.Status, &b.PaymentStatus,
		&sessionID, &b.AmountDueCents, &b.Currency, &b.AmountCapturedCents, &b.AmountRefundedCents,
		&completed, &b.CreatedAt, &b.UpdatedAt, &b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if sessionID.Valid {
		id := sessionID.String
		b.CheckoutSessionID = &id
	}
	if completed.Valid {
		at := completed.Time
		b.CompletedAt = &at
	}
	return &b, nil
}

// CreateBooking serializes inserts per car on the car_locks row, so the
// overlap check and the insert are atomic with respect to other bookings of
// the same car.
func (s *Store) CreateBooking(ctx context.Context, b *model.Booking) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO car_locks (car_id) VALUES (?)`, b.CarID); err != nil {
			return err
		}
		var locked string
		if err := tx.QueryRowContext(ctx, `SELECT car_id FROM car_locks WHERE car_id = ? FOR UPDATE`, b.CarID).Scan(&locked); err != nil {
			return err
		}
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM bookings
			 WHERE car_id = ? AND status IN (?, ?) AND start_at < ? AND end_at > ?`,
			b.CarID, model.StatusPendingPayment, model.StatusConfirmed, b.EndAt, b.StartAt,
		).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: car %s already booked for an overlapping range", model.ErrConflict, b.CarID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO bookings (`+bookingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.CarID, b.RenterID, b.HostID, b.StartAt, b.EndAt, b.Status, b.PaymentStatus,
			sessionIDArg(b.CheckoutSessionID), b.AmountDueCents, b.Currency, b.AmountCapturedCents, b.AmountRefundedCents,
			b.CompletedAt, b.CreatedAt, b.UpdatedAt, b.Version)
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: booking %s exists", model.ErrConflict, b.ID)
		}
		return err
	})
}

func (s *Store) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	return scanBooking(s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
}

// CommitBooking writes the booking and its side records in one transaction.
func (s *Store) CommitBooking(ctx context.Context, w store.BookingWrite) error {
	b := w.Booking
	if b.Version != w.ExpectedVersion+1 {
		return model.ErrStaleVersion
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE bookings SET status = ?, payment_status = ?, checkout_session_id = ?,
			        amount_captured_cents = ?, amount_refunded_cents = ?, completed_at = ?,
			        updated_at = ?, version = ?
			 WHERE id = ? AND version = ?`,
			b.Status, b.PaymentStatus, sessionIDArg(b.CheckoutSessionID),
			b.AmountCapturedCents, b.AmountRefundedCents, b.CompletedAt,
			b.UpdatedAt, b.Version, b.ID, w.ExpectedVersion)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM bookings WHERE id = ?`, b.ID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			if err != nil {
				return err
			}
			return model.ErrStaleVersion
		}

		if w.AttachSession != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE checkout_sessions SET provider_session_id = ? WHERE id = ?`,
				nullString(w.AttachSession.ProviderSessionID), w.AttachSession.ID); err != nil {
				return err
			}
		}
		if w.CloseSession != nil {
			if err := closeSession(ctx, tx, *w.CloseSession); err != nil {
				return err
			}
		}
		if r := w.Refund; r != nil {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO refund_requests (id, booking_id, amount_cents, currency, status, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.BookingID, r.AmountCents, r.Currency, r.Status, r.CreatedAt, r.UpdatedAt)
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: refund already requested for booking %s", model.ErrConflict, r.BookingID)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListEndedBookings(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE status = ? AND end_at <= ?
		 ORDER BY end_at ASC LIMIT ?`,
		model.StatusConfirmed, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func sessionIDArg(id *string) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(*id)
}
