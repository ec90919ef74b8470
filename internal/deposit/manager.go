// Package deposit files and resolves disputes over the deposit held for a
// completed booking.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/store"
)

// Store is the persistence the manager needs.
type Store interface {
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	store.DepositCases
}

// Manager owns the deposit case lifecycle.  It never changes a booking.
type Manager struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

// NewManager returns a Manager.  now may be nil.
func NewManager(s Store, now func() time.Time, log *slog.Logger) *Manager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{store: s, now: now, log: log.With("component", "deposit")}
}

// FileCase opens a case against a completed booking.  It fails with
// model.ErrInvalidState when the booking is not completed or already has an
// open case.
func (m *Manager) FileCase(ctx context.Context, bookingID string, amountCents int64) (*model.DepositCase, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: claimed amount must be positive", model.ErrInvalidInput)
	}
	b, err := m.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: booking is %s, not completed", model.ErrInvalidState, b.Status)
	}
	c := &model.DepositCase{
		ID:                 uuid.NewString(),
		BookingID:          bookingID,
		Status:             model.CaseSubmitted,
		AmountClaimedCents: amountCents,
		FiledAt:            m.now(),
	}
	if err := m.store.CreateCase(ctx, c); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("%w: booking already has an open deposit case", model.ErrInvalidState)
		}
		return nil, err
	}
	m.log.Info("deposit case filed", "booking_id", bookingID, "case_id", c.ID, "amount_cents", amountCents)
	return c, nil
}

// GetCase returns a case by id.
func (m *Manager) GetCase(ctx context.Context, id string) (*model.DepositCase, error) {
	return m.store.GetCase(ctx, id)
}

// OpenCaseForBooking returns the booking's unresolved case, if any.
func (m *Manager) OpenCaseForBooking(ctx context.Context, bookingID string) (*model.DepositCase, error) {
	return m.store.GetOpenCase(ctx, bookingID)
}

// StartReview moves a submitted case under review.
func (m *Manager) StartReview(ctx context.Context, caseID string) (*model.DepositCase, error) {
	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CaseSubmitted {
		return nil, fmt.Errorf("%w: case is %s", model.ErrInvalidState, c.Status)
	}
	next := *c
	next.Status = model.CaseUnderReview
	if err := m.store.UpdateCase(ctx, &next, c.Status); err != nil {
		return nil, err
	}
	return &next, nil
}

// Resolve closes an open case as retained or reversed.  Resolution is
// terminal.
func (m *Manager) Resolve(ctx context.Context, caseID string, outcome model.CaseStatus) (*model.DepositCase, error) {
	if outcome != model.CaseRetained && outcome != model.CaseReversed {
		return nil, fmt.Errorf("%w: outcome must be retained or reversed", model.ErrInvalidInput)
	}
	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Open() {
		return nil, fmt.Errorf("%w: case already %s", model.ErrInvalidState, c.Status)
	}
	at := m.now()
	next := *c
	next.Status = outcome
	next.ResolvedAt = &at
	if err := m.store.UpdateCase(ctx, &next, c.Status); err != nil {
		return nil, err
	}
	m.log.Info("deposit case resolved", "booking_id", c.BookingID, "case_id", c.ID, "outcome", outcome)
	return &next, nil
}
