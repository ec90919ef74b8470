// Package store declares the persistence contracts shared by the MySQL
// repository and the in-memory store.  Every write that changes a booking is
// conditional on the version the caller read.
package store

import (
	"context"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// SessionChange moves a checkout session out of SessionCreated.  It is a
// no-op when the session has already left that state.
type SessionChange struct {
	SessionID string
	Status    model.SessionStatus
}

// BookingWrite is one atomic ledger commit.
type BookingWrite struct {
	// Booking is the new state.  Its Version must be ExpectedVersion+1.
	Booking         *model.Booking
	ExpectedVersion int64
	// AttachSession records the provider id of a freshly opened session.
	AttachSession *model.CheckoutSession
	CloseSession  *SessionChange
	// Refund is inserted alongside the booking update.
	Refund *model.RefundRequest
}

// Bookings persists bookings.
type Bookings interface {
	// CreateBooking inserts a new booking.  It fails with model.ErrConflict
	// when a pending or confirmed booking of the same car overlaps the range.
	CreateBooking(ctx context.Context, b *model.Booking) error
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	// CommitBooking applies w if the stored version still equals
	// w.ExpectedVersion, otherwise it returns model.ErrStaleVersion.
	CommitBooking(ctx context.Context, w BookingWrite) error
	// ListEndedBookings returns confirmed bookings whose end is at or before now.
	ListEndedBookings(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
}

// Sessions persists checkout sessions.
type Sessions interface {
	// ReserveSession inserts a session in SessionCreated.  It fails with
	// model.ErrConflict when the booking already has an open session.
	ReserveSession(ctx context.Context, s *model.CheckoutSession) error
	GetSession(ctx context.Context, id string) (*model.CheckoutSession, error)
	GetOpenSession(ctx context.Context, bookingID string) (*model.CheckoutSession, error)
	GetSessionByProviderID(ctx context.Context, providerSessionID string) (*model.CheckoutSession, error)
	CloseSession(ctx context.Context, c SessionChange) error
	// ListStaleSessions returns open sessions created before the cutoff,
	// least recently reconciled first.
	ListStaleSessions(ctx context.Context, createdBefore time.Time, limit int) ([]model.CheckoutSession, error)
	MarkSessionReconciled(ctx context.Context, id string, at time.Time) error
}

// Events is the processed-event-id ledger.
type Events interface {
	// BeginEvent records the event if unseen.  It returns
	// model.ErrDuplicateEvent when the event was already processed.  An event
	// recorded but not yet processed may be begun again.
	BeginEvent(ctx context.Context, ev *model.WebhookEvent) error
	MarkEventProcessed(ctx context.Context, providerEventID string, at time.Time) error
}

// DepositCases persists deposit disputes.
type DepositCases interface {
	// CreateCase fails with model.ErrConflict when the booking has an open case.
	CreateCase(ctx context.Context, c *model.DepositCase) error
	GetCase(ctx context.Context, id string) (*model.DepositCase, error)
	GetOpenCase(ctx context.Context, bookingID string) (*model.DepositCase, error)
	// UpdateCase writes c if the stored status still equals from, otherwise
	// it returns model.ErrStaleVersion.
	UpdateCase(ctx context.Context, c *model.DepositCase, from model.CaseStatus) error
}

// Refunds persists refund requests.
type Refunds interface {
	GetRefund(ctx context.Context, id string) (*model.RefundRequest, error)
	// ClaimRefund moves a request from queued to submitted.  It reports false
	// when another worker claimed it first.
	ClaimRefund(ctx context.Context, id string, at time.Time) (bool, error)
	FinishRefund(ctx context.Context, id string, status model.RefundStatus, providerRefundID string, at time.Time) error
	ListQueuedRefunds(ctx context.Context, createdBefore time.Time, limit int) ([]model.RefundRequest, error)
}

// Store is the full persistence surface.
type Store interface {
	Bookings
	Sessions
	Events
	DepositCases
	Refunds
}
