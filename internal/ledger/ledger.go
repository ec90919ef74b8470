// Package ledger owns the booking state machine.  Every mutation of a
// booking, whether it comes from a user action, a provider event or a
// periodic job, goes through Transition and is committed with a version
// check.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/payment"
	"github.com/iliyamo/car-rental-booking/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	store.Bookings
	store.Sessions
}

// Notifier receives committed changes.  Delivery is best effort; the
// database is the source of truth.
type Notifier interface {
	BookingChanged(ctx context.Context, b model.Booking) error
	RefundQueued(ctx context.Context, r model.RefundRequest) error
}

// CheckoutCreator opens a checkout session at the payment provider.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (string, error)
}

// Ledger applies transitions to persisted bookings.
type Ledger struct {
	store      Store
	checkout   CheckoutCreator
	notifier   Notifier
	sessionTTL time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithSessionTTL sets how long an open checkout session is handed back to
// repeated openCheckoutSession calls before a fresh one is opened.
func WithSessionTTL(d time.Duration) Option { return func(l *Ledger) { l.sessionTTL = d } }

// WithNotifier sets the change notifier.
func WithNotifier(n Notifier) Option { return func(l *Ledger) { l.notifier = n } }

// New returns a Ledger.
func New(s Store, checkout CheckoutCreator, log *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:      s,
		checkout:   checkout,
		notifier:   nopNotifier{},
		sessionTTL: 30 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With("component", "ledger"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NewBooking describes a reservation request.  The amount is quoted by the
// pricing service; the ledger does not compute it.
type NewBooking struct {
	CarID          string
	RenterID       string
	HostID         string
	Range          model.DateRange
	AmountDueCents int64
	Currency       string
}

// CreatePendingBooking reserves the car for the range.  It fails with
// model.ErrConflict when a pending or confirmed booking overlaps; the first
// writer wins.
func (l *Ledger) CreatePendingBooking(ctx context.Context, in NewBooking) (*model.Booking, error) {
	if in.CarID == "" || in.RenterID == "" || in.HostID == "" {
		return nil, fmt.Errorf("%w: car, renter and host are required", model.ErrInvalidInput)
	}
	if in.AmountDueCents < 0 || in.Currency == "" {
		return nil, fmt.Errorf("%w: amount and currency are required", model.ErrInvalidInput)
	}
	now := l.now()
	b := &model.Booking{
		ID:             uuid.NewString(),
		CarID:          in.CarID,
		RenterID:       in.RenterID,
		HostID:         in.HostID,
		StartAt:        in.Range.Start.UTC(),
		EndAt:          in.Range.End.UTC(),
		Status:         model.StatusPendingPayment,
		PaymentStatus:  model.PaymentNone,
		AmountDueCents: in.AmountDueCents,
		Currency:       in.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := l.store.CreateBooking(ctx, b); err != nil {
		return nil, err
	}
	l.log.Info("booking created", "booking_id", b.ID, "car_id", b.CarID)
	return b, nil
}

// GetBooking returns the current state of a booking.
func (l *Ledger) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	return l.store.GetBooking(ctx, id)
}

// OpenCheckoutSession opens a provider checkout for a pending booking.  A
// repeated call while the session is still open returns that same session.
// A session older than the TTL is closed and replaced.
func (l *Ledger) OpenCheckoutSession(ctx context.Context, bookingID string) (*model.CheckoutSession, error) {
	b, err := l.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.StatusPendingPayment {
		return nil, fmt.Errorf("%w: booking is %s", model.ErrInvalidState, b.Status)
	}

	open, err := l.store.GetOpenSession(ctx, bookingID)
	switch {
	case err == nil:
		if l.now().Sub(open.CreatedAt) < l.sessionTTL || b.PaymentStatus == model.PaymentMethodCollectionPending {
			return open, nil
		}
		if err := l.store.CloseSession(ctx, store.SessionChange{SessionID: open.ID, Status: model.SessionExpired}); err != nil {
			return nil, err
		}
		l.log.Info("closed stale checkout session", "booking_id", bookingID, "session_id", open.ID)
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}
	if b.PaymentStatus == model.PaymentMethodCollectionPending {
		return nil, fmt.Errorf("%w: payment already in progress", model.ErrInvalidState)
	}

	sess := &model.CheckoutSession{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		Status:    model.SessionCreated,
		CreatedAt: l.now(),
	}
	if err := l.store.ReserveSession(ctx, sess); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// a concurrent request opened it first
			return l.store.GetOpenSession(ctx, bookingID)
		}
		return nil, err
	}

	providerID, err := l.checkout.CreateCheckout(ctx, payment.CheckoutRequest{
		BookingID:   bookingID,
		SessionID:   sess.ID,
		AmountCents: b.AmountDueCents,
		Currency:    b.Currency,
	})
	if err != nil {
		l.closeQuietly(ctx, sess.ID)
		return nil, fmt.Errorf("create checkout: %w", err)
	}
	sess.ProviderSessionID = providerID

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			if b, err = l.store.GetBooking(ctx, bookingID); err != nil {
				return nil, err
			}
		}
		res, err := Transition(*b, Input{Event: ActionCheckoutOpened, State: model.EffectiveState{SessionID: sess.ID}}, l.now())
		if err != nil {
			l.closeQuietly(ctx, sess.ID)
			return nil, err
		}
		err = l.store.CommitBooking(ctx, store.BookingWrite{
			Booking:         &res.Booking,
			ExpectedVersion: b.Version,
			AttachSession:   sess,
		})
		if err == nil {
			l.log.Info("checkout session opened", "booking_id", bookingID, "session_id", sess.ID, "provider_session_id", providerID)
			return sess, nil
		}
		if !errors.Is(err, model.ErrStaleVersion) {
			l.closeQuietly(ctx, sess.ID)
			return nil, err
		}
	}
	l.closeQuietly(ctx, sess.ID)
	return nil, model.ErrStaleVersion
}

// ApplyPaymentEvent applies a provider event to the booking read at
// expectedVersion.  It fails with model.ErrStaleVersion when the booking
// moved on and with model.ErrIllegalTransition when the event does not
// apply; the latter is logged here and must not be retried.
func (l *Ledger) ApplyPaymentEvent(ctx context.Context, bookingID string, event model.EventType, state model.EffectiveState, expectedVersion int64) (Result, error) {
	b, err := l.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	if b.Version != expectedVersion {
		return Result{Booking: *b}, model.ErrStaleVersion
	}
	res, err := Transition(*b, Input{Event: event, State: state}, l.now())
	if err != nil {
		if errors.Is(err, model.ErrIllegalTransition) {
			l.log.Info("dropping inapplicable payment event", "booking_id", bookingID, "event_type", event, "reason", err)
		}
		return res, err
	}
	if !res.Changed {
		return res, nil
	}
	if err := l.commit(ctx, *b, &res); err != nil {
		return res, err
	}
	l.log.Info("payment event applied",
		"booking_id", bookingID, "event_type", event,
		"status", res.Booking.Status, "payment_status", res.Booking.PaymentStatus, "version", res.Booking.Version)
	return res, nil
}

// CancelReservation cancels a pending or confirmed booking before the trip
// starts.  Cancelling a confirmed booking queues a refund instead of
// refunding synchronously.
func (l *Ledger) CancelReservation(ctx context.Context, bookingID string, actor model.Actor) (*model.Booking, error) {
	b, err := l.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actor.Role != model.RoleOperator && actor.Role != model.RoleSystem && !b.IsParty(actor.ID) {
		return nil, model.ErrForbidden
	}
	res, err := Transition(*b, Input{Event: ActionCancel}, l.now())
	if err != nil {
		return nil, err
	}
	if err := l.commit(ctx, *b, &res); err != nil {
		return nil, err
	}
	l.log.Info("booking cancelled", "booking_id", bookingID, "actor", actor.ID, "role", actor.Role, "refund_queued", res.QueueRefund)
	return &res.Booking, nil
}

// CompletionResult reports what CompleteIfEnded did.
type CompletionResult struct {
	Booking   model.Booking
	Completed bool
	Reason    string
}

// CompleteIfEnded moves a confirmed booking whose trip has ended to
// completed.  Repeated calls report ReasonAlreadyCompleted.
func (l *Ledger) CompleteIfEnded(ctx context.Context, bookingID string) (CompletionResult, error) {
	b, err := l.store.GetBooking(ctx, bookingID)
	if err != nil {
		return CompletionResult{}, err
	}
	res, err := Transition(*b, Input{Event: ActionComplete}, l.now())
	if err != nil {
		return CompletionResult{}, err
	}
	out := CompletionResult{Booking: res.Booking, Reason: res.Reason}
	if !res.Changed {
		return out, nil
	}
	if err := l.commit(ctx, *b, &res); err != nil {
		return out, err
	}
	out.Booking = res.Booking
	out.Completed = true
	return out, nil
}

// commit writes the transition result conditionally on the version of prev
// and notifies listeners afterwards.
func (l *Ledger) commit(ctx context.Context, prev model.Booking, res *Result) error {
	w := store.BookingWrite{Booking: &res.Booking, ExpectedVersion: prev.Version}
	if res.CloseSession != "" && prev.CheckoutSessionID != nil {
		w.CloseSession = &store.SessionChange{SessionID: *prev.CheckoutSessionID, Status: res.CloseSession}
	}
	if res.QueueRefund {
		now := l.now()
		w.Refund = &model.RefundRequest{
			ID:          uuid.NewString(),
			BookingID:   prev.ID,
			AmountCents: res.RefundAmountCents,
			Currency:    prev.Currency,
			Status:      model.RefundQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if err := l.store.CommitBooking(ctx, w); err != nil {
		return err
	}
	if res.Booking.Status != prev.Status {
		if err := l.notifier.BookingChanged(ctx, res.Booking); err != nil {
			l.log.Warn("booking notification failed", "booking_id", prev.ID, "err", err)
		}
	}
	if w.Refund != nil {
		if err := l.notifier.RefundQueued(ctx, *w.Refund); err != nil {
			// the queued row is picked up by the refund drain
			l.log.Warn("refund publish failed", "booking_id", prev.ID, "refund_id", w.Refund.ID, "err", err)
		}
	}
	return nil
}

func (l *Ledger) closeQuietly(ctx context.Context, sessionID string) {
	if err := l.store.CloseSession(ctx, store.SessionChange{SessionID: sessionID, Status: model.SessionExpired}); err != nil {
		l.log.Warn("close checkout session failed", "session_id", sessionID, "err", err)
	}
}

type nopNotifier struct{}

func (nopNotifier) BookingChanged(context.Context, model.Booking) error     { return nil }
func (nopNotifier) RefundQueued(context.Context, model.RefundRequest) error { return nil }
