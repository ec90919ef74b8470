// Package reconcile turns decoded provider events, and provider query
// results from the sweep, into ledger calls.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iliyamo/car-rental-booking/internal/ledger"
	"github.com/iliyamo/car-rental-booking/internal/model"
)

// Ledger is the subset of the booking ledger the reconciler drives.
type Ledger interface {
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	ApplyPaymentEvent(ctx context.Context, bookingID string, event model.EventType, state model.EffectiveState, expectedVersion int64) (ledger.Result, error)
}

// SessionLookup resolves provider session ids to local sessions.
type SessionLookup interface {
	GetSessionByProviderID(ctx context.Context, providerSessionID string) (*model.CheckoutSession, error)
}

// CaseFiler opens deposit cases for disputes.
type CaseFiler interface {
	FileCase(ctx context.Context, bookingID string, amountCents int64) (*model.DepositCase, error)
}

// Outcome reports what happened to one event.
type Outcome struct {
	BookingID string
	Applied   bool
	Dropped   bool
	Reason    string
	Booking   *model.Booking
}

// Reconciler applies events with a bounded retry on stale versions.
type Reconciler struct {
	ledger   Ledger
	sessions SessionLookup
	cases    CaseFiler
	maxTries uint
	backOff  func() backoff.BackOff
	log      *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMaxTries bounds the attempts per event.
func WithMaxTries(n uint) Option { return func(r *Reconciler) { r.maxTries = n } }

// WithBackOff sets the wait policy between attempts.
func WithBackOff(f func() backoff.BackOff) Option { return func(r *Reconciler) { r.backOff = f } }

// New returns a Reconciler that retries three times.
func New(l Ledger, sessions SessionLookup, cases CaseFiler, log *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:   l,
		sessions: sessions,
		cases:    cases,
		maxTries: 3,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 25 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			return b
		},
		log: log.With("component", "reconciler"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile applies ev to its booking.  Events that do not apply, and events
// whose booking cannot be resolved, come back as dropped outcomes with a nil
// error.  A non-nil error means the event was not applied and the caller
// should let it be redelivered.
func (r *Reconciler) Reconcile(ctx context.Context, ev model.PaymentEvent) (Outcome, error) {
	state := ev.State
	bookingID, err := r.resolve(ctx, ev, &state)
	if err != nil {
		return Outcome{}, err
	}
	log := r.log.With("event_id", ev.EventID, "event_type", ev.Type, "booking_id", bookingID)
	if bookingID == "" {
		log.Warn("event has no resolvable booking")
		return Outcome{Dropped: true, Reason: "booking_unresolved"}, nil
	}
	out := Outcome{BookingID: bookingID}

	res, err := backoff.Retry(ctx, func() (ledger.Result, error) {
		b, err := r.ledger.GetBooking(ctx, bookingID)
		if err != nil {
			return ledger.Result{}, backoff.Permanent(err)
		}
		res, err := r.ledger.ApplyPaymentEvent(ctx, bookingID, ev.Type, state, b.Version)
		if err != nil && !model.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		if err != nil {
			log.Debug("stale version, retrying", "version", b.Version)
		}
		return res, err
	}, backoff.WithBackOff(r.backOff()), backoff.WithMaxTries(r.maxTries))

	switch {
	case err == nil:
	case errors.Is(err, model.ErrIllegalTransition):
		out.Dropped = true
		out.Reason = err.Error()
		return out, nil
	case errors.Is(err, model.ErrNotFound):
		log.Warn("event references unknown booking")
		out.Dropped = true
		out.Reason = "booking_not_found"
		return out, nil
	case errors.Is(err, model.ErrStaleVersion):
		log.Warn("giving up after stale version retries", "tries", r.maxTries)
		return out, err
	default:
		return out, fmt.Errorf("apply %s to %s: %w", ev.Type, bookingID, err)
	}

	if res.OpenDepositCase {
		return r.fileCase(ctx, log, out, res)
	}
	out.Applied = res.Changed
	out.Booking = &res.Booking
	if !res.Changed {
		out.Reason = "no_change"
	}
	return out, nil
}

func (r *Reconciler) fileCase(ctx context.Context, log *slog.Logger, out Outcome, res ledger.Result) (Outcome, error) {
	c, err := r.cases.FileCase(ctx, out.BookingID, res.DisputeAmountCents)
	switch {
	case err == nil:
		log.Info("dispute opened deposit case", "case_id", c.ID)
		out.Applied = true
		out.Booking = &res.Booking
		return out, nil
	case model.IsBusinessRejection(err) || errors.Is(err, model.ErrInvalidInput):
		log.Info("dispute dropped", "err", err)
		out.Dropped = true
		out.Reason = err.Error()
		return out, nil
	}
	return out, err
}

// resolve finds the booking for ev, preferring the local session recorded
// under the provider session id over metadata carried by the event.
func (r *Reconciler) resolve(ctx context.Context, ev model.PaymentEvent, state *model.EffectiveState) (string, error) {
	if state.ProviderSessionID != "" {
		sess, err := r.sessions.GetSessionByProviderID(ctx, state.ProviderSessionID)
		switch {
		case err == nil:
			if state.SessionID == "" {
				state.SessionID = sess.ID
			}
			return sess.BookingID, nil
		case !errors.Is(err, model.ErrNotFound):
			return "", err
		}
	}
	return ev.BookingID, nil
}
