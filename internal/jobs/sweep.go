package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/payment"
	"github.com/iliyamo/car-rental-booking/internal/reconcile"
	"github.com/iliyamo/car-rental-booking/internal/store"
)

// SweepStore is the session persistence the sweep needs.
type SweepStore interface {
	ListStaleSessions(ctx context.Context, createdBefore time.Time, limit int) ([]model.CheckoutSession, error)
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	CloseSession(ctx context.Context, c store.SessionChange) error
	MarkSessionReconciled(ctx context.Context, id string, at time.Time) error
}

// CheckoutLookup queries the provider for the state of a checkout.
type CheckoutLookup interface {
	LookupCheckout(ctx context.Context, providerSessionID string) (payment.CheckoutState, error)
}

// Reconciler applies a provider query result.
type Reconciler interface {
	Reconcile(ctx context.Context, ev model.PaymentEvent) (reconcile.Outcome, error)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Examined int `json:"examined"`
	Applied  int `json:"applied"`
	Dropped  int `json:"dropped"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
}

// Sweep re-queries the provider for checkout sessions that stayed open past
// a threshold and feeds the answers through the reconciler as if the
// webhook had arrived.
type Sweep struct {
	sessions   SweepStore
	provider   CheckoutLookup
	reconciler Reconciler
	timeout    time.Duration
	retries    uint
	backOff    func() backoff.BackOff
	now        func() time.Time
	log        *slog.Logger
}

// SweepOption configures a Sweep.
type SweepOption func(*Sweep)

// WithQueryTimeout bounds each provider query attempt.
func WithQueryTimeout(d time.Duration) SweepOption { return func(s *Sweep) { s.timeout = d } }

// WithQueryRetries bounds the attempts per provider query.
func WithQueryRetries(n uint) SweepOption { return func(s *Sweep) { s.retries = n } }

// WithQueryBackOff sets the wait between provider query attempts.
func WithQueryBackOff(f func() backoff.BackOff) SweepOption { return func(s *Sweep) { s.backOff = f } }

// WithSweepClock replaces time.Now.
func WithSweepClock(now func() time.Time) SweepOption { return func(s *Sweep) { s.now = now } }

// NewSweep returns a Sweep.
func NewSweep(sessions SweepStore, provider CheckoutLookup, r Reconciler, log *slog.Logger, opts ...SweepOption) *Sweep {
	s := &Sweep{
		sessions:   sessions,
		provider:   provider,
		reconciler: r,
		timeout:    10 * time.Second,
		retries:    3,
		backOff:    func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With("component", "sweep"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run examines at most limit open sessions created more than olderThan ago.
// When ctx is cancelled no new provider query is issued, but the session in
// hand is finished; Run then returns the partial report and ctx.Err().
func (s *Sweep) Run(ctx context.Context, olderThan time.Duration, limit int) (SweepReport, error) {
	var rep SweepReport
	if limit <= 0 {
		return rep, fmt.Errorf("%w: limit must be positive", model.ErrInvalidInput)
	}
	sessions, err := s.sessions.ListStaleSessions(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return rep, fmt.Errorf("list stale sessions: %w", err)
	}
	s.log.Info("sweep started", "candidates", len(sessions), "older_than", olderThan.String(), "limit", limit)

	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			s.log.Warn("sweep cancelled", "examined", rep.Examined)
			return rep, err
		}
		rep.Examined++
		s.examine(ctx, sess, &rep)
	}
	s.log.Info("sweep finished",
		"examined", rep.Examined, "applied", rep.Applied, "dropped", rep.Dropped,
		"pending", rep.Pending, "failed", rep.Failed)
	return rep, nil
}

func (s *Sweep) examine(ctx context.Context, sess model.CheckoutSession, rep *SweepReport) {
	log := s.log.With("session_id", sess.ID, "booking_id", sess.BookingID)
	// work on a session that has started runs to completion
	work := context.WithoutCancel(ctx)
	defer func() {
		if err := s.sessions.MarkSessionReconciled(work, sess.ID, s.now()); err != nil {
			log.Warn("mark reconciled failed", "err", err)
		}
	}()

	if sess.ProviderSessionID == "" {
		// the provider checkout was never created
		s.close(work, log, sess.ID, model.SessionExpired)
		rep.Dropped++
		return
	}

	state, err := s.lookup(ctx, work, sess.ProviderSessionID)
	if err != nil {
		log.Error("provider lookup failed", "provider_session_id", sess.ProviderSessionID, "err", err)
		rep.Failed++
		return
	}
	if !state.Status.Terminal() {
		rep.Pending++
		return
	}
	b, err := s.sessions.GetBooking(work, sess.BookingID)
	if err != nil {
		log.Error("load booking failed", "err", err)
		rep.Failed++
		return
	}
	events := eventsFor(state, b.PaymentStatus == model.PaymentMethodCollectionPending)
	if len(events) == 0 {
		rep.Pending++
		return
	}

	applied, dropped := false, false
	for _, typ := range events {
		out, err := s.reconciler.Reconcile(work, model.PaymentEvent{
			EventID:   "sweep:" + sess.ID + ":" + string(typ),
			Type:      typ,
			BookingID: sess.BookingID,
			State: model.EffectiveState{
				SessionID:         sess.ID,
				ProviderSessionID: sess.ProviderSessionID,
				AmountCents:       state.AmountCents,
			},
			OccurredAt: s.now(),
		})
		if err != nil {
			log.Error("reconcile failed", "event_type", typ, "err", err)
			rep.Failed++
			return
		}
		if out.Dropped {
			log.Info("sweep result dropped", "event_type", typ, "reason", out.Reason)
			dropped = true
			break
		}
		applied = applied || out.Applied
	}
	if dropped {
		// the provider has settled the session even if the booking moved on
		final := model.SessionExpired
		if state.Status == payment.CheckoutCompleted {
			final = model.SessionCompleted
		}
		s.close(work, log, sess.ID, final)
	}
	if applied {
		rep.Applied++
	} else {
		rep.Dropped++
	}
}

// lookup retries the provider query.  Waiting between attempts stops when
// ctx is done; each attempt runs on work with its own timeout.
func (s *Sweep) lookup(ctx, work context.Context, providerSessionID string) (payment.CheckoutState, error) {
	return backoff.Retry(ctx, func() (payment.CheckoutState, error) {
		qctx, cancel := context.WithTimeout(work, s.timeout)
		defer cancel()
		return s.provider.LookupCheckout(qctx, providerSessionID)
	}, backoff.WithBackOff(s.backOff()), backoff.WithMaxTries(s.retries))
}

func (s *Sweep) close(ctx context.Context, log *slog.Logger, id string, st model.SessionStatus) {
	if err := s.sessions.CloseSession(ctx, store.SessionChange{SessionID: id, Status: st}); err != nil {
		log.Warn("close session failed", "err", err)
	}
}

// eventsFor maps a provider state to the events a webhook would have
// delivered for it.  Once the checkout completed with the payment still
// outstanding, only payment intent events can move the booking.
func eventsFor(st payment.CheckoutState, awaitingFunds bool) []model.EventType {
	if awaitingFunds {
		switch st.Status {
		case payment.CheckoutCompleted:
			if st.Captured {
				return []model.EventType{model.EventPaymentSucceeded, model.EventChargeSucceeded}
			}
		case payment.CheckoutExpired, payment.CheckoutFailed:
			return []model.EventType{model.EventPaymentFailed}
		}
		return nil
	}
	switch st.Status {
	case payment.CheckoutCompleted:
		if st.Captured {
			return []model.EventType{model.EventCheckoutCompleted, model.EventChargeSucceeded}
		}
		return []model.EventType{model.EventCheckoutCompleted}
	case payment.CheckoutExpired:
		return []model.EventType{model.EventCheckoutExpired}
	case payment.CheckoutFailed:
		return []model.EventType{model.EventPaymentFailed}
	}
	return nil
}
