package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/car-rental-booking/internal/logging"
	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/payment"
	"github.com/iliyamo/car-rental-booking/internal/repository/memory"
)

type fakeCheckout struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCheckout) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "chrg_" + req.SessionID, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	bookings []model.Booking
	refunds  []model.RefundRequest
}

func (n *recordingNotifier) BookingChanged(_ context.Context, b model.Booking) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bookings = append(n.bookings, b)
	return nil
}

func (n *recordingNotifier) RefundQueued(_ context.Context, r model.RefundRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refunds = append(n.refunds, r)
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time         { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	ledger   *Ledger
	store    *memory.Store
	checkout *fakeCheckout
	notifier *recordingNotifier
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		checkout: &fakeCheckout{},
		notifier: &recordingNotifier{},
		clock:    &clock{now: t0},
	}
	f.ledger = New(f.store, f.checkout, logging.Discard(),
		WithClock(f.clock.Now), WithNotifier(f.notifier), WithSessionTTL(30*time.Minute))
	return f
}

func (f *fixture) book(t *testing.T, car string, start, end time.Time) *model.Booking {
	t.Helper()
	b, err := f.ledger.CreatePendingBooking(context.Background(), NewBooking{
		CarID: car, RenterID: "renter-1", HostID: "host-1",
		Range:          model.DateRange{Start: start, End: end},
		AmountDueCents: 12000, Currency: "thb",
	})
	require.NoError(t, err)
	return b
}

func TestCreatePendingBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := t0.Add(24 * time.Hour)

	b := f.book(t, "car-1", start, start.Add(72*time.Hour))
	assert.Equal(t, model.StatusPendingPayment, b.Status)
	assert.Equal(t, model.PaymentNone, b.PaymentStatus)
	assert.Equal(t, int64(1), b.Version)

	_, err := f.ledger.CreatePendingBooking(ctx, NewBooking{
		CarID: "car-1", RenterID: "renter-2", HostID: "host-1",
		Range:          model.DateRange{Start: start.Add(24 * time.Hour), End: start.Add(96 * time.Hour)},
		AmountDueCents: 1, Currency: "thb",
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	// adjacent ranges do not overlap
	f.book(t, "car-1", start.Add(72*time.Hour), start.Add(96*time.Hour))
	// other cars are independent
	f.book(t, "car-2", start, start.Add(72*time.Hour))

	_, err = f.ledger.CreatePendingBooking(ctx, NewBooking{
		CarID: "car-3", RenterID: "renter-1", HostID: "host-1",
		Range:          model.DateRange{Start: start, End: start},
		AmountDueCents: 1, Currency: "thb",
	})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestCreatePendingBooking_CancelledFreesRange(t *testing.T) {
	f := newFixture(t)
	start := t0.Add(24 * time.Hour)
	b := f.book(t, "car-1", start, start.Add(48*time.Hour))

	_, err := f.ledger.CancelReservation(context.Background(), b.ID, model.Actor{ID: "renter-1", Role: model.RoleRenter})
	require.NoError(t, err)

	f.book(t, "car-1", start, start.Add(48*time.Hour))
}

func TestCreatePendingBooking_ConcurrentOverlapSingleWinner(t *testing.T) {
	f := newFixture(t)
	start := t0.Add(24 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.CreatePendingBooking(context.Background(), NewBooking{
				CarID: "car-1", RenterID: "renter-1", HostID: "host-1",
				Range:          model.DateRange{Start: start, End: start.Add(time.Duration(i+1) * time.Hour)},
				AmountDueCents: 1, Currency: "thb",
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, model.ErrConflict)
	}
	assert.Equal(t, 1, won)
}

func TestOpenCheckoutSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "car-1", t0.Add(24*time.Hour), t0.Add(48*time.Hour))

	sess, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "chrg_"+sess.ID, sess.ProviderSessionID)

	got, err := f.ledger.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCheckoutCreated, got.PaymentStatus)
	assert.True(t, got.ActiveSession(sess.ID))
	assert.Equal(t, int64(2), got.Version)

	again, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
	assert.Equal(t, 1, f.checkout.calls)

	f.clock.Advance(31 * time.Minute)
	fresh, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)

	old, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, old.Status)

	got, err = f.ledger.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.ActiveSession(fresh.ID))
}

func TestOpenCheckoutSession_ProviderFailureClosesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "car-1", t0.Add(24*time.Hour), t0.Add(48*time.Hour))
	f.checkout.err = errors.New("boom")

	_, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
	require.Error(t, err)

	_, err = f.store.GetOpenSession(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	got, err := f.ledger.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentNone, got.PaymentStatus)
}

func TestOpenCheckoutSession_RequiresPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "car-1", t0.Add(24*time.Hour), t0.Add(48*time.Hour))
	_, err := f.ledger.CancelReservation(ctx, b.ID, model.Actor{ID: "host-1", Role: model.RoleHost})
	require.NoError(t, err)

	_, err = f.ledger.OpenCheckoutSession(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestApplyPaymentEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "car-1", t0.Add(24*time.Hour), t0.Add(48*time.Hour))
	sess, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
	require.NoError(t, err)

	_, err = f.ledger.ApplyPaymentEvent(ctx, b.ID, model.EventCheckoutCompleted, model.EffectiveState{SessionID: sess.ID}, 1)
	assert.ErrorIs(t, err, model.ErrStaleVersion)

	res, err := f.ledger.ApplyPaymentEvent(ctx, b.ID, model.EventCheckoutCompleted, model.EffectiveState{SessionID: sess.ID}, 2)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, res.Booking.Status)
	assert.Equal(t, model.PaymentHeld, res.Booking.PaymentStatus)

	s, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, s.Status)

	_, err = f.ledger.ApplyPaymentEvent(ctx, b.ID, model.EventCheckoutExpired, model.EffectiveState{SessionID: sess.ID}, 3)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)

	got, err := f.ledger.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.Equal(t, int64(3), got.Version)

	require.Len(t, f.notifier.bookings, 1)
	assert.Equal(t, model.StatusConfirmed, f.notifier.bookings[0].Status)
}

func TestApplyPaymentEvent_ConcurrentSameVersionSingleWinner(t *testing.T) {
	events := []model.EventType{model.EventCheckoutCompleted, model.EventCheckoutExpired}
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		b := f.book(t, "car-1", t0.Add(24*time.Hour), t0.Add(48*time.Hour))
		sess, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
		require.NoError(t, err)

		errs := make([]error, len(events))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, ev := range events {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = f.ledger.ApplyPaymentEvent(ctx, b.ID, ev, model.EffectiveState{SessionID: sess.ID}, 2)
			}()
		}
		close(start)
		wg.Wait()

		winners, stale := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				winners++
			case errors.Is(err, model.ErrStaleVersion):
				stale++
			}
		}
		require.Equal(t, 1, winners, "round %d: %v", round, errs)
		require.Equal(t, 1, stale, "round %d: %v", round, errs)

		got, err := f.ledger.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		assert.Contains(t, []model.BookingStatus{model.StatusConfirmed, model.StatusCancelled}, got.Status)
		require.Len(t, f.notifier.bookings, 1)
	}
}

func TestCancelReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("only parties or operators", func(t *testing.T) {
		f := newFixture(t)
		b := f.book(t, "car-1", t0.Add(24*time.Hour), t0.Add(48*time.Hour))
		_, err := f.ledger.CancelReservation(ctx, b.ID, model.Actor{ID: "stranger", Role: model.RoleRenter})
		assert.ErrorIs(t, err, model.ErrForbidden)

		got, err := f.ledger.CancelReservation(ctx, b.ID, model.Actor{ID: "ops", Role: model.RoleOperator})
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
	})

	t.Run("confirmed queues one refund", func(t *testing.T) {
		f := newFixture(t)
		b := f.book(t, "car-1", t0.Add(24*time.Hour), t0.Add(48*time.Hour))
		sess, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
		require.NoError(t, err)
		_, err = f.ledger.ApplyPaymentEvent(ctx, b.ID, model.EventChargeSucceeded, model.EffectiveState{SessionID: sess.ID, AmountCents: 12000}, 2)
		require.NoError(t, err)

		got, err := f.ledger.CancelReservation(ctx, b.ID, model.Actor{ID: "renter-1", Role: model.RoleRenter})
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
		assert.Equal(t, model.PaymentRefundPending, got.PaymentStatus)

		refunds := f.store.RefundsForBooking(b.ID)
		require.Len(t, refunds, 1)
		assert.Equal(t, int64(12000), refunds[0].AmountCents)
		assert.Equal(t, model.RefundQueued, refunds[0].Status)
		require.Len(t, f.notifier.refunds, 1)

		_, err = f.ledger.CancelReservation(ctx, b.ID, model.Actor{ID: "renter-1", Role: model.RoleRenter})
		assert.ErrorIs(t, err, model.ErrInvalidState)
		assert.Len(t, f.store.RefundsForBooking(b.ID), 1)
	})

	t.Run("too late", func(t *testing.T) {
		f := newFixture(t)
		b := f.book(t, "car-1", t0.Add(time.Hour), t0.Add(48*time.Hour))
		f.clock.Advance(2 * time.Hour)
		_, err := f.ledger.CancelReservation(ctx, b.ID, model.Actor{ID: "renter-1", Role: model.RoleRenter})
		assert.ErrorIs(t, err, model.ErrTooLateToCancel)
	})

	t.Run("late payment after cancel", func(t *testing.T) {
		f := newFixture(t)
		b := f.book(t, "car-1", t0.Add(24*time.Hour), t0.Add(48*time.Hour))
		sess, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
		require.NoError(t, err)
		cancelled, err := f.ledger.CancelReservation(ctx, b.ID, model.Actor{ID: "renter-1", Role: model.RoleRenter})
		require.NoError(t, err)

		res, err := f.ledger.ApplyPaymentEvent(ctx, b.ID, model.EventCheckoutCompleted,
			model.EffectiveState{SessionID: sess.ID, AmountCents: 12000}, cancelled.Version)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, res.Booking.Status)
		assert.Equal(t, model.PaymentRefundPending, res.Booking.PaymentStatus)
		assert.Len(t, f.store.RefundsForBooking(b.ID), 1)
	})
}

func TestCompleteIfEnded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "car-1", t0.Add(time.Hour), t0.Add(5*time.Hour))
	sess, err := f.ledger.OpenCheckoutSession(ctx, b.ID)
	require.NoError(t, err)
	_, err = f.ledger.ApplyPaymentEvent(ctx, b.ID, model.EventCheckoutCompleted, model.EffectiveState{SessionID: sess.ID}, 2)
	require.NoError(t, err)

	res, err := f.ledger.CompleteIfEnded(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, ReasonTripNotEnded, res.Reason)

	f.clock.Advance(6 * time.Hour)
	res, err = f.ledger.CompleteIfEnded(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, model.StatusCompleted, res.Booking.Status)

	res, err = f.ledger.CompleteIfEnded(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, ReasonAlreadyCompleted, res.Reason)

	_, err = f.ledger.CompleteIfEnded(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
