package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/car-rental-booking/internal/deposit"
	"github.com/iliyamo/car-rental-booking/internal/ledger"
	"github.com/iliyamo/car-rental-booking/internal/logging"
	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/payment"
	"github.com/iliyamo/car-rental-booking/internal/reconcile"
	"github.com/iliyamo/car-rental-booking/internal/repository/memory"
)

var start = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

// fakeProvider serves checkouts, lookups and refunds from memory.
type fakeProvider struct {
	mu        sync.Mutex
	states    map[string]payment.CheckoutState
	lookupErr map[string]int
	lookups   int
	refunds   []string
	refundErr error
	onLookup  func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{states: map[string]payment.CheckoutState{}, lookupErr: map[string]int{}}
}

func (p *fakeProvider) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "chrg_" + req.SessionID
	p.states[id] = payment.CheckoutState{ProviderSessionID: id, Status: payment.CheckoutOpen, AmountCents: req.AmountCents}
	return id, nil
}

func (p *fakeProvider) LookupCheckout(ctx context.Context, id string) (payment.CheckoutState, error) {
	p.mu.Lock()
	p.lookups++
	hook := p.onLookup
	if p.lookupErr[id] > 0 {
		p.lookupErr[id]--
		p.mu.Unlock()
		return payment.CheckoutState{}, payment.ErrProviderUnavailable
	}
	st, ok := p.states[id]
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return payment.CheckoutState{}, err
	}
	if !ok {
		return payment.CheckoutState{}, errors.New("no such charge")
	}
	return st, nil
}

func (p *fakeProvider) Refund(_ context.Context, id string, amount int64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return "", p.refundErr
	}
	p.refunds = append(p.refunds, key)
	return "rfnd_" + key, nil
}

func (p *fakeProvider) set(id string, st payment.CheckoutStatus, captured bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.states[id]
	cur.Status = st
	cur.Captured = captured
	p.states[id] = cur
}

type world struct {
	store    *memory.Store
	provider *fakeProvider
	ledger   *ledger.Ledger
	rec      *reconcile.Reconciler
	now      time.Time
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{store: memory.New(), provider: newFakeProvider(), now: start}
	clock := func() time.Time { return w.now }
	w.ledger = ledger.New(w.store, w.provider, logging.Discard(), ledger.WithClock(clock))
	w.rec = reconcile.New(w.ledger, w.store, deposit.NewManager(w.store, clock, logging.Discard()), logging.Discard(),
		reconcile.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	return w
}

func (w *world) clock() time.Time { return w.now }

func (w *world) booking(t *testing.T, car string, from, to time.Duration) (*model.Booking, *model.CheckoutSession) {
	t.Helper()
	ctx := context.Background()
	b, err := w.ledger.CreatePendingBooking(ctx, ledger.NewBooking{
		CarID: car, RenterID: "renter-1", HostID: "host-1",
		Range:          model.DateRange{Start: w.now.Add(from), End: w.now.Add(to)},
		AmountDueCents: 8000, Currency: "thb",
	})
	require.NoError(t, err)
	sess, err := w.ledger.OpenCheckoutSession(ctx, b.ID)
	require.NoError(t, err)
	return b, sess
}

func (w *world) sweep(opts ...SweepOption) *Sweep {
	opts = append([]SweepOption{
		WithSweepClock(w.clock),
		WithQueryTimeout(time.Second),
		WithQueryBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	return NewSweep(w.store, w.provider, w.rec, logging.Discard(), opts...)
}
