package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// RefundStore is the persistence the refund processor needs.
type RefundStore interface {
	GetRefund(ctx context.Context, id string) (*model.RefundRequest, error)
	ClaimRefund(ctx context.Context, id string, at time.Time) (bool, error)
	FinishRefund(ctx context.Context, id string, status model.RefundStatus, providerRefundID string, at time.Time) error
	ListQueuedRefunds(ctx context.Context, createdBefore time.Time, limit int) ([]model.RefundRequest, error)
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	GetSession(ctx context.Context, id string) (*model.CheckoutSession, error)
}

// Refunder issues refunds at the provider.
type Refunder interface {
	Refund(ctx context.Context, providerSessionID string, amountCents int64, idempotencyKey string) (string, error)
}

// RefundProcessor submits queued refunds at most once each.  A request is
// claimed before the provider is called; a failed call leaves it ambiguous
// and it is never submitted again.
type RefundProcessor struct {
	store    RefundStore
	provider Refunder
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// RefundOption configures a RefundProcessor.
type RefundOption func(*RefundProcessor)

// WithRefundTimeout bounds each provider refund call.
func WithRefundTimeout(d time.Duration) RefundOption {
	return func(p *RefundProcessor) { p.timeout = d }
}

// NewRefundProcessor returns a RefundProcessor.
func NewRefundProcessor(s RefundStore, p Refunder, log *slog.Logger, opts ...RefundOption) *RefundProcessor {
	rp := &RefundProcessor{
		store:    s,
		provider: p,
		timeout:  10 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With("component", "refund-worker"),
	}
	for _, o := range opts {
		o(rp)
	}
	return rp
}

// Process submits one refund request.  Requests that are not queued, or that
// another worker claims first, are skipped without error.
func (p *RefundProcessor) Process(ctx context.Context, refundID string) error {
	r, err := p.store.GetRefund(ctx, refundID)
	if err != nil {
		return err
	}
	log := p.log.With("refund_id", r.ID, "booking_id", r.BookingID)
	if r.Status != model.RefundQueued {
		log.Debug("refund already handled", "status", r.Status)
		return nil
	}
	claimed, err := p.store.ClaimRefund(ctx, r.ID, p.now())
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("refund claimed elsewhere")
		return nil
	}

	// past the claim the outcome must be recorded whatever happens to ctx
	work := context.WithoutCancel(ctx)
	chargeID, err := p.chargeFor(work, r.BookingID)
	if err != nil {
		log.Error("no charge to refund", "err", err)
		return p.store.FinishRefund(work, r.ID, model.RefundAmbiguous, "", p.now())
	}
	pctx, cancel := context.WithTimeout(work, p.timeout)
	providerID, err := p.provider.Refund(pctx, chargeID, r.AmountCents, r.ID)
	cancel()
	if err != nil {
		log.Error("refund outcome unknown, left for reconciliation", "err", err)
		return p.store.FinishRefund(work, r.ID, model.RefundAmbiguous, "", p.now())
	}
	log.Info("refund submitted", "provider_refund_id", providerID, "amount_cents", r.AmountCents)
	return p.store.FinishRefund(work, r.ID, model.RefundSucceeded, providerID, p.now())
}

// DrainQueued processes requests queued for longer than olderThan, catching
// any whose publish was lost.
func (p *RefundProcessor) DrainQueued(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	list, err := p.store.ListQueuedRefunds(ctx, p.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range list {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := p.Process(ctx, r.ID); err != nil {
			p.log.Error("refund drain failed", "refund_id", r.ID, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

func (p *RefundProcessor) chargeFor(ctx context.Context, bookingID string) (string, error) {
	b, err := p.store.GetBooking(ctx, bookingID)
	if err != nil {
		return "", err
	}
	if b.CheckoutSessionID == nil {
		return "", model.ErrNotFound
	}
	sess, err := p.store.GetSession(ctx, *b.CheckoutSessionID)
	if err != nil {
		return "", err
	}
	if sess.ProviderSessionID == "" {
		return "", model.ErrNotFound
	}
	return sess.ProviderSessionID, nil
}
