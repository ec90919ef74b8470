package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// Omise implements Gateway on top of the Omise charges API.  A checkout is a
// PromptPay source plus a pending charge; the charge id is the provider
// session id.
type Omise struct {
	client     *omise.Client
	sourceType string
	log        *slog.Logger
}

// NewOmise builds a client from the public and secret keys.  timeout bounds
// every HTTP request the SDK makes.
func NewOmise(publicKey, secretKey string, timeout time.Duration, log *slog.Logger) (*Omise, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	c.SetDebug(false)
	c.Client.Timeout = timeout
	return &Omise{client: c, sourceType: "promptpay", log: log.With("component", "omise")}, nil
}

func (o *Omise) CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	src := &omise.Source{}
	if err := o.do(ctx, func() error {
		return o.client.Do(src, &operations.CreateSource{
			Type:     o.sourceType,
			Amount:   req.AmountCents,
			Currency: req.Currency,
		})
	}); err != nil {
		return "", err
	}
	ch := &omise.Charge{}
	if err := o.do(ctx, func() error {
		return o.client.Do(ch, &operations.CreateCharge{
			Amount:   req.AmountCents,
			Currency: req.Currency,
			Source:   src.ID,
			Metadata: map[string]interface{}{
				"booking_id": req.BookingID,
				"session_id": req.SessionID,
			},
		})
	}); err != nil {
		return "", err
	}
	o.log.Debug("charge created", "booking_id", req.BookingID, "charge_id", ch.ID, "status", string(ch.Status))
	return ch.ID, nil
}

func (o *Omise) LookupCheckout(ctx context.Context, providerSessionID string) (CheckoutState, error) {
	ch, err := o.retrieveCharge(ctx, providerSessionID)
	if err != nil {
		return CheckoutState{}, err
	}
	st := CheckoutState{
		ProviderSessionID: ch.ID,
		Status:            chargeStatus(string(ch.Status)),
		AmountCents:       ch.Amount,
		Captured:          ch.Paid,
	}
	st.BookingID, _ = ch.Metadata["booking_id"].(string)
	st.SessionID, _ = ch.Metadata["session_id"].(string)
	return st, nil
}

func (o *Omise) Refund(ctx context.Context, providerSessionID string, amountCents int64, idempotencyKey string) (string, error) {
	if amountCents <= 0 {
		ch, err := o.retrieveCharge(ctx, providerSessionID)
		if err != nil {
			return "", err
		}
		amountCents = ch.Amount
	}
	ref := &omise.Refund{}
	if err := o.do(ctx, func() error {
		return o.client.Do(ref, &operations.CreateRefund{
			ChargeID: providerSessionID,
			Amount:   amountCents,
		})
	}); err != nil {
		return "", err
	}
	o.log.Info("refund created", "charge_id", providerSessionID, "refund_id", ref.ID, "request_id", idempotencyKey)
	return ref.ID, nil
}

func (o *Omise) retrieveCharge(ctx context.Context, id string) (*omise.Charge, error) {
	ch := &omise.Charge{}
	if err := o.do(ctx, func() error {
		return o.client.Do(ch, &operations.RetrieveCharge{ChargeID: id})
	}); err != nil {
		return nil, err
	}
	return ch, nil
}

// do runs the blocking SDK call and gives up waiting when ctx ends.  The
// call itself is not interrupted.
func (o *Omise) do(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()
	select {
	case err := <-done:
		if err != nil {
			if e, ok := err.(*omise.Error); ok && e.StatusCode < 500 {
				return fmt.Errorf("omise %s: %s", e.Code, e.Message)
			}
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	}
}

func chargeStatus(s string) CheckoutStatus {
	switch s {
	case "successful":
		return CheckoutCompleted
	case "failed":
		return CheckoutFailed
	case "expired", "reversed":
		return CheckoutExpired
	default:
		return CheckoutOpen
	}
}
