// Package payment talks to the payment provider.  The rest of the service
// sees the provider only through these request and state types.
package payment

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned when the provider could not be reached
// or answered with a server error.  Callers may retry reads; they must not
// retry refunds.
var ErrProviderUnavailable = errors.New("payment: provider unavailable")

// CheckoutRequest describes a checkout to open for a booking.  The booking
// and session ids are echoed back in event metadata.
type CheckoutRequest struct {
	BookingID   string
	SessionID   string
	AmountCents int64
	Currency    string
}

// CheckoutStatus is the provider's view of a checkout.
type CheckoutStatus string

const (
	CheckoutOpen      CheckoutStatus = "open"
	CheckoutCompleted CheckoutStatus = "completed"
	CheckoutExpired   CheckoutStatus = "expired"
	CheckoutFailed    CheckoutStatus = "failed"
)

// Terminal reports whether the checkout will not change any more.
func (s CheckoutStatus) Terminal() bool { return s != CheckoutOpen }

// CheckoutState is a point-in-time lookup result.
type CheckoutState struct {
	ProviderSessionID string
	Status            CheckoutStatus
	AmountCents       int64
	Captured          bool
	BookingID         string
	SessionID         string
}

// Gateway is the provider surface used by the ledger, the sweep and the
// refund worker.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error)
	LookupCheckout(ctx context.Context, providerSessionID string) (CheckoutState, error)
	// Refund issues a refund of amountCents, or of the full charge when
	// amountCents is zero, and returns the provider refund id.
	Refund(ctx context.Context, providerSessionID string, amountCents int64, idempotencyKey string) (string, error)
}
