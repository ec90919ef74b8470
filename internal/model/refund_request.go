package model

import "time"

// RefundStatus tracks a queued refund through the provider call.
type RefundStatus string

const (
	RefundQueued    RefundStatus = "queued"
	RefundSubmitted RefundStatus = "submitted"
	RefundSucceeded RefundStatus = "succeeded"
	// RefundAmbiguous means the provider call failed in a way that does not
	// tell whether money moved.  It is resolved by the webhook stream or an
	// operator, never by re-issuing the refund.
	RefundAmbiguous RefundStatus = "ambiguous"
)

// RefundRequest is the at-most-once record of a refund the platform owes for
// a booking.  There is at most one per booking.
type RefundRequest struct {
	ID               string       `json:"id"`
	BookingID        string       `json:"booking_id"`
	AmountCents      int64        `json:"amount_cents"`
	Currency         string       `json:"currency"`
	Status           RefundStatus `json:"status"`
	ProviderRefundID string       `json:"provider_refund_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
