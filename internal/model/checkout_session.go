package model

import "time"

// SessionStatus is the local view of a provider checkout session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// CheckoutSession tracks one payment attempt for a booking.  A booking has at
// most one session in SessionCreated at a time; older attempts are kept.
type CheckoutSession struct {
	ID                string        `json:"id"`
	BookingID         string        `json:"booking_id"`
	ProviderSessionID string        `json:"provider_session_id"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	LastReconciledAt  *time.Time    `json:"last_reconciled_at,omitempty"`
}
