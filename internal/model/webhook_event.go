package model

import "time"

// EventType is a provider webhook event type.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.session.completed"
	EventCheckoutExpired     EventType = "checkout.session.expired"
	EventPaymentSucceeded    EventType = "payment_intent.succeeded"
	EventPaymentFailed       EventType = "payment_intent.payment_failed"
	EventAmountCapturable    EventType = "payment_intent.amount_capturable_updated"
	EventChargeSucceeded     EventType = "charge.succeeded"
	EventChargeRefunded      EventType = "charge.refunded"
	EventRefundUpdated       EventType = "charge.refund.updated"
	EventDisputeCreated      EventType = "charge.dispute.created"
	EventIdentityVerified    EventType = "identity.verification_session.verified"
	EventIdentityInputNeeded EventType = "identity.verification_session.requires_input"
	EventAccountUpdated      EventType = "account.updated"
)

var knownEventTypes = map[EventType]bool{
	EventCheckoutCompleted:   true,
	EventCheckoutExpired:     true,
	EventPaymentSucceeded:    true,
	EventPaymentFailed:       true,
	EventAmountCapturable:    true,
	EventChargeSucceeded:     true,
	EventChargeRefunded:      true,
	EventRefundUpdated:       true,
	EventDisputeCreated:      true,
	EventIdentityVerified:    true,
	EventIdentityInputNeeded: true,
	EventAccountUpdated:      true,
}

// Known reports whether t belongs to the enumerated provider event set.
func (t EventType) Known() bool { return knownEventTypes[t] }

// AffectsBooking reports whether events of this type are routed to the
// booking ledger.  Identity and account events are acknowledged only.
func (t EventType) AffectsBooking() bool {
	switch t {
	case EventIdentityVerified, EventIdentityInputNeeded, EventAccountUpdated:
		return false
	}
	return t.Known()
}

// WebhookEvent is the processed-id ledger row for an inbound provider event.
// ProviderEventID is unique; an event is applied at most once.
type WebhookEvent struct {
	ProviderEventID string     `json:"provider_event_id"`
	Type            EventType  `json:"type"`
	Payload         []byte     `json:"-"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// Refund statuses reported by charge.refund.updated.
const (
	ProviderRefundPending   = "pending"
	ProviderRefundSucceeded = "succeeded"
	ProviderRefundFailed    = "failed"
)

// EffectiveState is the provider-side truth carried by an event: which
// session it concerns and the amounts it reports.
type EffectiveState struct {
	SessionID         string `json:"session_id,omitempty"`
	ProviderSessionID string `json:"provider_session_id,omitempty"`
	AmountCents       int64  `json:"amount_cents"`
	// PaymentPending is set when a checkout completed with an asynchronous
	// payment method whose funds have not arrived yet.
	PaymentPending bool   `json:"payment_pending,omitempty"`
	RefundStatus   string `json:"refund_status,omitempty"`
}

// PaymentEvent is a decoded provider event, or a provider query result from
// the sweep expressed in the same shape.
type PaymentEvent struct {
	EventID    string
	Type       EventType
	BookingID  string
	State      EffectiveState
	OccurredAt time.Time
}
