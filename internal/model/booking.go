package model

import (
	"fmt"
	"time"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusPendingPayment BookingStatus = "pending_payment"
	StatusConfirmed      BookingStatus = "confirmed"
	StatusCompleted      BookingStatus = "completed"
	StatusCancelled      BookingStatus = "cancelled"
	StatusPaymentFailed  BookingStatus = "payment_failed"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusPaymentFailed
}

// PaymentStatus is the payment sub-state of a booking.  Which values are
// legal depends on the booking's status.
type PaymentStatus string

const (
	PaymentNone                    PaymentStatus = "none"
	PaymentCheckoutCreated         PaymentStatus = "checkout_created"
	PaymentMethodCollectionPending PaymentStatus = "method_collection_pending"
	PaymentHeld                    PaymentStatus = "held"
	PaymentTransferred             PaymentStatus = "transferred"
	PaymentRefundPending           PaymentStatus = "refund_pending"
	PaymentRefunded                PaymentStatus = "refunded"
	PaymentFailed                  PaymentStatus = "failed"
)

// In reports whether s is one of the given values.
func (s PaymentStatus) In(values ...PaymentStatus) bool {
	for _, v := range values {
		if s == v {
			return true
		}
	}
	return false
}

var legalPaymentStatus = map[BookingStatus][]PaymentStatus{
	StatusPendingPayment: {PaymentNone, PaymentCheckoutCreated, PaymentMethodCollectionPending},
	StatusConfirmed:      {PaymentHeld, PaymentTransferred, PaymentRefundPending, PaymentRefunded},
	StatusCompleted:      {PaymentHeld, PaymentTransferred, PaymentRefundPending, PaymentRefunded},
	StatusCancelled: {
		PaymentNone, PaymentCheckoutCreated, PaymentMethodCollectionPending, PaymentFailed,
		PaymentHeld, PaymentTransferred, PaymentRefundPending, PaymentRefunded,
	},
	StatusPaymentFailed: {PaymentFailed},
}

// LegalPaymentStatus reports whether p may accompany status s.
func LegalPaymentStatus(s BookingStatus, p PaymentStatus) bool {
	return p.In(legalPaymentStatus[s]...)
}

// DateRange is a half-open rental period [Start, End).
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether the two ranges share any instant.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Booking is one reservation of one car for a date range, together with the
// state of its payment.  It is mutated only through ledger transitions and is
// never deleted.
type Booking struct {
	ID                  string        `json:"id"`
	CarID               string        `json:"car_id"`
	RenterID            string        `json:"renter_id"`
	HostID              string        `json:"host_id"`
	StartAt             time.Time     `json:"start_at"`
	EndAt               time.Time     `json:"end_at"`
	Status              BookingStatus `json:"status"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	CheckoutSessionID   *string       `json:"checkout_session_id,omitempty"`
	AmountDueCents      int64         `json:"amount_due_cents"`
	Currency            string        `json:"currency"`
	AmountCapturedCents int64         `json:"amount_captured_cents"`
	AmountRefundedCents int64         `json:"amount_refunded_cents"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	Version             int64         `json:"version"`
}

// Range returns the booking's rental period.
func (b Booking) Range() DateRange { return DateRange{Start: b.StartAt, End: b.EndAt} }

// ActiveSession reports whether id is the booking's current checkout session.
func (b Booking) ActiveSession(id string) bool {
	return b.CheckoutSessionID != nil && *b.CheckoutSessionID == id
}

// IsParty reports whether the user is the renter or the host of the booking.
func (b Booking) IsParty(userID string) bool {
	return userID != "" && (userID == b.RenterID || userID == b.HostID)
}

// Validate checks the booking invariants.
func (b Booking) Validate() error {
	if !b.StartAt.Before(b.EndAt) {
		return fmt.Errorf("%w: start must be before end", ErrInvalidInput)
	}
	if !LegalPaymentStatus(b.Status, b.PaymentStatus) {
		return fmt.Errorf("%w: payment status %s not allowed with %s", ErrInvalidState, b.PaymentStatus, b.Status)
	}
	if b.AmountRefundedCents > b.AmountCapturedCents {
		return fmt.Errorf("%w: refunded %d exceeds captured %d", ErrInvalidState, b.AmountRefundedCents, b.AmountCapturedCents)
	}
	if (b.CompletedAt != nil) != (b.Status == StatusCompleted) {
		return fmt.Errorf("%w: completed_at must be set iff status is completed", ErrInvalidState)
	}
	return nil
}
