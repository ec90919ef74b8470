// Package queue carries domain events over RabbitMQ: booking status changes
// on the bookings topic exchange and refund requests for the refund worker.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// Exchange and routing keys.
const (
	Exchange          = "bookings"
	RefundQueue       = "refund.requested"
	RefundRoutingKey  = "refund.requested"
	bookingKeyPattern = "booking.%s"
)

// BookingStatusEvent is published when a booking changes status.  It
// carries enough for downstream consumers to notify or log without querying
// the database.
type BookingStatusEvent struct {
	BookingID     string              `json:"booking_id"`
	CarID         string              `json:"car_id"`
	RenterID      string              `json:"renter_id"`
	HostID        string              `json:"host_id"`
	Status        model.BookingStatus `json:"status"`
	PaymentStatus model.PaymentStatus `json:"payment_status"`
	Version       int64               `json:"version"`
	OccurredAt    string              `json:"occurred_at"`
}

// RefundRequestedEvent asks the refund worker to submit a queued refund.
type RefundRequestedEvent struct {
	RefundID    string `json:"refund_id"`
	BookingID   string `json:"booking_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	RequestedAt string `json:"requested_at"`
}

// BookingRoutingKey returns "booking.<status>".
func BookingRoutingKey(s model.BookingStatus) string {
	return fmt.Sprintf(bookingKeyPattern, s)
}

// NewBookingStatusEvent builds the event for b.
func NewBookingStatusEvent(b model.Booking) BookingStatusEvent {
	return BookingStatusEvent{
		BookingID:     b.ID,
		CarID:         b.CarID,
		RenterID:      b.RenterID,
		HostID:        b.HostID,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		Version:       b.Version,
		OccurredAt:    b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// NewRefundRequestedEvent builds the event for r.
func NewRefundRequestedEvent(r model.RefundRequest) RefundRequestedEvent {
	return RefundRequestedEvent{
		RefundID:    r.ID,
		BookingID:   r.BookingID,
		AmountCents: r.AmountCents,
		Currency:    r.Currency,
		RequestedAt: r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// DecodeRefundRequested parses a refund.requested body.
func DecodeRefundRequested(body []byte) (RefundRequestedEvent, error) {
	var ev RefundRequestedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal: %w", err)
	}
	if ev.RefundID == "" {
		return ev, fmt.Errorf("%w: refund_id missing", model.ErrInvalidInput)
	}
	return ev, nil
}
