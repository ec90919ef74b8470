package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the ledger, the webhook pipeline and the
// repositories.  Handlers translate them into HTTP status codes.
var (
	ErrNotFound     = errors.New("rental: not found")
	ErrForbidden    = errors.New("rental: forbidden")
	ErrInvalidInput = errors.New("rental: invalid input")

	// ErrConflict is returned when a booking overlaps an existing pending or
	// confirmed booking for the same car, or when a uniqueness rule (one open
	// checkout session, one open deposit case) is violated.
	ErrConflict = errors.New("rental: conflict")

	// ErrStaleVersion signals that the record changed between read and
	// conditional write.  Callers re-read and retry.
	ErrStaleVersion = errors.New("rental: stale version")

	// ErrIllegalTransition marks an event that does not apply to the current
	// state.  It is logged and dropped, never retried.
	ErrIllegalTransition = errors.New("rental: illegal transition")

	ErrTooLateToCancel = errors.New("rental: too late to cancel")
	ErrInvalidState    = errors.New("rental: invalid state")

	ErrInvalidSignature      = errors.New("rental: invalid webhook signature")
	ErrUnrecognizedEventType = errors.New("rental: unrecognized event type")
	ErrDuplicateEvent        = errors.New("rental: duplicate event")
)

// TransitionError describes why an event could not be applied to a booking.
type TransitionError struct {
	Event         EventType
	Status        BookingStatus
	PaymentStatus PaymentStatus
	Reason        string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("rental: illegal transition: %s on %s/%s: %s", e.Event, e.Status, e.PaymentStatus, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// IsRetryable reports whether the operation may succeed if repeated after a
// fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleVersion)
}

// IsBusinessRejection reports whether err is a rule violation that should be
// surfaced to the caller as-is and never retried.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTooLateToCancel) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrForbidden)
}
