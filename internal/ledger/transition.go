package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// Local actions share the transition function with provider events so that
// every mutation passes through Transition.
const (
	ActionCheckoutOpened model.EventType = "booking.checkout_opened"
	ActionCancel         model.EventType = "booking.cancel_requested"
	ActionComplete       model.EventType = "booking.trip_ended"
)

// Completion reasons reported by CompleteIfEnded.
const (
	ReasonCompleted        = "completed"
	ReasonTripNotEnded     = "trip_not_ended"
	ReasonAlreadyCompleted = "already_completed"
	ReasonNotConfirmed     = "not_confirmed"
)

// Input is one event or action to apply.
type Input struct {
	Event model.EventType
	State model.EffectiveState
}

// Result is the outcome of a transition.  When Changed is false the booking
// must not be written.
type Result struct {
	Booking model.Booking
	Changed bool
	Reason  string
	// CloseSession is the status the active session moves to, if any.
	CloseSession model.SessionStatus
	// QueueRefund asks the caller to persist a refund request for
	// RefundAmountCents together with the booking.
	QueueRefund       bool
	RefundAmountCents int64
	// OpenDepositCase asks the caller to file a deposit case for
	// DisputeAmountCents.  The booking itself does not change.
	OpenDepositCase    bool
	DisputeAmountCents int64
}

// Transition is the booking state machine.  It performs no I/O: given the
// current booking, an input and the current time it returns the next state or
// an error.  Provider events that do not apply fail with
// model.ErrIllegalTransition; local actions fail with business errors.
func Transition(b model.Booking, in Input, now time.Time) (Result, error) {
	res := Result{Booking: b}
	next := b

	if in.State.SessionID != "" && isSessionBound(in.Event) && !b.ActiveSession(in.State.SessionID) {
		return res, illegal(b, in.Event, "event belongs to a superseded checkout session")
	}

	switch in.Event {
	case model.EventCheckoutCompleted:
		if b.Status == model.StatusCancelled && in.State.PaymentPending {
			return res, illegal(b, in.Event, "booking cancelled before payment settled")
		}
		if b.Status == model.StatusCancelled && lateCapture(b) {
			return latePayment(b, in, now)
		}
		if b.Status != model.StatusPendingPayment || !b.PaymentStatus.In(model.PaymentNone, model.PaymentCheckoutCreated) {
			return res, illegal(b, in.Event, "checkout already settled")
		}
		if in.State.PaymentPending {
			// session stays open until the payment intent settles
			next.PaymentStatus = model.PaymentMethodCollectionPending
		} else {
			next.Status = model.StatusConfirmed
			next.PaymentStatus = model.PaymentHeld
			res.CloseSession = model.SessionCompleted
		}

	case model.EventCheckoutExpired:
		if b.Status != model.StatusPendingPayment || b.AmountCapturedCents > 0 ||
			!b.PaymentStatus.In(model.PaymentNone, model.PaymentCheckoutCreated) {
			return res, illegal(b, in.Event, "checkout no longer open")
		}
		next.Status = model.StatusCancelled
		next.PaymentStatus = model.PaymentFailed
		res.CloseSession = model.SessionExpired

	case model.EventPaymentFailed:
		if b.Status != model.StatusPendingPayment {
			return res, illegal(b, in.Event, "booking not awaiting payment")
		}
		next.Status = model.StatusPaymentFailed
		next.PaymentStatus = model.PaymentFailed
		res.CloseSession = model.SessionExpired

	case model.EventPaymentSucceeded, model.EventAmountCapturable:
		if b.Status == model.StatusCancelled && lateCapture(b) && in.Event == model.EventPaymentSucceeded {
			return latePayment(b, in, now)
		}
		if b.Status != model.StatusPendingPayment ||
			!b.PaymentStatus.In(model.PaymentCheckoutCreated, model.PaymentMethodCollectionPending) {
			return res, illegal(b, in.Event, "booking not awaiting payment")
		}
		next.Status = model.StatusConfirmed
		next.PaymentStatus = model.PaymentHeld
		res.CloseSession = model.SessionCompleted

	case model.EventChargeSucceeded:
		captured := in.State.AmountCents
		if captured <= 0 {
			captured = b.AmountDueCents
		}
		switch {
		case b.Status == model.StatusCancelled && lateCapture(b):
			return latePayment(b, in, now)
		case b.Status == model.StatusPendingPayment &&
			b.PaymentStatus.In(model.PaymentCheckoutCreated, model.PaymentMethodCollectionPending):
			// capture observed before the checkout completion
			next.Status = model.StatusConfirmed
			res.CloseSession = model.SessionCompleted
		case b.PaymentStatus == model.PaymentHeld &&
			(b.Status == model.StatusConfirmed || b.Status == model.StatusCompleted):
		default:
			return res, illegal(b, in.Event, "no held funds to capture")
		}
		next.PaymentStatus = model.PaymentTransferred
		next.AmountCapturedCents = captured

	case model.EventChargeRefunded:
		if err := applyRefund(&next, b, in); err != nil {
			return res, err
		}

	case model.EventRefundUpdated:
		switch in.State.RefundStatus {
		case model.ProviderRefundPending:
			if !b.PaymentStatus.In(model.PaymentHeld, model.PaymentTransferred) || b.Status == model.StatusPaymentFailed {
				return res, illegal(b, in.Event, "nothing to refund")
			}
			next.PaymentStatus = model.PaymentRefundPending
		case model.ProviderRefundSucceeded:
			if err := applyRefund(&next, b, in); err != nil {
				return res, err
			}
		case model.ProviderRefundFailed:
			if b.PaymentStatus != model.PaymentRefundPending {
				return res, illegal(b, in.Event, "no refund in flight")
			}
			next.PaymentStatus = model.PaymentHeld
			if b.AmountCapturedCents > 0 {
				next.PaymentStatus = model.PaymentTransferred
			}
		default:
			return res, illegal(b, in.Event, fmt.Sprintf("unknown refund status %q", in.State.RefundStatus))
		}

	case model.EventDisputeCreated:
		if b.Status != model.StatusCompleted {
			return res, illegal(b, in.Event, "disputes are only tracked on completed bookings")
		}
		res.OpenDepositCase = true
		res.DisputeAmountCents = in.State.AmountCents
		if res.DisputeAmountCents <= 0 {
			res.DisputeAmountCents = b.AmountCapturedCents
		}
		return res, nil

	case ActionCheckoutOpened:
		if b.Status != model.StatusPendingPayment || !b.PaymentStatus.In(model.PaymentNone, model.PaymentCheckoutCreated) {
			return res, fmt.Errorf("%w: cannot open checkout for %s/%s", model.ErrInvalidState, b.Status, b.PaymentStatus)
		}
		sid := in.State.SessionID
		next.CheckoutSessionID = &sid
		next.PaymentStatus = model.PaymentCheckoutCreated

	case ActionCancel:
		if b.Status.Terminal() {
			return res, fmt.Errorf("%w: cannot cancel a %s booking", model.ErrInvalidState, b.Status)
		}
		if !now.Before(b.StartAt) {
			return res, model.ErrTooLateToCancel
		}
		next.Status = model.StatusCancelled
		if b.Status == model.StatusConfirmed && b.PaymentStatus.In(model.PaymentHeld, model.PaymentTransferred) {
			next.PaymentStatus = model.PaymentRefundPending
			res.QueueRefund = true
			res.RefundAmountCents = b.AmountCapturedCents - b.AmountRefundedCents
		} else if b.PaymentStatus == model.PaymentCheckoutCreated {
			res.CloseSession = model.SessionExpired
		}

	case ActionComplete:
		switch {
		case b.Status == model.StatusCompleted:
			res.Reason = ReasonAlreadyCompleted
			return res, nil
		case b.Status != model.StatusConfirmed:
			res.Reason = ReasonNotConfirmed
			return res, nil
		case now.Before(b.EndAt):
			res.Reason = ReasonTripNotEnded
			return res, nil
		}
		at := now
		next.Status = model.StatusCompleted
		next.CompletedAt = &at
		res.Reason = ReasonCompleted

	default:
		return res, illegal(b, in.Event, "event does not affect bookings")
	}

	next.Version = b.Version + 1
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		if errors.Is(err, model.ErrInvalidInput) {
			return res, err
		}
		return res, illegal(b, in.Event, err.Error())
	}
	res.Booking = next
	res.Changed = true
	return res, nil
}

// applyRefund moves the booking to refunded.  Refunding held funds releases
// the authorization, so nothing is recorded as refunded.
func applyRefund(next *model.Booking, b model.Booking, in Input) error {
	if !b.PaymentStatus.In(model.PaymentHeld, model.PaymentTransferred, model.PaymentRefundPending) {
		return illegal(b, in.Event, "booking was never charged")
	}
	next.PaymentStatus = model.PaymentRefunded
	if b.AmountCapturedCents == 0 {
		return nil
	}
	amount := in.State.AmountCents
	if amount <= 0 {
		amount = b.AmountCapturedCents
	}
	if amount > b.AmountCapturedCents {
		return illegal(b, in.Event, fmt.Sprintf("refund %d exceeds captured %d", amount, b.AmountCapturedCents))
	}
	next.AmountRefundedCents = amount
	return nil
}

// lateCapture reports whether a cancelled booking never took money, so a
// payment that lands now must be handed back.
func lateCapture(b model.Booking) bool {
	return b.PaymentStatus.In(model.PaymentNone, model.PaymentCheckoutCreated, model.PaymentMethodCollectionPending)
}

// latePayment handles funds that arrive after the renter already cancelled:
// the money is recorded and a refund is queued.
func latePayment(b model.Booking, in Input, now time.Time) (Result, error) {
	amount := in.State.AmountCents
	if amount <= 0 {
		amount = b.AmountDueCents
	}
	next := b
	next.PaymentStatus = model.PaymentRefundPending
	next.AmountCapturedCents = amount
	next.Version = b.Version + 1
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return Result{Booking: b}, illegal(b, in.Event, err.Error())
	}
	return Result{
		Booking:           next,
		Changed:           true,
		CloseSession:      model.SessionCompleted,
		QueueRefund:       true,
		RefundAmountCents: amount,
	}, nil
}

func isSessionBound(t model.EventType) bool {
	switch t {
	case model.EventCheckoutCompleted, model.EventCheckoutExpired,
		model.EventPaymentSucceeded, model.EventPaymentFailed, model.EventAmountCapturable,
		model.EventChargeSucceeded:
		return true
	}
	return false
}

func illegal(b model.Booking, ev model.EventType, reason string) error {
	return &model.TransitionError{Event: ev, Status: b.Status, PaymentStatus: b.PaymentStatus, Reason: reason}
}
