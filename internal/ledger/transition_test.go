package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func booking(status model.BookingStatus, pay model.PaymentStatus) model.Booking {
	sid := "sess-1"
	b := model.Booking{
		ID:             "bk-1",
		CarID:          "car-1",
		RenterID:       "renter-1",
		HostID:         "host-1",
		StartAt:        t0.Add(48 * time.Hour),
		EndAt:          t0.Add(96 * time.Hour),
		Status:         status,
		PaymentStatus:  pay,
		AmountDueCents: 12000,
		Currency:       "thb",
		Version:        3,
	}
	if pay != model.PaymentNone {
		b.CheckoutSessionID = &sid
	}
	if status == model.StatusCompleted {
		at := b.EndAt
		b.CompletedAt = &at
	}
	return b
}

func TestTransition_ProviderEvents(t *testing.T) {
	tests := []struct {
		name      string
		from      model.Booking
		in        Input
		wantErr   error
		status    model.BookingStatus
		pay       model.PaymentStatus
		closeSess model.SessionStatus
		refund    bool
	}{
		{
			name:      "checkout completed confirms and holds",
			from:      booking(model.StatusPendingPayment, model.PaymentCheckoutCreated),
			in:        Input{Event: model.EventCheckoutCompleted, State: model.EffectiveState{SessionID: "sess-1"}},
			status:    model.StatusConfirmed,
			pay:       model.PaymentHeld,
			closeSess: model.SessionCompleted,
		},
		{
			name:      "async payment waits for funds",
			from:      booking(model.StatusPendingPayment, model.PaymentCheckoutCreated),
			in:        Input{Event: model.EventCheckoutCompleted, State: model.EffectiveState{SessionID: "sess-1", PaymentPending: true}},
			status:    model.StatusPendingPayment,
			pay:       model.PaymentMethodCollectionPending,
		},
		{
			name:      "async payment succeeds",
			from:      booking(model.StatusPendingPayment, model.PaymentMethodCollectionPending),
			in:        Input{Event: model.EventPaymentSucceeded},
			status:    model.StatusConfirmed,
			pay:       model.PaymentHeld,
			closeSess: model.SessionCompleted,
		},
		{
			name:      "checkout expired cancels",
			from:      booking(model.StatusPendingPayment, model.PaymentCheckoutCreated),
			in:        Input{Event: model.EventCheckoutExpired, State: model.EffectiveState{SessionID: "sess-1"}},
			status:    model.StatusCancelled,
			pay:       model.PaymentFailed,
			closeSess: model.SessionExpired,
		},
		{
			name:      "payment failed",
			from:      booking(model.StatusPendingPayment, model.PaymentMethodCollectionPending),
			in:        Input{Event: model.EventPaymentFailed},
			status:    model.StatusPaymentFailed,
			pay:       model.PaymentFailed,
			closeSess: model.SessionExpired,
		},
		{
			name:   "charge captures held funds",
			from:   booking(model.StatusConfirmed, model.PaymentHeld),
			in:     Input{Event: model.EventChargeSucceeded, State: model.EffectiveState{AmountCents: 12000}},
			status: model.StatusConfirmed,
			pay:    model.PaymentTransferred,
		},
		{
			name:      "charge before checkout completion",
			from:      booking(model.StatusPendingPayment, model.PaymentCheckoutCreated),
			in:        Input{Event: model.EventChargeSucceeded, State: model.EffectiveState{SessionID: "sess-1"}},
			status:    model.StatusConfirmed,
			pay:       model.PaymentTransferred,
			closeSess: model.SessionCompleted,
		},
		{
			name:   "payment on cancelled booking queues refund",
			from:   booking(model.StatusCancelled, model.PaymentCheckoutCreated),
			in:     Input{Event: model.EventCheckoutCompleted, State: model.EffectiveState{SessionID: "sess-1", AmountCents: 12000}},
			status:    model.StatusCancelled,
			pay:       model.PaymentRefundPending,
			closeSess: model.SessionCompleted,
			refund:    true,
		},
		{
			name:    "expired after confirm is dropped",
			from:    booking(model.StatusConfirmed, model.PaymentHeld),
			in:      Input{Event: model.EventCheckoutExpired, State: model.EffectiveState{SessionID: "sess-1"}},
			wantErr: model.ErrIllegalTransition,
		},
		{
			name:    "superseded session is dropped",
			from:    booking(model.StatusPendingPayment, model.PaymentCheckoutCreated),
			in:      Input{Event: model.EventCheckoutCompleted, State: model.EffectiveState{SessionID: "sess-0"}},
			wantErr: model.ErrIllegalTransition,
		},
		{
			name:    "second completion is dropped",
			from:    booking(model.StatusConfirmed, model.PaymentHeld),
			in:      Input{Event: model.EventCheckoutCompleted, State: model.EffectiveState{SessionID: "sess-1"}},
			wantErr: model.ErrIllegalTransition,
		},
		{
			name:    "failure after confirm is dropped",
			from:    booking(model.StatusConfirmed, model.PaymentTransferred),
			in:      Input{Event: model.EventPaymentFailed},
			wantErr: model.ErrIllegalTransition,
		},
		{
			name:    "identity events never apply",
			from:    booking(model.StatusConfirmed, model.PaymentHeld),
			in:      Input{Event: model.EventIdentityVerified},
			wantErr: model.ErrIllegalTransition,
		},
		{
			name:   "refund pending",
			from:   booking(model.StatusCompleted, model.PaymentTransferred),
			in:     Input{Event: model.EventRefundUpdated, State: model.EffectiveState{RefundStatus: model.ProviderRefundPending}},
			status: model.StatusCompleted,
			pay:    model.PaymentRefundPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Transition(tt.from, tt.in, t0)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.False(t, res.Changed)
				assert.Equal(t, tt.from, res.Booking)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Changed)
			assert.Equal(t, tt.status, res.Booking.Status)
			assert.Equal(t, tt.pay, res.Booking.PaymentStatus)
			assert.Equal(t, tt.closeSess, res.CloseSession)
			assert.Equal(t, tt.refund, res.QueueRefund)
			assert.Equal(t, tt.from.Version+1, res.Booking.Version)
			assert.Equal(t, t0, res.Booking.UpdatedAt)
			require.NoError(t, res.Booking.Validate())
		})
	}
}

func TestTransition_Refunds(t *testing.T) {
	b := booking(model.StatusCompleted, model.PaymentTransferred)
	b.AmountCapturedCents = 12000

	res, err := Transition(b, Input{Event: model.EventChargeRefunded, State: model.EffectiveState{AmountCents: 5000}}, t0)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, res.Booking.PaymentStatus)
	assert.Equal(t, int64(5000), res.Booking.AmountRefundedCents)
	assert.Equal(t, model.StatusCompleted, res.Booking.Status)

	_, err = Transition(b, Input{Event: model.EventChargeRefunded, State: model.EffectiveState{AmountCents: 20000}}, t0)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)

	pending := booking(model.StatusCancelled, model.PaymentRefundPending)
	pending.AmountCapturedCents = 12000
	res, err = Transition(pending, Input{Event: model.EventRefundUpdated, State: model.EffectiveState{RefundStatus: model.ProviderRefundFailed}}, t0)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentTransferred, res.Booking.PaymentStatus)

	_, err = Transition(booking(model.StatusPaymentFailed, model.PaymentFailed), Input{Event: model.EventChargeRefunded}, t0)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

func TestTransition_Dispute(t *testing.T) {
	b := booking(model.StatusCompleted, model.PaymentTransferred)
	b.AmountCapturedCents = 12000

	res, err := Transition(b, Input{Event: model.EventDisputeCreated}, t0)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.True(t, res.OpenDepositCase)
	assert.Equal(t, int64(12000), res.DisputeAmountCents)

	_, err = Transition(booking(model.StatusConfirmed, model.PaymentHeld), Input{Event: model.EventDisputeCreated}, t0)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

func TestTransition_Cancel(t *testing.T) {
	t.Run("pending closes session", func(t *testing.T) {
		res, err := Transition(booking(model.StatusPendingPayment, model.PaymentCheckoutCreated), Input{Event: ActionCancel}, t0)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, res.Booking.Status)
		assert.Equal(t, model.PaymentCheckoutCreated, res.Booking.PaymentStatus)
		assert.Equal(t, model.SessionExpired, res.CloseSession)
		assert.False(t, res.QueueRefund)
	})

	t.Run("confirmed queues refund", func(t *testing.T) {
		b := booking(model.StatusConfirmed, model.PaymentTransferred)
		b.AmountCapturedCents = 12000
		res, err := Transition(b, Input{Event: ActionCancel}, t0)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, res.Booking.Status)
		assert.Equal(t, model.PaymentRefundPending, res.Booking.PaymentStatus)
		assert.True(t, res.QueueRefund)
		assert.Equal(t, int64(12000), res.RefundAmountCents)
	})

	t.Run("after start", func(t *testing.T) {
		b := booking(model.StatusConfirmed, model.PaymentHeld)
		_, err := Transition(b, Input{Event: ActionCancel}, b.StartAt)
		assert.ErrorIs(t, err, model.ErrTooLateToCancel)
	})

	t.Run("terminal", func(t *testing.T) {
		_, err := Transition(booking(model.StatusCompleted, model.PaymentTransferred), Input{Event: ActionCancel}, t0)
		assert.ErrorIs(t, err, model.ErrInvalidState)
		_, err = Transition(booking(model.StatusCancelled, model.PaymentFailed), Input{Event: ActionCancel}, t0)
		assert.ErrorIs(t, err, model.ErrInvalidState)
		_, err = Transition(booking(model.StatusPaymentFailed, model.PaymentFailed), Input{Event: ActionCancel}, t0)
		assert.ErrorIs(t, err, model.ErrInvalidState)
	})
}

func TestTransition_Complete(t *testing.T) {
	b := booking(model.StatusConfirmed, model.PaymentTransferred)

	res, err := Transition(b, Input{Event: ActionComplete}, b.EndAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, ReasonTripNotEnded, res.Reason)

	res, err = Transition(b, Input{Event: ActionComplete}, b.EndAt)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.StatusCompleted, res.Booking.Status)
	require.NotNil(t, res.Booking.CompletedAt)
	assert.Equal(t, b.EndAt, *res.Booking.CompletedAt)

	res, err = Transition(res.Booking, Input{Event: ActionComplete}, b.EndAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, ReasonAlreadyCompleted, res.Reason)

	res, err = Transition(booking(model.StatusCancelled, model.PaymentFailed), Input{Event: ActionComplete}, b.EndAt)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotConfirmed, res.Reason)
}

func TestTransition_CheckoutOpened(t *testing.T) {
	b := booking(model.StatusPendingPayment, model.PaymentNone)
	res, err := Transition(b, Input{Event: ActionCheckoutOpened, State: model.EffectiveState{SessionID: "sess-2"}}, t0)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCheckoutCreated, res.Booking.PaymentStatus)
	require.NotNil(t, res.Booking.CheckoutSessionID)
	assert.Equal(t, "sess-2", *res.Booking.CheckoutSessionID)

	_, err = Transition(booking(model.StatusConfirmed, model.PaymentHeld), Input{Event: ActionCheckoutOpened, State: model.EffectiveState{SessionID: "sess-2"}}, t0)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}
