package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func booking(id, car string, from, to time.Duration) *model.Booking {
	return &model.Booking{
		ID: id, CarID: car, RenterID: "r", HostID: "h",
		StartAt: t0.Add(from), EndAt: t0.Add(to),
		Status: model.StatusPendingPayment, PaymentStatus: model.PaymentNone,
		AmountDueCents: 100, Currency: "thb", Version: 1,
	}
}

func TestCreateBooking_Overlap(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, booking("b1", "car", 0, 48*time.Hour)))

	assert.ErrorIs(t, s.CreateBooking(ctx, booking("b2", "car", 24*time.Hour, 72*time.Hour)), model.ErrConflict)
	assert.NoError(t, s.CreateBooking(ctx, booking("b3", "car", 48*time.Hour, 72*time.Hour)), "half-open ranges touch")
	assert.NoError(t, s.CreateBooking(ctx, booking("b4", "other", 0, 48*time.Hour)))

	cancelled := booking("b1", "car", 0, 48*time.Hour)
	cancelled.Status = model.StatusCancelled
	cancelled.Version = 2
	require.NoError(t, s.CommitBooking(ctx, store.BookingWrite{Booking: cancelled, ExpectedVersion: 1}))
	assert.NoError(t, s.CreateBooking(ctx, booking("b5", "car", 0, 24*time.Hour)))
}

func TestCommitBooking_Version(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, booking("b1", "car", 0, time.Hour)))

	next := booking("b1", "car", 0, time.Hour)
	next.Version = 2
	assert.ErrorIs(t, s.CommitBooking(ctx, store.BookingWrite{Booking: next, ExpectedVersion: 3}), model.ErrStaleVersion)
	require.NoError(t, s.CommitBooking(ctx, store.BookingWrite{Booking: next, ExpectedVersion: 1}))
	assert.ErrorIs(t, s.CommitBooking(ctx, store.BookingWrite{Booking: next, ExpectedVersion: 1}), model.ErrStaleVersion)
}

func TestSessions_OneOpenPerBooking(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, booking("b1", "car", 0, time.Hour)))

	require.NoError(t, s.ReserveSession(ctx, &model.CheckoutSession{ID: "s1", BookingID: "b1", Status: model.SessionCreated, CreatedAt: t0}))
	assert.ErrorIs(t, s.ReserveSession(ctx, &model.CheckoutSession{ID: "s2", BookingID: "b1", Status: model.SessionCreated, CreatedAt: t0}), model.ErrConflict)

	require.NoError(t, s.CloseSession(ctx, store.SessionChange{SessionID: "s1", Status: model.SessionExpired}))
	require.NoError(t, s.CloseSession(ctx, store.SessionChange{SessionID: "s1", Status: model.SessionCompleted}))
	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, got.Status, "closed sessions stay closed")

	assert.NoError(t, s.ReserveSession(ctx, &model.CheckoutSession{ID: "s2", BookingID: "b1", Status: model.SessionCreated, CreatedAt: t0}))
}

func TestListStaleSessions_NeverReconciledFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, id := range []string{"s1", "s2", "s3"} {
		b := booking("b"+id, "car-"+id, 0, time.Hour)
		require.NoError(t, s.CreateBooking(ctx, b))
		require.NoError(t, s.ReserveSession(ctx, &model.CheckoutSession{
			ID: id, BookingID: b.ID, Status: model.SessionCreated, CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.MarkSessionReconciled(ctx, "s1", t0.Add(time.Hour)))

	got, err := s.ListStaleSessions(ctx, t0.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ID)
	assert.Equal(t, "s3", got[1].ID)
}

func TestBeginEvent(t *testing.T) {
	s := New()
	ctx := context.Background()
	ev := &model.WebhookEvent{ProviderEventID: "evt_1", Type: model.EventChargeSucceeded, ReceivedAt: t0}

	require.NoError(t, s.BeginEvent(ctx, ev))
	require.NoError(t, s.BeginEvent(ctx, ev), "unprocessed events may be retried")
	require.NoError(t, s.MarkEventProcessed(ctx, "evt_1", t0))
	assert.ErrorIs(t, s.BeginEvent(ctx, ev), model.ErrDuplicateEvent)
}

func TestClaimRefund_Once(t *testing.T) {
	s := New()
	ctx := context.Background()
	b := booking("b1", "car", 0, time.Hour)
	require.NoError(t, s.CreateBooking(ctx, b))
	next := *b
	next.Version = 2
	require.NoError(t, s.CommitBooking(ctx, store.BookingWrite{
		Booking: &next, ExpectedVersion: 1,
		Refund: &model.RefundRequest{ID: "rf1", BookingID: "b1", AmountCents: 100, Status: model.RefundQueued, CreatedAt: t0},
	}))

	ok, err := s.ClaimRefund(ctx, "rf1", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimRefund(ctx, "rf1", t0)
	require.NoError(t, err)
	assert.False(t, ok)
}
