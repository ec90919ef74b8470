// Package jobs holds the periodic and operator-triggered background work:
// trip completion, the stale checkout sweep and refund submission.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/ledger"
	"github.com/iliyamo/car-rental-booking/internal/model"
)

// EndedBookings lists confirmed bookings whose trip has ended.
type EndedBookings interface {
	ListEndedBookings(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
}

// BookingCompleter is the ledger operation the completer drives.
type BookingCompleter interface {
	CompleteIfEnded(ctx context.Context, bookingID string) (ledger.CompletionResult, error)
}

// CompleterReport summarizes one pass.
type CompleterReport struct {
	Examined  int `json:"examined"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Completer moves ended trips to completed.  Overlapping runs are safe
// because CompleteIfEnded is idempotent.
type Completer struct {
	bookings EndedBookings
	ledger   BookingCompleter
	batch    int
	now      func() time.Time
	log      *slog.Logger
}

// NewCompleter returns a Completer examining at most batch bookings per pass.
func NewCompleter(b EndedBookings, l BookingCompleter, batch int, log *slog.Logger) *Completer {
	if batch <= 0 {
		batch = 200
	}
	return &Completer{
		bookings: b,
		ledger:   l,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With("component", "completer"),
	}
}

// RunOnce completes one batch.
func (c *Completer) RunOnce(ctx context.Context) (CompleterReport, error) {
	var rep CompleterReport
	list, err := c.bookings.ListEndedBookings(ctx, c.now(), c.batch)
	if err != nil {
		return rep, err
	}
	for _, b := range list {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Examined++
		res, err := c.ledger.CompleteIfEnded(ctx, b.ID)
		switch {
		case err == nil && res.Completed:
			rep.Completed++
		case err == nil:
			rep.Skipped++
		case errors.Is(err, model.ErrStaleVersion):
			// a concurrent writer won; the next pass sees the new state
			rep.Skipped++
			c.log.Debug("completion raced", "booking_id", b.ID)
		default:
			rep.Failed++
			c.log.Error("completion failed", "booking_id", b.ID, "err", err)
		}
	}
	if rep.Examined > 0 {
		c.log.Info("completer pass", "examined", rep.Examined, "completed", rep.Completed, "skipped", rep.Skipped, "failed", rep.Failed)
	}
	return rep, nil
}

// RunEvery runs a pass every interval until ctx is done.
func (c *Completer) RunEvery(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("completer pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
