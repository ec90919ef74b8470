// Package webhook authenticates, deduplicates and dispatches provider
// webhook deliveries.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/reconcile"
	"github.com/iliyamo/car-rental-booking/internal/store"
)

// Reconciler applies a decoded event.
type Reconciler interface {
	Reconcile(ctx context.Context, ev model.PaymentEvent) (reconcile.Outcome, error)
}

// Result describes how a delivery was handled.
type Result struct {
	EventID   string
	Type      model.EventType
	Duplicate bool
	Ignored   bool
	Outcome   reconcile.Outcome
}

// Ingester is the entry point for inbound deliveries.
type Ingester struct {
	verifier   *Verifier
	events     store.Events
	reconciler Reconciler
	now        func() time.Time
	log        *slog.Logger
}

// NewIngester returns an Ingester.
func NewIngester(v *Verifier, events store.Events, r Reconciler, log *slog.Logger) *Ingester {
	return &Ingester{
		verifier:   v,
		events:     events,
		reconciler: r,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With("component", "ingester"),
	}
}

// Ingest handles one delivery.  It returns model.ErrInvalidSignature and
// model.ErrInvalidInput for deliveries that must be rejected,
// model.ErrUnrecognizedEventType for types outside the known set (to be
// acknowledged), and any other error when processing failed and the provider
// should redeliver.  A delivery of an already processed event succeeds with
// Duplicate set.
func (in *Ingester) Ingest(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := in.verifier.Verify(payload, signature); err != nil {
		in.log.Warn("rejected webhook", "err", err)
		return Result{}, err
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		return Result{}, err
	}
	res := Result{EventID: env.ID, Type: env.Type}
	log := in.log.With("event_id", env.ID, "event_type", env.Type)
	if !env.Type.Known() {
		log.Warn("unrecognized event type")
		return res, model.ErrUnrecognizedEventType
	}

	err = in.events.BeginEvent(ctx, &model.WebhookEvent{
		ProviderEventID: env.ID,
		Type:            env.Type,
		Payload:         payload,
		ReceivedAt:      in.now(),
	})
	if errors.Is(err, model.ErrDuplicateEvent) {
		log.Info("duplicate delivery")
		res.Duplicate = true
		return res, nil
	}
	if err != nil {
		return res, err
	}

	if env.Type.AffectsBooking() {
		ev, err := decodeEvent(env)
		if err != nil {
			return res, err
		}
		out, err := in.reconciler.Reconcile(ctx, ev)
		if err != nil {
			log.Error("reconcile failed", "booking_id", out.BookingID, "err", err)
			return res, err
		}
		res.Outcome = out
		if out.Dropped {
			log.Info("event dropped", "booking_id", out.BookingID, "reason", out.Reason)
		}
	} else {
		res.Ignored = true
		log.Debug("event acknowledged without booking effect")
	}

	if err := in.events.MarkEventProcessed(ctx, env.ID, in.now()); err != nil {
		return res, err
	}
	return res, nil
}
