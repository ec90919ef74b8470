package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RefundHandler submits the refund with the given id.
type RefundHandler func(ctx context.Context, refundID string) error

// RunRefundConsumer consumes refund.requested until ctx is done, redialing
// the broker with exponential backoff whenever the connection drops.
// Messages that fail are rejected without requeue; the periodic drain of
// queued refunds picks them up again.
func RunRefundConsumer(ctx context.Context, url string, handle RefundHandler, log *slog.Logger) {
	log = log.With("component", "refund-consumer")
	wait := time.Second
	for ctx.Err() == nil {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn("failed to dial broker", "err", err, "retry_in", wait.String())
			if !sleep(ctx, wait) {
				return
			}
			if wait < 30*time.Second {
				wait *= 2
			}
			continue
		}
		wait = time.Second

		if err := consumeLoop(ctx, conn, handle, log); err != nil && ctx.Err() == nil {
			log.Warn("consume loop ended, reconnecting", "err", err)
			sleep(ctx, 2*time.Second)
		}
		_ = conn.Close()
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, handle RefundHandler, log *slog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(10, 0, false); err != nil {
		log.Warn("set QoS failed", "err", err)
	}
	if err := declareTopology(ch); err != nil {
		return err
	}
	msgs, err := ch.ConsumeWithContext(ctx, RefundQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := handleDelivery(ctx, d.Body, handle); err != nil {
			log.Error("handle refund message failed", "err", err)
			_ = d.Nack(false, false)
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

func handleDelivery(ctx context.Context, body []byte, handle RefundHandler) error {
	ev, err := DecodeRefundRequested(body)
	if err != nil {
		return err
	}
	return handle(ctx, ev.RefundID)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
