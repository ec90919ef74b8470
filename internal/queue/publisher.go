package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// ErrBrokerUnavailable is returned while the publisher waits out a failed
// connection attempt.
var ErrBrokerUnavailable = errors.New("rabbitmq unavailable")

// Publisher publishes persistent JSON messages to the bookings exchange.  The
// connection is opened lazily and reopened after a failure.  Dialing happens
// outside the lock, is bounded by the dial timeout and the caller's context,
// and a failed attempt suppresses redials for the cooldown, so a broker
// outage never stalls a ledger write.
type Publisher struct {
	url         string
	dialTimeout time.Duration
	cooldown    time.Duration
	log         *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	nextDial  time.Time
	lastError error
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithDialTimeout bounds the TCP connect and AMQP handshake.
func WithDialTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.dialTimeout = d }
}

// WithRedialCooldown sets how long a failed dial suppresses new attempts.
func WithRedialCooldown(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.cooldown = d }
}

// NewPublisher returns a Publisher for the broker at url.
func NewPublisher(url string, log *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		url:         url,
		dialTimeout: 2 * time.Second,
		cooldown:    5 * time.Second,
		log:         log.With("component", "publisher"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// BookingChanged publishes booking.<status>.
func (p *Publisher) BookingChanged(ctx context.Context, b model.Booking) error {
	return p.PublishJSON(ctx, BookingRoutingKey(b.Status), NewBookingStatusEvent(b))
}

// RefundQueued publishes refund.requested.
func (p *Publisher) RefundQueued(ctx context.Context, r model.RefundRequest) error {
	return p.PublishJSON(ctx, RefundRoutingKey, NewRefundRequestedEvent(r))
}

// PublishJSON marshals v and publishes it under key.
func (p *Publisher) PublishJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.log.Warn("publish failed", "routing_key", key, "err", err)
		p.mu.Lock()
		if p.ch == ch {
			p.resetLocked()
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := p.conn
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch, p.conn = nil, nil
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// channel returns the open channel, dialing when there is none.
func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	if p.ch != nil && !p.ch.IsClosed() {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	p.resetLocked()
	if now := time.Now(); now.Before(p.nextDial) {
		err := p.lastError
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	// concurrent callers fail fast while this one dials
	p.nextDial = time.Now().Add(p.dialTimeout)
	p.lastError = errors.New("dial in progress")
	p.mu.Unlock()

	conn, ch, err := p.dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.nextDial = time.Now().Add(p.cooldown)
		p.lastError = err
		return nil, err
	}
	p.nextDial, p.lastError = time.Time{}, nil
	if p.ch != nil && !p.ch.IsClosed() {
		_ = ch.Close()
		_ = conn.Close()
		return p.ch, nil
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

type dialResult struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	err  error
}

// dial opens a connection and channel and declares the topology.  When ctx
// ends first the attempt is abandoned and its connection closed once it
// finishes.
func (p *Publisher) dial(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	done := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(p.url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(p.dialTimeout),
		})
		if err != nil {
			done <- dialResult{err: fmt.Errorf("dial rabbitmq: %w", err)}
			return
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			done <- dialResult{err: fmt.Errorf("open channel: %w", err)}
			return
		}
		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			done <- dialResult{err: err}
			return
		}
		done <- dialResult{conn: conn, ch: ch}
	}()

	select {
	case r := <-done:
		return r.conn, r.ch, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", ctx.Err())
	}
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// declareTopology declares the durable exchange and the refund queue.  Both
// declarations are idempotent.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(RefundQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(RefundQueue, RefundRoutingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", RefundRoutingKey, err)
	}
	return nil
}
