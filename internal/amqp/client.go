package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

const (
	// maxFailures consecutive publish failures open the breaker.
	maxFailures = 5
	// openTimeout is how long the breaker stays open before a trial publish.
	openTimeout = 30 * time.Second

	publishTimeout = 5 * time.Second
	dialTimeout    = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

var ErrChannelClosed = errors.New("amqp channel is not open")

type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	breaker *gobreaker.CircuitBreaker
	// redial replaces a dropped connection; it defaults to connect.
	redial func() error
}

// NewClient dials url and declares the exchange, queue and binding.
func NewClient(url, exchangeName, queueName string) (*Client, error) {
	c := newClient(url, exchangeName, queueName)
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(url, exchangeName, queueName string) *Client {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		breaker:      newBreaker(exchangeName, openTimeout),
	}
	c.redial = c.connect
	return c
}

func newBreaker(name string, open time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqp-publish-" + name,
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("AMQP circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (c *Client) connect() error {
	conn, err := amqp091.DialConfig(c.url, amqp091.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp091.DefaultDial(dialTimeout),
	})
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := setup(channel, c.exchangeName, c.queueName); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn, c.channel = conn, channel
	c.mu.Unlock()
	if old != nil && !old.IsClosed() {
		old.Close()
	}
	return nil
}

func setup(ch *amqp091.Channel, exchangeName, queueName string) error {
	err := ch.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// routing key is the queue name on a direct exchange
	if err := ch.QueueBind(queueName, queueName, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func (c *Client) openChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil || c.channel.IsClosed() {
		return nil, ErrChannelClosed
	}
	return c.channel, nil
}

// publishChannel returns the open channel. A dropped connection is redialed
// only on the breaker's half-open trial, so a dead broker costs one dial per
// open period.
func (c *Client) publishChannel(ctx context.Context) (*amqp091.Channel, error) {
	ch, err := c.openChannel()
	if !errors.Is(err, ErrChannelClosed) || c.breaker.State() != gobreaker.StateHalfOpen {
		return ch, err
	}
	if rerr := c.redial(); rerr != nil {
		return nil, fmt.Errorf("%w: reconnect: %v", ErrChannelClosed, rerr)
	}
	slog.InfoContext(ctx, "AMQP publisher reconnected", "exchange", c.exchangeName)
	return c.openChannel()
}

// PublishLedgerEvent publishes ev as a persistent message. Publishing goes
// through a circuit breaker so a dead broker fails fast instead of stalling
// every write.
func (c *Client) PublishLedgerEvent(ctx context.Context, ev *LedgerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := ev.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		ch, err := c.publishChannel(ctx)
		if err != nil {
			return nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return nil, ch.PublishWithContext(
			pctx,
			c.exchangeName, // exchange
			c.queueName,    // routing key
			false,          // mandatory
			false,          // immediate
			amqp091.Publishing{
				ContentType:  "application/json",
				Type:         string(ev.Type),
				DeliveryMode: amqp091.Persistent,
				Timestamp:    ev.Timestamp,
				Body:         body,
			},
		)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("circuit breaker is open: %w", err)
	}
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	slog.DebugContext(ctx, "Published ledger event",
		"event", string(ev.Type),
		"count", ev.Count,
		"exchange", c.exchangeName,
		"queue", c.queueName)
	return nil
}

// Handler processes one event. Returning an error requeues the message.
type Handler func(ctx context.Context, ev *LedgerEvent) error

// Consume delivers events to handler until ctx is done or the channel closes.
// Malformed messages are rejected without requeue.
func (c *Client) Consume(ctx context.Context, handler Handler) error {
	ch, err := c.openChannel()
	if err != nil {
		return err
	}
	msgs, err := ch.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming ledger events", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			process(ctx, delivery, handler)
		}
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func process(ctx context.Context, d amqp091.Delivery, handler Handler) {
	handle(ctx, d.Body, &d, handler)
}

func handle(ctx context.Context, body []byte, ack acknowledger, handler Handler) {
	msg, err := LedgerEventFromJSON(body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
		_ = ack.Nack(false, false)
		return
	}

	if err := handler(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to handle message", "error", err, "event", string(msg.Type))
		_ = ack.Nack(false, true)
		return
	}

	_ = ack.Ack(false)
	slog.DebugContext(ctx, "Processed ledger event", "event", string(msg.Type))
}

// Run consumes until ctx is done, reconnecting with exponential backoff
// whenever the broker connection drops.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	attempt := 0
	for {
		err := c.Consume(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isConnectionError(err) {
			return err
		}

		wait := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "AMQP connection lost, reconnecting", "error", err, "attempt", attempt+1, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := c.connect(); err != nil {
			slog.ErrorContext(ctx, "AMQP reconnect failed", "error", err)
			attempt++
			continue
		}
		attempt = 0
	}
}

// exponentialBackoff returns 1s, 2s, 4s... capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChannelClosed) || errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "channel closed", "dial amqp"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
