package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"github.com/sitewise-io/lib-sitewise/sitewise/outbox"
)

var (
	ErrURLRequired      = errors.New("rabbitmq url is required")
	ErrExchangeRequired = errors.New("rabbitmq exchange is required")
	ErrNotConnected     = errors.New("rabbitmq publisher is not connected")
	ErrClosed           = errors.New("rabbitmq publisher is closed")
)

// Channel is the AMQP channel surface the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Config describes the broker connection and target exchange.
type Config struct {
	// URL is the amqp:// connection string.
	URL string
	// Exchange receives every outbox event, routed by event name.
	Exchange string
	// ExchangeKind defaults to topic.
	ExchangeKind string
	// PublishTimeout bounds a single publish call. Defaults to 5s.
	PublishTimeout time.Duration
	// Logger is optional.
	Logger log.Logger
}

func (cfg *Config) normalize() error {
	if strings.TrimSpace(cfg.URL) == "" {
		return ErrURLRequired
	}

	if strings.TrimSpace(cfg.Exchange) == "" {
		return ErrExchangeRequired
	}

	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = "topic"
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	cfg.Logger = log.OrNop(cfg.Logger)

	return nil
}

// dialFn is swapped in tests to avoid a live broker.
var dialFn = func(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// Publisher delivers events to one exchange over a lazily opened channel.
// It satisfies the dispatcher's publisher contract.
type Publisher struct {
	config Config

	mu      sync.Mutex
	conn    *amqp.Connection
	channel Channel
	closed  bool
}

// NewPublisher validates cfg; the connection opens on first publish.
func NewPublisher(cfg Config) (*Publisher, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &Publisher{config: cfg}, nil
}

// Publish sends event to the exchange, routed by event name. The message is
// persistent and carries the event id for consumer-side deduplication.
func (publisher *Publisher) Publish(ctx context.Context, event *outbox.Event) error {
	if event == nil {
		return outbox.ErrEventRequired
	}

	channel, err := publisher.ensureChannel(ctx)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, publisher.config.PublishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Type:         event.EventName,
		Timestamp:    event.CreatedAt,
		Body:         event.Payload,
		Headers: amqp.Table{
			"tenant_id":      event.TenantID.String(),
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID.String(),
			"sequence":       event.Sequence,
		},
	}

	if err := channel.PublishWithContext(publishCtx, publisher.config.Exchange, event.EventName, false, false, msg); err != nil {
		publisher.invalidateChannel(channel)

		return fmt.Errorf("%w: publish %s: %v", sitewise.ErrDispatchFailure, event.EventName, err)
	}

	return nil
}

// ensureChannel returns the current channel, dialing the broker when needed.
func (publisher *Publisher) ensureChannel(ctx context.Context) (Channel, error) {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if publisher.closed {
		return nil, ErrClosed
	}

	if publisher.channel != nil && !publisher.channel.IsClosed() {
		return publisher.channel, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}

	conn := publisher.conn
	if conn == nil || conn.IsClosed() {
		dialed, err := dialFn(publisher.config.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: dial rabbitmq: %v", sitewise.ErrDispatchFailure, err)
		}

		conn = dialed
		publisher.conn = conn
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", sitewise.ErrDispatchFailure, err)
	}

	if err := publisher.setupChannel(channel); err != nil {
		_ = channel.Close()

		return nil, err
	}

	publisher.channel = channel
	publisher.config.Logger.Log(ctx, log.LevelInfo, "rabbitmq publisher connected",
		log.String("exchange", publisher.config.Exchange))

	return channel, nil
}

func (publisher *Publisher) setupChannel(channel Channel) error {
	err := channel.ExchangeDeclare(publisher.config.Exchange, publisher.config.ExchangeKind,
		true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: declare exchange %s: %v", sitewise.ErrDispatchFailure, publisher.config.Exchange, err)
	}

	return nil
}

func (publisher *Publisher) invalidateChannel(channel Channel) {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if publisher.channel == channel {
		publisher.channel = nil
	}
}

// Close releases the channel and connection. The publisher cannot be reused.
func (publisher *Publisher) Close() error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if publisher.closed {
		return nil
	}

	publisher.closed = true

	var errs []error

	if publisher.channel != nil && !publisher.channel.IsClosed() {
		if err := publisher.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	publisher.channel = nil

	if publisher.conn != nil && !publisher.conn.IsClosed() {
		if err := publisher.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	publisher.conn = nil

	return errors.Join(errs...)
}
