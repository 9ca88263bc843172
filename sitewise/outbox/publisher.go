package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sitewise-io/lib-sitewise/sitewise"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"github.com/sony/gobreaker"
)

// Publisher delivers one event to the broker. A nil error means the broker
// acknowledged the event.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event *Event) error

func (fn PublisherFunc) Publish(ctx context.Context, event *Event) error {
	return fn(ctx, event)
}

// BreakerConfig tunes the circuit breaker guarding the broker.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string
	// MaxRequests is the request budget while half-open.
	MaxRequests uint32
	// Interval is the closed-state counter reset interval.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns balanced settings for a message broker.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "outbox-publisher",
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

func (cfg *BreakerConfig) normalize() {
	defaults := DefaultBreakerConfig()

	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}

	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}
}

// BreakerPublisher wraps a Publisher with a circuit breaker so a down broker
// sheds publish attempts instead of burning dispatch attempts on every event.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerPublisher wraps next with a breaker configured by cfg.
func NewBreakerPublisher(next Publisher, cfg BreakerConfig, logger log.Logger) (*BreakerPublisher, error) {
	if next == nil {
		return nil, ErrPublisherRequired
	}

	cfg.normalize()
	logger = log.OrNop(logger)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log(context.Background(), log.LevelWarn, "outbox publisher breaker state changed",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	}

	return &BreakerPublisher{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// Publish delivers event through the breaker. An open breaker fails fast
// with a retryable dispatch error.
func (publisher *BreakerPublisher) Publish(ctx context.Context, event *Event) error {
	_, err := publisher.breaker.Execute(func() (any, error) {
		return nil, publisher.next.Publish(ctx, event)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: broker circuit open: %w", sitewise.ErrDispatchFailure, err)
	}

	return err
}

// State exposes the breaker state for health reporting.
func (publisher *BreakerPublisher) State() gobreaker.State {
	return publisher.breaker.State()
}
