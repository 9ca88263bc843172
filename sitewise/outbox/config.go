package outbox

import (
	"time"

	"github.com/sitewise-io/lib-sitewise/sitewise/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 50
	defaultMaxAttempts  = 10
	defaultBackoffBase  = 200 * time.Millisecond
	defaultClaimLease   = time.Minute
)

// DispatcherConfig controls dispatcher polling and retry behavior.
type DispatcherConfig struct {
	// PollInterval is the periodic interval between dispatch cycles.
	PollInterval time.Duration
	// BatchSize is the max number of events claimed per cycle.
	BatchSize int
	// MaxAttempts is the total publish attempts before an event becomes
	// terminally failed.
	MaxAttempts int
	// BackoffBase is the base delay doubled per attempt when rescheduling.
	BackoffBase time.Duration
	// ClaimLease is how long claimed events stay invisible to other
	// dispatcher instances while a publish is in flight.
	ClaimLease time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
		MaxAttempts:  defaultMaxAttempts,
		BackoffBase:  defaultBackoffBase,
		ClaimLease:   defaultClaimLease,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}

	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaults.ClaimLease
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets the dispatch polling interval.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum events claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxAttempts sets total publish attempts before terminal failure.
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.cfg.MaxAttempts = attempts
		}
	}
}

// WithBackoffBase sets the base retry delay.
func WithBackoffBase(base time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.BackoffBase = base
		}
	}
}

// WithClaimLease sets the claim invisibility window.
func WithClaimLease(lease time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if lease > 0 {
			dispatcher.cfg.ClaimLease = lease
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}

// WithDispatcherLogger attaches a logger.
func WithDispatcherLogger(logger log.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.logger = log.OrNop(logger)
	}
}

// WithDispatcherTracer attaches a tracer.
func WithDispatcherTracer(tracer trace.Tracer) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if tracer != nil {
			dispatcher.tracer = tracer
		}
	}
}
