package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	eventsDispatched metric.Int64Counter
	eventsRetried    metric.Int64Counter
	eventsFailed     metric.Int64Counter
	claimDepth       metric.Int64Gauge
	dispatchLatency  metric.Float64Histogram
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("sitewise.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.eventsDispatched, err = meter.Int64Counter(
		"outbox.events.dispatched",
		metric.WithDescription("Number of outbox events acknowledged by the broker"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.dispatched counter: %w", err)
	}

	metrics.eventsRetried, err = meter.Int64Counter(
		"outbox.events.retried",
		metric.WithDescription("Number of outbox events rescheduled after a publish failure"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.retried counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of outbox events moved to the terminal failed state"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.claimDepth, err = meter.Int64Gauge(
		"outbox.claim.depth",
		metric.WithDescription("Number of outbox events claimed in a dispatch cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.claim.depth gauge: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	return metrics, nil
}
