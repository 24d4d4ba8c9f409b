package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records taskflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEventPublished records an event accepted by the bus.
	RecordEventPublished(ctx context.Context, eventType string)

	// RecordEventHandled records one handler invocation with its duration
	// and error status.
	RecordEventHandled(ctx context.Context, handler string, duration time.Duration, err error)

	// RecordBrokerPublish records an outbound broker publish.
	RecordBrokerPublish(ctx context.Context, routingKey string, duration time.Duration, err error)

	// RecordBrokerDelivery records an inbound broker delivery.
	RecordBrokerDelivery(ctx context.Context, queue string, redelivered bool)

	// RecordBrokerReconnect records a reconnect attempt.
	RecordBrokerReconnect(ctx context.Context, attempt int, err error)

	// RecordMatchOutcome records a resolved matching request with its
	// outcome (matched, failed, timeout) and time to resolution.
	RecordMatchOutcome(ctx context.Context, kind, outcome string, duration time.Duration)

	// AddPendingMatches tracks the number of in-flight matching requests.
	AddPendingMatches(ctx context.Context, delta int)

	// RecordEscalation records a task handed over to operators.
	RecordEscalation(ctx context.Context, reason string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	eventsPublished  metric.Int64Counter
	eventsHandled    metric.Int64Counter
	handlerErrors    metric.Int64Counter
	handlerLatency   metric.Float64Histogram
	brokerPublishes  metric.Int64Counter
	publishLatency   metric.Float64Histogram
	brokerDeliveries metric.Int64Counter
	brokerReconnects metric.Int64Counter
	matchOutcomes    metric.Int64Counter
	matchLatency     metric.Float64Histogram
	pendingMatches   metric.Int64UpDownCounter
	escalations      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("taskflow")

	eventsPublished, err := meter.Int64Counter("taskflow.events.published",
		metric.WithDescription("Number of events accepted by the bus"),
	)
	if err != nil {
		return nil, err
	}

	eventsHandled, err := meter.Int64Counter("taskflow.events.handled",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("taskflow.handler.errors",
		metric.WithDescription("Number of handler failures"),
	)
	if err != nil {
		return nil, err
	}

	handlerLatency, err := meter.Float64Histogram("taskflow.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	brokerPublishes, err := meter.Int64Counter("taskflow.broker.publishes",
		metric.WithDescription("Number of outbound broker publishes"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("taskflow.broker.publish_latency_ms",
		metric.WithDescription("Broker publish latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	brokerDeliveries, err := meter.Int64Counter("taskflow.broker.deliveries",
		metric.WithDescription("Number of inbound broker deliveries"),
	)
	if err != nil {
		return nil, err
	}

	brokerReconnects, err := meter.Int64Counter("taskflow.broker.reconnects",
		metric.WithDescription("Number of broker reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	matchOutcomes, err := meter.Int64Counter("taskflow.matching.outcomes",
		metric.WithDescription("Number of resolved matching requests"),
	)
	if err != nil {
		return nil, err
	}

	matchLatency, err := meter.Float64Histogram("taskflow.matching.latency_ms",
		metric.WithDescription("Time from matching request to resolution in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	pendingMatches, err := meter.Int64UpDownCounter("taskflow.matching.pending",
		metric.WithDescription("In-flight matching requests"),
	)
	if err != nil {
		return nil, err
	}

	escalations, err := meter.Int64Counter("taskflow.tasks.escalations",
		metric.WithDescription("Number of tasks escalated to operators"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		eventsPublished:  eventsPublished,
		eventsHandled:    eventsHandled,
		handlerErrors:    handlerErrors,
		handlerLatency:   handlerLatency,
		brokerPublishes:  brokerPublishes,
		publishLatency:   publishLatency,
		brokerDeliveries: brokerDeliveries,
		brokerReconnects: brokerReconnects,
		matchOutcomes:    matchOutcomes,
		matchLatency:     matchLatency,
		pendingMatches:   pendingMatches,
		escalations:      escalations,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordEventPublished records an event accepted by the bus.
func (m *otelMetrics) RecordEventPublished(ctx context.Context, eventType string) {
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEventHandled records one handler invocation.
func (m *otelMetrics) RecordEventHandled(ctx context.Context, handler string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("handler", handler),
	}

	m.eventsHandled.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBrokerPublish records an outbound broker publish.
func (m *otelMetrics) RecordBrokerPublish(ctx context.Context, routingKey string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("routing_key", routingKey),
		attribute.Bool("success", err == nil),
	}
	m.brokerPublishes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.publishLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordBrokerDelivery records an inbound broker delivery.
func (m *otelMetrics) RecordBrokerDelivery(ctx context.Context, queue string, redelivered bool) {
	m.brokerDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("redelivered", redelivered),
	))
}

// RecordBrokerReconnect records a reconnect attempt.
func (m *otelMetrics) RecordBrokerReconnect(ctx context.Context, attempt int, err error) {
	m.brokerReconnects.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.Bool("success", err == nil),
	))
}

// RecordMatchOutcome records a resolved matching request.
func (m *otelMetrics) RecordMatchOutcome(ctx context.Context, kind, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	m.matchOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.matchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// AddPendingMatches tracks the number of in-flight matching requests.
func (m *otelMetrics) AddPendingMatches(ctx context.Context, delta int) {
	m.pendingMatches.Add(ctx, int64(delta))
}

// RecordEscalation records a task handed over to operators.
func (m *otelMetrics) RecordEscalation(ctx context.Context, reason string) {
	m.escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
