package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordEventPublished does nothing.
func (NoopMetrics) RecordEventPublished(_ context.Context, _ string) {}

// RecordEventHandled does nothing.
func (NoopMetrics) RecordEventHandled(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordBrokerPublish does nothing.
func (NoopMetrics) RecordBrokerPublish(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordBrokerDelivery does nothing.
func (NoopMetrics) RecordBrokerDelivery(_ context.Context, _ string, _ bool) {}

// RecordBrokerReconnect does nothing.
func (NoopMetrics) RecordBrokerReconnect(_ context.Context, _ int, _ error) {}

// RecordMatchOutcome does nothing.
func (NoopMetrics) RecordMatchOutcome(_ context.Context, _, _ string, _ time.Duration) {}

// AddPendingMatches does nothing.
func (NoopMetrics) AddPendingMatches(_ context.Context, _ int) {}

// RecordEscalation does nothing.
func (NoopMetrics) RecordEscalation(_ context.Context, _ string) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
// We use the OTel noop package for a proper no-op span implementation.
var noopSpan = noop.Span{}

// StartHandlerSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartHandlerSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartPublishSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartConsumeSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartConsumeSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
