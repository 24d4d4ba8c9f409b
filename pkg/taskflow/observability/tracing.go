package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the taskflow tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("taskflow")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartHandlerSpan starts a span for one handler processing one event.
	StartHandlerSpan(ctx context.Context, handler, eventType string) (context.Context, trace.Span)

	// StartPublishSpan starts a producer span for an outbound broker publish.
	StartPublishSpan(ctx context.Context, exchange, routingKey string) (context.Context, trace.Span)

	// StartConsumeSpan starts a consumer span for an inbound broker delivery.
	StartConsumeSpan(ctx context.Context, queue string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartHandlerSpan starts a span for one handler processing one event.
func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, handler, eventType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "taskflow.handle."+handler,
		trace.WithAttributes(
			attribute.String("handler", handler),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPublishSpan starts a producer span for an outbound broker publish.
func (m *otelSpanManager) StartPublishSpan(ctx context.Context, exchange, routingKey string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "taskflow.broker.publish",
		trace.WithAttributes(
			attribute.String("messaging.destination", exchange),
			attribute.String("messaging.routing_key", routingKey),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartConsumeSpan starts a consumer span for an inbound broker delivery.
func (m *otelSpanManager) StartConsumeSpan(ctx context.Context, queue string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "taskflow.broker.consume",
		trace.WithAttributes(
			attribute.String("messaging.source", queue),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Convenience functions that operate on the global tracer.
// These are useful for simple cases where you don't need the interface.

// StartHandlerSpan starts a span for one handler processing one event.
// Uses the global OTel tracer.
func StartHandlerSpan(ctx context.Context, handler, eventType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "taskflow.handle."+handler,
		trace.WithAttributes(
			attribute.String("handler", handler),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
