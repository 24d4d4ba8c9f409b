// Package observability provides production-grade observability features
// for taskflow: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds a slog.Logger writing to w.
// Format is "json" or "text" (default text); level is one of
// debug, info, warn, error (default info).
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EventLogger adds event context to a logger.
// Returns a new logger with event_type, event_id, and correlation_id fields.
//
// Example:
//
//	enriched := EventLogger(logger, "task.assigned", "evt-1", "corr-1")
//	enriched.Info("handling") // includes event_type, event_id, correlation_id
func EventLogger(logger *slog.Logger, eventType, eventID, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.String("correlation_id", correlationID),
	)
}

// WithTrace adds trace correlation fields from the span in ctx, if any.
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logger
	}
	sc := span.SpanContext()
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// LogAgentStart logs an agent coming online.
func LogAgentStart(logger *slog.Logger, agent string, eventTypes []string) {
	if logger == nil {
		return
	}
	logger.Info("agent started",
		slog.String("agent", agent),
		slog.Any("event_types", eventTypes),
	)
}

// LogAgentStop logs an agent going offline.
func LogAgentStop(logger *slog.Logger, agent string) {
	if logger == nil {
		return
	}
	logger.Info("agent stopped",
		slog.String("agent", agent),
	)
}

// LogHandlerError logs a handler failure (non-fatal; processing continues).
func LogHandlerError(logger *slog.Logger, handler, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("handler", handler),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogBrokerConnected logs a successful broker connection.
func LogBrokerConnected(logger *slog.Logger, target string, attempt int) {
	if logger == nil {
		return
	}
	logger.Info("broker connected",
		slog.String("target", target),
		slog.Int("attempt", attempt),
	)
}

// LogBrokerDown logs a lost broker connection and the planned retry.
func LogBrokerDown(logger *slog.Logger, err error, nextRetry time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("broker connection lost",
		slog.String("error", err.Error()),
		slog.Duration("next_retry", nextRetry),
	)
}

// LogEscalation logs a task handed over to operators.
func LogEscalation(logger *slog.Logger, taskID, reason string, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("task escalated",
		slog.String("task_id", taskID),
		slog.String("reason", reason),
		slog.Int("attempts", attempts),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
