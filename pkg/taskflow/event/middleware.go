package event

import (
	"context"
	"fmt"
	"time"
)

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	// Apply in reverse order so first middleware is outermost
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// RecoveryMiddleware recovers from panics in handlers and converts
// them to errors, so one panicking handler cannot take down its
// subscription's drain loop.
func RecoveryMiddleware() MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &EventError{
						Event:   evt,
						Message: fmt.Sprintf("handler panic: %v", r),
					}
				}
			}()
			return next.Handle(ctx, evt)
		})
	}
}

// LoggingMiddleware logs event processing.
func LoggingMiddleware(logFn func(eventType string, duration time.Duration, err error)) MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt Event) error {
			start := time.Now()
			err := next.Handle(ctx, evt)
			logFn(evt.Type(), time.Since(start), err)
			return err
		})
	}
}

// MetricsMiddleware records handler metrics.
func MetricsMiddleware(
	onStart func(eventType string),
	onComplete func(eventType string, duration time.Duration, err error),
) MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt Event) error {
			if onStart != nil {
				onStart(evt.Type())
			}
			start := time.Now()
			err := next.Handle(ctx, evt)
			if onComplete != nil {
				onComplete(evt.Type(), time.Since(start), err)
			}
			return err
		})
	}
}
