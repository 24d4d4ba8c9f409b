// Package agent hosts the autonomous behaviors that drive task flow:
// assignment, reassignment, deadline monitoring, and recovery.
//
// A Behavior declares which event types it wants and how to handle
// them; the Runtime owns the bus subscription, panic recovery, error
// reporting, and health accounting around it. Behaviors never talk to
// each other directly, only through events.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/observability"
)

// Behavior is one agent's logic, hosted by a Runtime.
type Behavior interface {
	// Name identifies the agent in logs, events, and the subscription.
	Name() string

	// EventTypes lists the bus event types the agent consumes.
	EventTypes() []string

	// Setup runs before the subscription is created. Behaviors grab
	// their bus and logger from the runtime here.
	Setup(ctx context.Context, rt *Runtime) error

	// Handle processes one event. Errors are reported as agent.error
	// events and counted against health.
	Handle(ctx context.Context, evt event.Event) error

	// Cleanup runs after the subscription is removed.
	Cleanup(ctx context.Context) error
}

// Health is a coarse agent health classification.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// degradedWindow is how long after an error an active agent reports
// degraded.
const degradedWindow = time.Minute

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.baseLogger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Runtime) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides the time source. Tests use this to steer the
// health window.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTracing sets the span manager that wraps each handled event.
func WithTracing(spans observability.SpanManager) Option {
	return func(r *Runtime) {
		if spans != nil {
			r.spans = spans
		}
	}
}

// Runtime hosts one Behavior on a bus.
type Runtime struct {
	bus        event.Bus
	behavior   Behavior
	baseLogger *slog.Logger
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	now        func() time.Time

	sub    event.Subscription
	active atomic.Bool

	handled     atomic.Int64
	errs        atomic.Int64
	lastEventAt atomic.Int64
	lastErrorAt atomic.Int64
}

// NewRuntime wraps a behavior for hosting on the bus.
func NewRuntime(bus event.Bus, behavior Behavior, opts ...Option) *Runtime {
	r := &Runtime{
		bus:        bus,
		behavior:   behavior,
		baseLogger: slog.Default(),
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.baseLogger.With(slog.String("agent", behavior.Name()))
	return r
}

// Name returns the hosted behavior's name.
func (r *Runtime) Name() string { return r.behavior.Name() }

// Bus returns the bus the runtime publishes and subscribes on.
func (r *Runtime) Bus() event.Bus { return r.bus }

// Logger returns the agent-scoped logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Active reports whether the agent is subscribed.
func (r *Runtime) Active() bool { return r.active.Load() }

// Start runs Setup and subscribes the behavior. Calling Start on an
// already-active runtime is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.active.CompareAndSwap(false, true) {
		return nil
	}

	if err := r.behavior.Setup(ctx, r); err != nil {
		r.active.Store(false)
		return fmt.Errorf("setup %s: %w", r.behavior.Name(), err)
	}

	sub, err := r.bus.Subscribe(r.behavior.EventTypes(), event.HandlerFunc(r.dispatch),
		event.WithSubscriptionName(r.behavior.Name()))
	if err != nil {
		r.active.Store(false)
		if cerr := r.behavior.Cleanup(ctx); cerr != nil {
			r.logger.Warn("cleanup after failed start", slog.String("error", cerr.Error()))
		}
		return fmt.Errorf("subscribe %s: %w", r.behavior.Name(), err)
	}
	r.sub = sub

	r.logger.Info("agent started", slog.Any("event_types", r.behavior.EventTypes()))
	return nil
}

// Stop unsubscribes and runs Cleanup. Idempotent.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.active.CompareAndSwap(true, false) {
		return nil
	}

	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	if err := r.behavior.Cleanup(ctx); err != nil {
		return fmt.Errorf("cleanup %s: %w", r.behavior.Name(), err)
	}

	r.logger.Info("agent stopped")
	return nil
}

// dispatch wraps Behavior.Handle with panic recovery, accounting, and
// agent.error reporting. The error is still returned so the bus error
// path sees it too.
func (r *Runtime) dispatch(ctx context.Context, evt event.Event) (err error) {
	start := r.now()
	r.handled.Add(1)
	r.lastEventAt.Store(start.UnixNano())

	ctx, span := r.spans.StartHandlerSpan(ctx, r.behavior.Name(), evt.Type())

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", r.behavior.Name(), rec)
			r.logger.Error("agent handler panicked",
				slog.String("event_type", evt.Type()),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
		r.spans.EndSpanWithError(span, err)
		r.metrics.RecordEventHandled(ctx, r.behavior.Name(), r.now().Sub(start), err)
		if err != nil {
			r.errs.Add(1)
			r.lastErrorAt.Store(r.now().UnixNano())
			r.logger.Error("agent handler failed",
				slog.String("event_type", evt.Type()),
				slog.String("event_id", evt.ID()),
				slog.String("error", err.Error()),
			)
			r.reportError(ctx, evt, err)
		}
	}()

	return r.behavior.Handle(ctx, evt)
}

// reportError publishes an agent.error event for a failed handler
// call. Failures of events that are themselves error reports are only
// logged.
func (r *Runtime) reportError(ctx context.Context, evt event.Event, handleErr error) {
	if evt.Type() == event.TypeAgentError || evt.Type() == event.TypeHandlerError {
		return
	}
	errEvt := event.NewFromParent(evt, event.TypeAgentError, r.behavior.Name(), event.AgentError{
		Agent:     r.behavior.Name(),
		EventType: evt.Type(),
		EventID:   evt.ID(),
		Error:     handleErr.Error(),
	})
	if perr := r.bus.Publish(ctx, errEvt); perr != nil {
		r.logger.Warn("could not publish agent.error",
			slog.String("event_id", evt.ID()),
			slog.String("error", perr.Error()),
		)
	}
}

// Health classifies the agent: unhealthy when inactive, degraded when
// an error occurred within the last minute, healthy otherwise.
func (r *Runtime) Health() Health {
	if !r.active.Load() {
		return HealthUnhealthy
	}
	if last := r.lastErrorAt.Load(); last > 0 {
		if r.now().Sub(time.Unix(0, last)) < degradedWindow {
			return HealthDegraded
		}
	}
	return HealthHealthy
}

// RuntimeStats is a point-in-time snapshot of runtime counters.
type RuntimeStats struct {
	Agent       string
	Active      bool
	Health      Health
	Handled     int64
	Errors      int64
	LastEventAt time.Time
}

// Stats returns the runtime counters.
func (r *Runtime) Stats() RuntimeStats {
	stats := RuntimeStats{
		Agent:   r.behavior.Name(),
		Active:  r.active.Load(),
		Health:  r.Health(),
		Handled: r.handled.Load(),
		Errors:  r.errs.Load(),
	}
	if ns := r.lastEventAt.Load(); ns > 0 {
		stats.LastEventAt = time.Unix(0, ns)
	}
	return stats
}
