package taskflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/agent"
	"github.com/formworks/taskflow/pkg/taskflow/audit"
	"github.com/formworks/taskflow/pkg/taskflow/bridge"
	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/httpapi"
	"github.com/formworks/taskflow/pkg/taskflow/matching"
	"github.com/formworks/taskflow/pkg/taskflow/observability"
	"github.com/formworks/taskflow/pkg/taskflow/store"
	"github.com/formworks/taskflow/pkg/taskflow/transport"
)

// DefaultStopGrace bounds the bus drain during Stop when the
// configuration leaves shutdown.grace unset.
const DefaultStopGrace = 10 * time.Second

// Status is a coarse component health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func statusRank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Health is a per-component health snapshot with a worst-wins roll-up.
type Health struct {
	Overall    Status            `json:"overall"`
	Components map[string]Status `json:"components"`
}

// Stats is a nested snapshot of every component's counters.
type Stats struct {
	Bus      event.BusStats                `json:"bus"`
	Bridge   bridge.BridgeStats            `json:"bridge"`
	Matching matching.ServiceStats         `json:"matching"`
	Agents   map[string]agent.RuntimeStats `json:"agents"`
	Audit    audit.AuditStats              `json:"audit"`
	Store    store.Stats                   `json:"store"`
}

// Orchestrator owns the bus, the broker bridge, the matching service,
// the agents, and the operational surfaces, and runs them as one unit.
type Orchestrator struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	bus    *event.LocalBus
	tr     transport.Transport
	br     *bridge.Bridge
	match  *matching.Service
	agents []*agent.Runtime
	trail  *audit.Service
	st     store.EventStore
	http   *httpapi.Server

	recorder  event.Subscription
	ownStore  bool
	stopGrace time.Duration

	started atomic.Bool
	ready   atomic.Bool
}

var agentNames = map[string]bool{
	"assign-agent":   true,
	"reassign-agent": true,
	"monitor-agent":  true,
	"recovery-agent": true,
}

// New assembles an orchestrator. Every component takes its settings
// from the options and the attached configuration; zero options give a
// fully in-process system with an in-memory transport and store.
func New(opts ...Option) (*Orchestrator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for name := range o.skip {
		if !agentNames[name] {
			return nil, fmt.Errorf("unknown agent %q", name)
		}
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := o.metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	spans := o.spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}
	cfg := o.cfg

	busCfg := cfg.Sub("bus")
	bus := event.NewBus(event.BusConfig{
		Registry:       event.DefaultRegistry,
		BufferSize:     busCfg.Int("buffer_size", 0),
		HistorySize:    busCfg.Int("history_size", 0),
		DeduplicateTTL: busCfg.Duration("dedupe_ttl", 0),
	})

	tr := o.tr
	if tr == nil && o.brokerCfg != nil {
		amqpCfg := *o.brokerCfg
		amqpCfg.Logger = logger
		amqpCfg.Metrics = metrics
		tr = transport.NewAMQP(amqpCfg)
	}
	if tr == nil {
		tr = transport.NewMemory(transport.MemoryConfig{Logger: logger})
	}

	st := o.st
	ownStore := o.ownStore
	if st == nil {
		st = store.NewMemoryStore(cfg.Sub("store").Int("capacity", store.DefaultCapacity))
		ownStore = true
	}

	matchCfg := cfg.Sub("matching")
	match := matching.New(bus, matching.Config{
		RequestTimeout: matchCfg.Duration("timeout", 0),
		SweepInterval:  matchCfg.Duration("sweep_interval", 0),
		Logger:         logger,
		Metrics:        metrics,
	})

	trail := audit.New(bus, audit.Config{
		Capacity: cfg.Sub("audit").Int("capacity", 0),
		Logger:   logger,
	})

	brCfg := bridge.Config{
		Exchange:  cfg.Sub("broker").String("exchange", ""),
		Deduper:   o.deduper,
		DedupeTTL: cfg.Sub("bridge").Duration("dedupe_ttl", 0),
		Logger:    logger,
		Metrics:   metrics,
	}
	br := bridge.New(bus, tr, brCfg)

	monitorCfg := cfg.Sub("monitor")
	recoveryCfg := cfg.Sub("recovery")
	behaviors := []agent.Behavior{
		agent.NewAssignAgent(match),
		agent.NewReassignAgent(match),
		agent.NewMonitorAgent(agent.MonitorConfig{
			TaskTimeout:   monitorCfg.Duration("task_timeout", 0),
			CheckInterval: monitorCfg.Duration("check_interval", 0),
			Now:           o.now,
		}),
		agent.NewRecoveryAgent(match, agent.RecoveryConfig{
			MaxAttempts:    recoveryCfg.Int("max_attempts", 0),
			NonRecoverable: recoveryCfg.StringSlice("non_recoverable", nil),
			Metrics:        metrics,
		}),
	}

	orch := &Orchestrator{
		logger:    logger.With(slog.String("component", "orchestrator")),
		metrics:   metrics,
		spans:     spans,
		bus:       bus,
		tr:        tr,
		br:        br,
		match:     match,
		trail:     trail,
		st:        st,
		ownStore:  ownStore,
		stopGrace: cfg.Sub("shutdown").Duration("grace", DefaultStopGrace),
	}

	for _, b := range behaviors {
		if o.skip[b.Name()] {
			continue
		}
		rtOpts := []agent.Option{
			agent.WithLogger(logger),
			agent.WithMetrics(metrics),
			agent.WithTracing(spans),
		}
		if o.now != nil {
			rtOpts = append(rtOpts, agent.WithClock(o.now))
		}
		orch.agents = append(orch.agents, agent.NewRuntime(bus, b, rtOpts...))
	}

	httpAddr := o.httpAddr
	if httpAddr == "" {
		httpAddr = cfg.Sub("http").String("addr", "")
	}
	if httpAddr != "" {
		orch.http = httpapi.New(httpapi.Config{
			Addr:    httpAddr,
			Backend: apiBackend{orch},
			Logger:  logger,
		})
	}

	return orch, nil
}

// Start brings the system up: event recorder and audit subscriptions
// first so nothing they should see slips past, then the matching
// service, the agents, the transport and bridge, and finally the HTTP
// API. Any failure rolls back what already started, in reverse.
// Starting a started orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return nil
	}

	var undo []func()
	abort := func(stage string, err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		o.started.Store(false)
		return fmt.Errorf("start %s: %w", stage, err)
	}
	stopCtx := func() context.Context { return context.Background() }

	sub, err := o.bus.SubscribeAll(event.HandlerFunc(o.recordEvent),
		event.WithSubscriptionName("event-recorder"))
	if err != nil {
		return abort("event recorder", err)
	}
	o.recorder = sub
	undo = append(undo, sub.Unsubscribe)

	if err := o.trail.Start(ctx); err != nil {
		return abort("audit", err)
	}
	undo = append(undo, func() { _ = o.trail.Stop(stopCtx()) })

	if err := o.match.Start(ctx); err != nil {
		return abort("matching", err)
	}
	undo = append(undo, func() { _ = o.match.Stop(stopCtx()) })

	for _, rt := range o.agents {
		if err := rt.Start(ctx); err != nil {
			return abort(rt.Name(), err)
		}
		undo = append(undo, func() { _ = rt.Stop(stopCtx()) })
	}

	if err := o.tr.Connect(ctx); err != nil {
		return abort("transport", err)
	}
	undo = append(undo, func() { _ = o.tr.Close(stopCtx()) })

	if err := o.br.Start(ctx); err != nil {
		return abort("bridge", err)
	}
	undo = append(undo, func() { _ = o.br.Stop(stopCtx()) })

	if o.http != nil {
		if err := o.http.Start(ctx); err != nil {
			return abort("http", err)
		}
	}

	o.ready.Store(true)
	o.logger.Info("orchestrator started", slog.Int("agents", len(o.agents)))
	return nil
}

// Stop tears the system down in reverse order, draining the bus after
// inbound flow has stopped. Every stage is attempted; their errors are
// joined. Stopping a stopped orchestrator is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.started.CompareAndSwap(true, false) {
		return nil
	}
	o.ready.Store(false)

	var errs []error
	stage := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}

	if o.http != nil {
		stage("http", o.http.Stop(ctx))
	}
	stage("bridge", o.br.Stop(ctx))
	stage("transport", o.tr.Close(ctx))

	// Inbound flow has stopped; let queued events finish before the
	// handlers go away.
	drainCtx := ctx
	if o.stopGrace > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, o.stopGrace)
		defer cancel()
	}
	if err := o.bus.Drain(drainCtx); err != nil {
		o.logger.Warn("bus drain incomplete", slog.String("error", err.Error()))
	}

	for i := len(o.agents) - 1; i >= 0; i-- {
		stage(o.agents[i].Name(), o.agents[i].Stop(ctx))
	}
	stage("matching", o.match.Stop(ctx))
	stage("audit", o.trail.Stop(ctx))
	if o.recorder != nil {
		o.recorder.Unsubscribe()
	}
	stage("bus", o.bus.Close())
	if o.ownStore {
		stage("store", o.st.Close())
	}

	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// recordEvent is the wildcard history subscription: count the event
// and append it to the store. Append failures are logged and swallowed
// so history trouble never turns into publish errors.
func (o *Orchestrator) recordEvent(ctx context.Context, evt event.Event) error {
	o.metrics.RecordEventPublished(ctx, evt.Type())
	if err := o.st.Append(ctx, store.RecordFromEvent(evt)); err != nil {
		o.logger.Warn("event store append failed",
			slog.String("event_type", evt.Type()),
			slog.String("event_id", evt.ID()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Publish puts an event on the bus. Embedding applications drive the
// system through this.
func (o *Orchestrator) Publish(ctx context.Context, evt event.Event) error {
	ctx, span := o.spans.StartPublishSpan(ctx, "bus", evt.Type())
	err := o.bus.Publish(ctx, evt)
	o.spans.EndSpanWithError(span, err)
	return err
}

// Ready reports whether Start has completed.
func (o *Orchestrator) Ready() bool { return o.ready.Load() }

// Health reports per-component health with a worst-wins overall.
func (o *Orchestrator) Health() Health {
	running := o.started.Load()
	svc := func() Status {
		if running {
			return StatusHealthy
		}
		return StatusUnhealthy
	}

	comps := map[string]Status{
		"transport": transportStatus(o.tr.State()),
		"bridge":    svc(),
		"matching":  svc(),
		"audit":     svc(),
	}
	for _, rt := range o.agents {
		comps[rt.Name()] = Status(rt.Health())
	}
	if _, err := o.st.Len(context.Background()); err != nil {
		comps["store"] = StatusUnhealthy
	} else {
		comps["store"] = StatusHealthy
	}

	overall := StatusHealthy
	for _, s := range comps {
		if statusRank(s) > statusRank(overall) {
			overall = s
		}
	}
	return Health{Overall: overall, Components: comps}
}

func transportStatus(s transport.ConnState) Status {
	switch s {
	case transport.StateConnected:
		return StatusHealthy
	case transport.StateConnecting:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Stats returns a nested counter snapshot of every component.
func (o *Orchestrator) Stats() Stats {
	agents := make(map[string]agent.RuntimeStats, len(o.agents))
	for _, rt := range o.agents {
		agents[rt.Name()] = rt.Stats()
	}
	storeStats, err := o.st.Stats(context.Background())
	if err != nil {
		o.logger.Debug("store stats unavailable", slog.String("error", err.Error()))
	}
	return Stats{
		Bus:      o.bus.Stats(),
		Bridge:   o.br.Stats(),
		Matching: o.match.Stats(),
		Agents:   agents,
		Audit:    o.trail.Stats(),
		Store:    storeStats,
	}
}

// Bus returns the event bus for subscribing embedders.
func (o *Orchestrator) Bus() event.Bus { return o.bus }

// Transport returns the broker transport. The local example hooks the
// engine stub onto the same in-memory broker through this.
func (o *Orchestrator) Transport() transport.Transport { return o.tr }

// Store returns the event history store.
func (o *Orchestrator) Store() store.EventStore { return o.st }

// Audit returns the audit trail.
func (o *Orchestrator) Audit() *audit.Service { return o.trail }

// Matching returns the matching service.
func (o *Orchestrator) Matching() *matching.Service { return o.match }

// HTTPAddr returns the bound API address, or "" when the API is off.
func (o *Orchestrator) HTTPAddr() string {
	if o.http == nil {
		return ""
	}
	return o.http.Addr()
}
