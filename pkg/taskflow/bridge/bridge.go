// Package bridge relays events between the in-process bus and the
// broker transport.
//
// Outbound, a bus subscription picks up matching requests and publishes
// them to the broker, confirming each with matching.request.sent or
// converting failures into matching.request.failed so waiters fail fast.
// Inbound, per-queue consumers decode broker messages into events,
// drop redeliveries through a Deduper, and publish onto the bus under
// manual acknowledgement: ack after the bus accepted the event, nack
// to the dead-letter exchange when it never can.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/event"
	tferrors "github.com/formworks/taskflow/pkg/taskflow/errors"
	"github.com/formworks/taskflow/pkg/taskflow/observability"
	"github.com/formworks/taskflow/pkg/taskflow/transport"
)

// Route names the broker destination for one outbound event type.
type Route struct {
	Exchange   string
	RoutingKey string
}

// Config configures the bridge.
type Config struct {
	// Exchange is the direct exchange outbound events route through
	// when Routes has no entry for their type.
	Exchange string

	// OutboundTypes are the bus event types relayed to the broker.
	OutboundTypes []string

	// Routes overrides the destination per event type. Types without
	// an entry use Exchange with the event type as routing key.
	Routes map[string]Route

	// RequestQueue buffers matching requests for the engine. The
	// bridge declares and binds it so requests are never unroutable,
	// but does not consume it.
	RequestQueue string

	// ReplyQueue receives engine replies. Stamped as ReplyTo on
	// outgoing matching requests and consumed as an inbound queue.
	ReplyQueue string

	// InboundQueues maps each consumed queue to the event type assumed
	// when a message body is not an event envelope.
	InboundQueues map[string]string

	// DeadLetterExchange and DeadLetterQueue catch rejected and
	// expired inbound messages.
	DeadLetterExchange string
	DeadLetterQueue    string

	// Prefetch limits unacked inbound deliveries per queue.
	Prefetch int

	// PublishRetry bounds the in-line retry around one outbound
	// publish. Kept short: a request that cannot go out quickly should
	// fail fast rather than ride the timeout sweep.
	PublishRetry tferrors.RetryConfig

	// Deduper drops redelivered inbound messages. Defaults to an
	// in-memory deduper with DedupeTTL. Dedup failures fail open.
	Deduper   Deduper
	DedupeTTL time.Duration

	// Source is the event source stamped on bridge-emitted events.
	Source string

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Exchange:      "taskflow",
	OutboundTypes: []string{event.TypeMatchRequest},
	RequestQueue:  "matching.request",
	ReplyQueue:    "matching.response",
	InboundQueues: map[string]string{
		"form.submitted":    event.TypeFormSubmitted,
		"matching.response": event.TypeMatchResponse,
	},
	DeadLetterExchange: "taskflow.dlx",
	DeadLetterQueue:    "taskflow.dead",
	Prefetch:           transport.DefaultPrefetch,
	PublishRetry: tferrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	},
	DedupeTTL: DefaultDedupeTTL,
	Source:    "bridge",
}

// Bridge connects a LocalBus to a Transport.
type Bridge struct {
	cfg     Config
	bus     event.Bus
	tr      transport.Transport
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	deduper Deduper

	sub     event.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	relayed        atomic.Int64
	relayFailures  atomic.Int64
	received       atomic.Int64
	deduped        atomic.Int64
	decodeFailures atomic.Int64
	reconnects     atomic.Int64
}

// New creates a bridge over the given bus and transport. Zero config
// fields take defaults.
func New(bus event.Bus, tr transport.Transport, cfg Config) *Bridge {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultConfig.Exchange
	}
	if len(cfg.OutboundTypes) == 0 {
		cfg.OutboundTypes = append([]string(nil), DefaultConfig.OutboundTypes...)
	}
	if cfg.RequestQueue == "" {
		cfg.RequestQueue = DefaultConfig.RequestQueue
	}
	if cfg.ReplyQueue == "" {
		cfg.ReplyQueue = DefaultConfig.ReplyQueue
	}
	if len(cfg.InboundQueues) == 0 {
		cfg.InboundQueues = map[string]string{
			"form.submitted": event.TypeFormSubmitted,
			cfg.ReplyQueue:   event.TypeMatchResponse,
		}
	}
	if cfg.DeadLetterExchange == "" {
		cfg.DeadLetterExchange = DefaultConfig.DeadLetterExchange
	}
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = DefaultConfig.DeadLetterQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultConfig.Prefetch
	}
	if cfg.PublishRetry.MaxAttempts <= 0 {
		cfg.PublishRetry = DefaultConfig.PublishRetry
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultConfig.DedupeTTL
	}
	if cfg.Source == "" {
		cfg.Source = DefaultConfig.Source
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Deduper == nil {
		cfg.Deduper = NewMemoryDeduper(cfg.DedupeTTL)
	}

	return &Bridge{
		cfg:     cfg,
		bus:     bus,
		tr:      tr,
		logger:  cfg.Logger.With(slog.String("component", "bridge")),
		metrics: cfg.Metrics,
		deduper: cfg.Deduper,
	}
}

// Topology returns the declarations the bridge owns: the task exchange,
// the request, reply, and form queues, the dead-letter exchange, and
// their bindings.
func (b *Bridge) Topology() transport.Topology {
	topo := transport.Topology{
		Exchanges: []transport.ExchangeSpec{
			{Name: b.cfg.Exchange, Kind: transport.ExchangeDirect, Durable: true},
			{Name: b.cfg.DeadLetterExchange, Kind: transport.ExchangeFanout, Durable: true},
		},
		Queues: []transport.QueueSpec{
			{Name: b.cfg.DeadLetterQueue, Durable: true},
			{Name: b.cfg.RequestQueue, Durable: true, DeadLetterExchange: b.cfg.DeadLetterExchange},
		},
		Bindings: []transport.BindingSpec{
			{Queue: b.cfg.DeadLetterQueue, Exchange: b.cfg.DeadLetterExchange},
			{Queue: b.cfg.RequestQueue, Exchange: b.cfg.Exchange, RoutingKey: event.TypeMatchRequest},
		},
	}
	for queue := range b.cfg.InboundQueues {
		topo.Queues = append(topo.Queues, transport.QueueSpec{
			Name:               queue,
			Durable:            true,
			DeadLetterExchange: b.cfg.DeadLetterExchange,
		})
		topo.Bindings = append(topo.Bindings, transport.BindingSpec{
			Queue:      queue,
			Exchange:   b.cfg.Exchange,
			RoutingKey: queue,
		})
	}
	return topo
}

// Start declares topology, starts the inbound consumers and the state
// watcher, and subscribes the outbound relay. The transport must be
// connected.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already started")
	}

	if err := b.tr.DeclareTopology(ctx, b.Topology()); err != nil {
		b.started.Store(false)
		return fmt.Errorf("declare topology: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	states := make(chan transport.StateChange, 8)
	b.tr.NotifyState(states)
	b.wg.Add(1)
	go b.watchState(runCtx, states)

	for queue, fallbackType := range b.cfg.InboundQueues {
		deliveries, err := b.tr.Consume(runCtx, queue, transport.ConsumeOptions{
			Consumer: "bridge-" + queue,
			Prefetch: b.cfg.Prefetch,
		})
		if err != nil {
			cancel()
			b.started.Store(false)
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		b.wg.Add(1)
		go b.consume(runCtx, queue, fallbackType, deliveries)
	}

	sub, err := b.bus.Subscribe(b.cfg.OutboundTypes, event.HandlerFunc(b.relay),
		event.WithSubscriptionName("bridge-outbound"))
	if err != nil {
		cancel()
		b.started.Store(false)
		return fmt.Errorf("subscribe outbound: %w", err)
	}
	b.sub = sub

	b.logger.Info("bridge started",
		slog.String("exchange", b.cfg.Exchange),
		slog.Any("outbound_types", b.cfg.OutboundTypes),
		slog.Int("inbound_queues", len(b.cfg.InboundQueues)),
	)
	return nil
}

// Stop cancels the consumers, waits for in-flight deliveries up to the
// context deadline, then unsubscribes the outbound relay. Idempotent.
func (b *Bridge) Stop(ctx context.Context) error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}

	b.cancel()

	waitDone := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waitDone)
	}()

	var err error
	select {
	case <-waitDone:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if d, ok := b.deduper.(*MemoryDeduper); ok {
		d.Close()
	}

	b.logger.Info("bridge stopped")
	return err
}

// BridgeStats is a point-in-time counter snapshot.
type BridgeStats struct {
	Relayed        int64
	RelayFailures  int64
	Received       int64
	Deduped        int64
	DecodeFailures int64
	Reconnects     int64
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Relayed:        b.relayed.Load(),
		RelayFailures:  b.relayFailures.Load(),
		Received:       b.received.Load(),
		Deduped:        b.deduped.Load(),
		DecodeFailures: b.decodeFailures.Load(),
		Reconnects:     b.reconnects.Load(),
	}
}

// watchState logs transport state transitions and counts reconnects.
func (b *Bridge) watchState(ctx context.Context, states <-chan transport.StateChange) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-states:
			switch change.To {
			case transport.StateConnected:
				// Start requires a connected transport, so any
				// Connected transition seen here is a reconnect.
				b.reconnects.Add(1)
				b.logger.Info("broker reconnected, consumers resumed",
					slog.Int64("reconnects", b.reconnects.Load()))
			case transport.StateFailed:
				b.logger.Error("broker connection failed permanently",
					slog.String("error", errString(change.Err)))
			case transport.StateConnecting:
				b.logger.Warn("broker connection lost, reconnecting",
					slog.String("error", errString(change.Err)))
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
