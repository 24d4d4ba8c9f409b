package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// busSource is the source stamped on events the bus emits itself.
const busSource = "event-bus"

// Bus provides pub/sub event distribution with fan-out support.
type Bus interface {
	// Publish sends an event to all subscribers.
	Publish(ctx context.Context, evt Event) error

	// Subscribe creates a subscription for specific event types.
	// "*" in types subscribes to all events.
	Subscribe(types []string, handler Handler, opts ...SubscribeOption) (Subscription, error)

	// SubscribeAll subscribes to all events.
	SubscribeAll(handler Handler, opts ...SubscribeOption) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// ID returns the unique subscription identifier.
	ID() string

	// Name returns the display name used in logs and error events.
	Name() string

	// Unsubscribe removes the subscription. Safe to call twice.
	Unsubscribe()

	// Pause holds delivery. Queued events are retained, not dropped.
	Pause()

	// Resume continues delivery after pause.
	Resume()

	// IsPaused returns true if the subscription is paused.
	IsPaused() bool
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// MaxSubscribers limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscribers int

	// NonBlocking makes Publish non-blocking (drops events if buffer full).
	// Default: false (blocking)
	NonBlocking bool

	// DeduplicateTTL enables publish-side deduplication by event ID
	// with the given TTL. Default: 0 (disabled)
	DeduplicateTTL time.Duration

	// HistorySize is the capacity of the recent-event ring.
	// Default: 1000
	HistorySize int

	// Registry, when set, validates every published event against its
	// registered schema. Unknown types are rejected.
	Registry *EventRegistry

	// OnDrop is called when an event is dropped (non-blocking mode).
	OnDrop func(evt Event, subscriber string)

	// OnError is called when a handler returns an error.
	OnError func(evt Event, subscriber string, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize:  256,
	HistorySize: 1000,
}

// LocalBus is an in-memory event bus implementation.
//
// Each subscription owns a buffered FIFO queue drained by a single
// goroutine, so one handler sees events strictly in publish order and
// a slow or failing handler never affects the others.
type LocalBus struct {
	config BusConfig

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	byType        map[string]map[string]*subscription // event type -> subscription ID -> subscription
	wildcards     map[string]*subscription            // subscriptions for all events

	history *eventRing

	// Deduplication cache
	dedupeMu    sync.RWMutex
	dedupeCache map[string]time.Time

	published     atomic.Int64
	delivered     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
	inFlight      atomic.Int64

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
}

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultBusConfig.HistorySize
	}

	bus := &LocalBus{
		config:        config,
		subscriptions: make(map[string]*subscription),
		byType:        make(map[string]map[string]*subscription),
		wildcards:     make(map[string]*subscription),
		history:       newEventRing(config.HistorySize),
		closeCh:       make(chan struct{}),
	}

	if config.DeduplicateTTL > 0 {
		bus.dedupeCache = make(map[string]time.Time)
		go bus.cleanupDedupe()
	}

	return bus
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	name      string
	queueSize int
}

// WithSubscriptionName sets the display name used in logs and
// handler.error events. Default: the subscription ID.
func WithSubscriptionName(name string) SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.name = name
	}
}

// WithQueueSize overrides the bus buffer size for this subscription.
func WithQueueSize(n int) SubscribeOption {
	return func(cfg *subscribeConfig) {
		if n > 0 {
			cfg.queueSize = n
		}
	}
}

// subscription is an internal subscription implementation.
type subscription struct {
	id      string
	name    string
	types   []string // empty = all types
	handler Handler
	events  chan Event
	done    chan struct{}
	unsub   atomic.Bool
	bus     *LocalBus

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{} // closed while running
}

// Publish sends an event to all matching subscribers.
// The event is appended to history before delivery, so observers see
// it even when nothing is subscribed to its type.
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return &EventError{Event: evt, Message: "bus is closed", Err: ErrBusClosed}
	}

	if b.config.Registry != nil {
		if err := b.config.Registry.Validate(evt); err != nil {
			return &EventError{Event: evt, Message: "schema validation failed", Err: err}
		}
	}

	// Check deduplication
	if b.config.DeduplicateTTL > 0 {
		if b.isDuplicate(evt) {
			return nil // Silently skip duplicates
		}
		b.recordEvent(evt)
	}

	b.history.Add(evt)
	b.published.Add(1)

	// Get matching subscriptions
	b.mu.RLock()
	subs := b.getMatchingSubscriptions(evt.Type())
	b.mu.RUnlock()

	// Deliver to each subscription
	for _, sub := range subs {
		if b.config.NonBlocking {
			select {
			case sub.events <- evt:
			default:
				// Buffer full - drop event
				b.dropped.Add(1)
				if b.config.OnDrop != nil {
					b.config.OnDrop(evt, sub.name)
				}
			}
		} else {
			select {
			case sub.events <- evt:
			case <-ctx.Done():
				return ctx.Err()
			case <-sub.done:
				// Subscription removed mid-publish; skip it.
			case <-b.closeCh:
				return &EventError{Event: evt, Message: "bus closed during publish", Err: ErrBusClosed}
			}
		}
	}

	return nil
}

// Subscribe creates a subscription for specific event types.
func (b *LocalBus) Subscribe(types []string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	return b.subscribe(types, handler, opts...)
}

// SubscribeAll subscribes to all events.
func (b *LocalBus) SubscribeAll(handler Handler, opts ...SubscribeOption) (Subscription, error) {
	return b.subscribe(nil, handler, opts...)
}

func (b *LocalBus) subscribe(types []string, handler Handler, opts ...SubscribeOption) (*subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	cfg := subscribeConfig{queueSize: b.config.BufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	wildcard := len(types) == 0
	for _, t := range types {
		if t == "*" {
			wildcard = true
			types = nil
			break
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Check subscriber limit
	if b.config.MaxSubscribers > 0 && len(b.subscriptions) >= b.config.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	name := cfg.name
	if name == "" {
		name = id
	}

	running := make(chan struct{})
	close(running)

	sub := &subscription{
		id:       id,
		name:     name,
		types:    types,
		handler:  handler,
		events:   make(chan Event, cfg.queueSize),
		done:     make(chan struct{}),
		bus:      b,
		resumeCh: running,
	}

	b.subscriptions[sub.id] = sub

	if wildcard {
		b.wildcards[sub.id] = sub
	} else {
		for _, t := range types {
			if b.byType[t] == nil {
				b.byType[t] = make(map[string]*subscription)
			}
			b.byType[t][sub.id] = sub
		}
	}

	// Start the drain goroutine
	go sub.process()

	return sub, nil
}

// getMatchingSubscriptions returns all subscriptions matching an event type.
func (b *LocalBus) getMatchingSubscriptions(eventType string) []*subscription {
	subs := make([]*subscription, 0, len(b.wildcards)+4)

	if typeSubs, ok := b.byType[eventType]; ok {
		for _, sub := range typeSubs {
			subs = append(subs, sub)
		}
	}

	for _, sub := range b.wildcards {
		subs = append(subs, sub)
	}

	return subs
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	close(b.closeCh)

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	return nil
}

// Drain blocks until every subscription queue is empty and no handler
// is in flight, or the context expires.
func (b *LocalBus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.queuesEmpty() && b.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *LocalBus) queuesEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscriptions {
		if len(sub.events) > 0 {
			return false
		}
	}
	return true
}

// History returns a copy of the retained events, oldest first.
func (b *LocalBus) History() []Event {
	return b.history.Snapshot()
}

// HistoryByType returns retained events of the given type, oldest first.
func (b *LocalBus) HistoryByType(eventType string) []Event {
	return b.history.Filter(func(evt Event) bool {
		return evt.Type() == eventType
	})
}

// HistoryByCorrelation returns retained events sharing a correlation ID.
func (b *LocalBus) HistoryByCorrelation(corrID string) []Event {
	return b.history.Filter(func(evt Event) bool {
		return evt.CorrelationID() == corrID
	})
}

// BusStats is a point-in-time snapshot of bus counters.
type BusStats struct {
	Published     int64          `json:"published"`
	Delivered     int64          `json:"delivered"`
	Dropped       int64          `json:"dropped"`
	HandlerErrors int64          `json:"handler_errors"`
	Subscriptions int            `json:"subscriptions"`
	HistoryLen    int            `json:"history_len"`
	QueueDepths   map[string]int `json:"queue_depths,omitempty"`
}

// Stats returns a snapshot of bus counters and queue depths.
func (b *LocalBus) Stats() BusStats {
	b.mu.RLock()
	depths := make(map[string]int, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		depths[sub.name] = len(sub.events)
	}
	count := len(b.subscriptions)
	b.mu.RUnlock()

	return BusStats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscriptions: count,
		HistoryLen:    b.history.Len(),
		QueueDepths:   depths,
	}
}

// emitHandlerError republishes a handler failure as a handler.error
// event. Failures while handling handler.error itself are only counted,
// never re-emitted, to keep the error path from recursing.
func (b *LocalBus) emitHandlerError(subscriber string, evt Event, err error) {
	if evt.Type() == TypeHandlerError {
		return
	}

	errEvt := NewFromParent(evt, TypeHandlerError, busSource, HandlerError{
		Handler:   subscriber,
		EventType: evt.Type(),
		EventID:   evt.ID(),
		Error:     err.Error(),
	})

	// Publish from a fresh goroutine so a full queue cannot stall the
	// drain loop that reported the failure.
	go func() {
		_ = b.Publish(context.Background(), errEvt)
	}()
}

// process drains events for a subscription, one at a time, in order.
func (s *subscription) process() {
	for {
		select {
		case evt := <-s.events:
			s.bus.inFlight.Add(1)
			if !s.waitResumed() {
				s.bus.inFlight.Add(-1)
				return
			}

			err := s.handler.Handle(context.Background(), evt)
			s.bus.inFlight.Add(-1)
			s.bus.delivered.Add(1)

			if err != nil {
				s.bus.handlerErrors.Add(1)
				if s.bus.config.OnError != nil {
					s.bus.config.OnError(evt, s.name, err)
				}
				s.bus.emitHandlerError(s.name, evt, err)
			}

		case <-s.done:
			return
		}
	}
}

// waitResumed blocks while the subscription is paused.
// It returns false if the subscription is torn down while waiting.
func (s *subscription) waitResumed() bool {
	s.pauseMu.Lock()
	paused, ch := s.paused, s.resumeCh
	s.pauseMu.Unlock()

	if !paused {
		return true
	}

	select {
	case <-ch:
		return true
	case <-s.done:
		return false
	}
}

// ID returns the unique subscription identifier.
func (s *subscription) ID() string {
	return s.id
}

// Name returns the subscription display name.
func (s *subscription) Name() string {
	return s.name
}

// Unsubscribe removes the subscription. Safe to call twice.
func (s *subscription) Unsubscribe() {
	if !s.unsub.CompareAndSwap(false, true) {
		return
	}

	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	delete(s.bus.wildcards, s.id)
	for _, t := range s.types {
		if typeSubs, ok := s.bus.byType[t]; ok {
			delete(typeSubs, s.id)
		}
	}
	s.bus.mu.Unlock()

	close(s.done)
}

// Pause holds delivery. Queued events are retained.
func (s *subscription) Pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
}

// Resume continues delivery after pause.
func (s *subscription) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumeCh)
}

// IsPaused returns true if the subscription is paused.
func (s *subscription) IsPaused() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.paused
}

// Deduplication helpers

func (b *LocalBus) isDuplicate(evt Event) bool {
	b.dedupeMu.RLock()
	defer b.dedupeMu.RUnlock()

	_, exists := b.dedupeCache[evt.ID()]
	return exists
}

func (b *LocalBus) recordEvent(evt Event) {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()

	b.dedupeCache[evt.ID()] = time.Now()
}

func (b *LocalBus) cleanupDedupe() {
	ticker := time.NewTicker(b.config.DeduplicateTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.dedupeMu.Lock()
			cutoff := time.Now().Add(-b.config.DeduplicateTTL)
			for id, ts := range b.dedupeCache {
				if ts.Before(cutoff) {
					delete(b.dedupeCache, id)
				}
			}
			b.dedupeMu.Unlock()

		case <-b.closeCh:
			return
		}
	}
}
