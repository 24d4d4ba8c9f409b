package transport

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tferrors "github.com/formworks/taskflow/pkg/taskflow/errors"
)

// Memory broker errors.
var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrAlreadySettled  = errors.New("delivery already settled")
)

// errInjected marks failures produced by failpoint hooks.
var errInjected = errors.New("injected failure")

// MemoryConfig configures the in-memory transport.
type MemoryConfig struct {
	// MaxRedeliveries caps how many times a nacked message returns to
	// its queue before it is dead-lettered. 0 disables the cap.
	MaxRedeliveries int

	// QueueBuffer is the capacity of each queue. Default: 1024.
	QueueBuffer int

	Logger *slog.Logger
}

// DefaultMemoryConfig provides reasonable defaults.
var DefaultMemoryConfig = MemoryConfig{
	MaxRedeliveries: 5,
	QueueBuffer:     1024,
}

// MemoryTransport is a Transport backed by an in-process broker. It
// implements the same topology model as the AMQP transport (direct,
// topic, and fanout exchanges, manual acknowledgement, per-queue TTL
// and dead-lettering) so bridge and integration tests run without a
// broker. The local example wires it in place of RabbitMQ.
type MemoryTransport struct {
	cfg    MemoryConfig
	logger *slog.Logger

	state    atomic.Int32
	notifier notifier

	mu        sync.RWMutex
	exchanges map[string]ExchangeSpec
	queues    map[string]*memQueue
	bindings  []BindingSpec

	// deadLettered records dead-lettered deliveries by origin queue,
	// independent of whether a dead-letter exchange consumed them.
	deadLettered map[string][]Delivery

	failPublishes atomic.Int32
	closed        atomic.Bool
	done          chan struct{}
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemory creates an in-memory transport.
func NewMemory(cfg MemoryConfig) *MemoryTransport {
	if cfg.QueueBuffer <= 0 {
		cfg.QueueBuffer = DefaultMemoryConfig.QueueBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MemoryTransport{
		cfg:          cfg,
		logger:       cfg.Logger,
		exchanges:    make(map[string]ExchangeSpec),
		queues:       make(map[string]*memQueue),
		deadLettered: make(map[string][]Delivery),
		done:         make(chan struct{}),
	}
}

type memQueue struct {
	spec QueueSpec
	msgs chan *memMessage
}

type memMessage struct {
	pub          Publishing
	exchange     string
	routingKey   string
	enqueued     time.Time
	redeliveries int
}

// State returns the current connection state.
func (t *MemoryTransport) State() ConnState {
	return ConnState(t.state.Load())
}

// NotifyState registers a state transition listener.
func (t *MemoryTransport) NotifyState(ch chan StateChange) {
	t.notifier.register(ch)
}

func (t *MemoryTransport) setState(to ConnState, cause error) {
	from := ConnState(t.state.Swap(int32(to)))
	if from == to {
		return
	}
	t.notifier.publish(StateChange{From: from, To: to, Err: cause, At: time.Now()})
}

// Connect marks the broker reachable. It walks the same Connecting to
// Connected transition as the AMQP transport so state listeners see
// identical sequences.
func (t *MemoryTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.State() == StateConnected {
		return nil
	}
	t.setState(StateConnecting, nil)
	t.setState(StateConnected, nil)
	return nil
}

// Close shuts the broker down. Consumer channels close; queued
// messages are discarded. Idempotent.
func (t *MemoryTransport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	t.setState(StateDisconnected, nil)
	return nil
}

// DeclareTopology registers exchanges, queues, and bindings.
// Re-declaring an existing queue updates its spec without dropping
// queued messages. Duplicate bindings are ignored.
func (t *MemoryTransport) DeclareTopology(ctx context.Context, topo Topology) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ex := range topo.Exchanges {
		t.exchanges[ex.Name] = ex
	}
	for _, q := range topo.Queues {
		if existing, ok := t.queues[q.Name]; ok {
			existing.spec = q
			continue
		}
		t.queues[q.Name] = &memQueue{
			spec: q,
			msgs: make(chan *memMessage, t.cfg.QueueBuffer),
		}
	}
	for _, b := range topo.Bindings {
		if t.hasBinding(b) {
			continue
		}
		t.bindings = append(t.bindings, b)
	}
	return nil
}

func (t *MemoryTransport) hasBinding(b BindingSpec) bool {
	for _, have := range t.bindings {
		if have == b {
			return true
		}
	}
	return false
}

// Publish routes one message to every bound queue. Unroutable messages
// are dropped, matching AMQP semantics for non-mandatory publishes.
func (t *MemoryTransport) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	if t.closed.Load() {
		return &tferrors.TransportError{Op: "publish", Target: routingKey, Err: ErrClosed}
	}
	if t.State() != StateConnected {
		return &tferrors.TransportError{Op: "publish", Target: routingKey, Temporary: true, Err: ErrNotConnected}
	}
	if n := t.failPublishes.Load(); n > 0 && t.failPublishes.CompareAndSwap(n, n-1) {
		return &tferrors.TransportError{Op: "publish", Target: routingKey, Temporary: true, Err: errInjected}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	t.mu.RLock()
	targets, err := t.route(exchange, routingKey)
	t.mu.RUnlock()
	if err != nil {
		return err
	}

	m := &memMessage{pub: msg, exchange: exchange, routingKey: routingKey, enqueued: time.Now()}
	for _, q := range targets {
		t.enqueue(q, m)
	}
	return nil
}

// route resolves the target queues for an exchange and routing key.
// Callers hold t.mu.
func (t *MemoryTransport) route(exchange, routingKey string) ([]*memQueue, error) {
	// The default exchange routes directly to the queue named by the
	// routing key.
	if exchange == "" {
		q, ok := t.queues[routingKey]
		if !ok {
			return nil, nil
		}
		return []*memQueue{q}, nil
	}

	ex, ok := t.exchanges[exchange]
	if !ok {
		return nil, &tferrors.TransportError{Op: "publish", Target: exchange, Err: ErrUnknownExchange}
	}

	var targets []*memQueue
	seen := make(map[string]bool)
	for _, b := range t.bindings {
		if b.Exchange != exchange {
			continue
		}
		matched := false
		switch ex.Kind {
		case ExchangeFanout:
			matched = true
		case ExchangeTopic:
			matched = topicMatch(b.RoutingKey, routingKey)
		default:
			matched = b.RoutingKey == routingKey
		}
		if !matched || seen[b.Queue] {
			continue
		}
		if q, ok := t.queues[b.Queue]; ok {
			seen[b.Queue] = true
			targets = append(targets, q)
		}
	}
	return targets, nil
}

func (t *MemoryTransport) enqueue(q *memQueue, m *memMessage) {
	select {
	case q.msgs <- m:
	default:
		t.logger.Warn("memory queue full, dropping message",
			slog.String("queue", q.spec.Name),
			slog.String("routing_key", m.routingKey),
		)
	}
}

// Consume starts a manual-ack consumer. Multiple consumers on the same
// queue compete for messages. The channel closes when ctx is canceled
// or the transport closes; a ForceDisconnect leaves consumers attached,
// like the AMQP transport across reconnects.
func (t *MemoryTransport) Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan Delivery, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.State() != StateConnected {
		return nil, &tferrors.TransportError{Op: "consume", Target: queue, Temporary: true, Err: ErrNotConnected}
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = DefaultPrefetch
	}

	t.mu.RLock()
	q, ok := t.queues[queue]
	t.mu.RUnlock()
	if !ok {
		return nil, &tferrors.TransportError{Op: "consume", Target: queue, Err: ErrUnknownQueue}
	}

	out := make(chan Delivery, opts.Prefetch)
	go t.consumeLoop(ctx, q, out)
	return out, nil
}

func (t *MemoryTransport) consumeLoop(ctx context.Context, q *memQueue, out chan<- Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case m := <-q.msgs:
			if q.spec.MessageTTL > 0 && time.Since(m.enqueued) > q.spec.MessageTTL {
				t.deadLetter(q, m, "expired")
				continue
			}
			select {
			case out <- t.toDelivery(q, m):
			case <-ctx.Done():
				t.requeue(q, m)
				return
			case <-t.done:
				return
			}
		}
	}
}

func (t *MemoryTransport) toDelivery(q *memQueue, m *memMessage) Delivery {
	return Delivery{
		Body:          m.pub.Body,
		ContentType:   m.pub.ContentType,
		CorrelationID: m.pub.CorrelationID,
		ReplyTo:       m.pub.ReplyTo,
		MessageID:     m.pub.MessageID,
		Timestamp:     m.pub.Timestamp,
		Exchange:      m.exchange,
		RoutingKey:    m.routingKey,
		Queue:         q.spec.Name,
		Redelivered:   m.redeliveries > 0,
		Headers:       m.pub.Headers,
		acker:         &memAcker{t: t, q: q, m: m},
	}
}

// requeue puts a message back on its queue, dead-lettering it if the
// queue has no room.
func (t *MemoryTransport) requeue(q *memQueue, m *memMessage) {
	select {
	case q.msgs <- m:
	default:
		t.deadLetter(q, m, "queue full")
	}
}

// deadLetter records the message against its origin queue and forwards
// it through the queue's dead-letter exchange, when one is configured.
func (t *MemoryTransport) deadLetter(q *memQueue, m *memMessage, reason string) {
	t.logger.Debug("dead-lettering message",
		slog.String("queue", q.spec.Name),
		slog.String("routing_key", m.routingKey),
		slog.String("reason", reason),
	)

	record := t.toDelivery(q, m)
	record.acker = nil

	t.mu.Lock()
	t.deadLettered[q.spec.Name] = append(t.deadLettered[q.spec.Name], record)

	if q.spec.DeadLetterExchange == "" {
		t.mu.Unlock()
		return
	}

	key := q.spec.DeadLetterRoutingKey
	if key == "" {
		key = m.routingKey
	}
	headers := make(map[string]any, len(m.pub.Headers)+2)
	for k, v := range m.pub.Headers {
		headers[k] = v
	}
	headers["x-death-reason"] = reason
	headers["x-first-death-queue"] = q.spec.Name

	pub := m.pub
	pub.Headers = headers
	dead := &memMessage{pub: pub, exchange: q.spec.DeadLetterExchange, routingKey: key, enqueued: time.Now()}

	targets, err := t.route(q.spec.DeadLetterExchange, key)
	t.mu.Unlock()
	if err != nil {
		t.logger.Warn("dead-letter routing failed",
			slog.String("queue", q.spec.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, target := range targets {
		t.enqueue(target, dead)
	}
}

// memAcker settles an in-memory delivery exactly once.
type memAcker struct {
	t       *MemoryTransport
	q       *memQueue
	m       *memMessage
	settled atomic.Bool
}

func (a *memAcker) Ack() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return nil
}

func (a *memAcker) Nack(requeue bool) error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if !requeue {
		a.t.deadLetter(a.q, a.m, "rejected")
		return nil
	}
	a.m.redeliveries++
	if a.t.cfg.MaxRedeliveries > 0 && a.m.redeliveries > a.t.cfg.MaxRedeliveries {
		a.t.deadLetter(a.q, a.m, "max redeliveries exceeded")
		return nil
	}
	a.t.requeue(a.q, a.m)
	return nil
}

// FailPublishes makes the next n publishes fail with a temporary
// transport error. Test hook.
func (t *MemoryTransport) FailPublishes(n int) {
	t.failPublishes.Store(int32(n))
}

// ForceDisconnect simulates a broker outage: publishes and new
// consumers fail with ErrNotConnected until Connect is called again.
// Existing consumers stay attached. Test hook.
func (t *MemoryTransport) ForceDisconnect() {
	t.setState(StateDisconnected, errInjected)
}

// DeadLettered returns the deliveries dead-lettered from a queue, in
// order. Test hook.
func (t *MemoryTransport) DeadLettered(queue string) []Delivery {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Delivery, len(t.deadLettered[queue]))
	copy(out, t.deadLettered[queue])
	return out
}

// Depth returns the number of messages waiting on a queue. Test hook.
func (t *MemoryTransport) Depth(queue string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if q, ok := t.queues[queue]; ok {
		return len(q.msgs)
	}
	return 0
}

// topicMatch reports whether a topic pattern matches a routing key.
// "*" matches exactly one word, "#" matches zero or more words.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	if pattern[0] == "#" {
		if matchWords(pattern[1:], words) {
			return true
		}
		if len(words) > 0 {
			return matchWords(pattern, words[1:])
		}
		return false
	}
	if len(words) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != words[0] {
		return false
	}
	return matchWords(pattern[1:], words[1:])
}
