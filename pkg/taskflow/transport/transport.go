// Package transport abstracts the durable message broker that carries
// traffic between this process and the external matching engine.
//
// Two implementations are provided: AMQP (RabbitMQ and compatible
// brokers, via rabbitmq/amqp091-go) and an in-process memory broker
// with the same routing, ack, and dead-letter semantics for tests and
// single-binary deployments.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ConnState is the connection state of a Transport.
type ConnState int32

const (
	// StateDisconnected is the initial state, and the state after Close.
	StateDisconnected ConnState = iota

	// StateConnecting means a connect or reconnect is in progress.
	StateConnecting

	// StateConnected means the transport is usable.
	StateConnected

	// StateFailed means reconnection gave up. Terminal until Connect is
	// called again.
	StateFailed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// StateChange describes one transition of the connection state machine.
type StateChange struct {
	From ConnState
	To   ConnState
	// Err is the cause for failure-driven transitions, nil otherwise.
	Err error
	At  time.Time
}

// ErrNotConnected is returned by Publish and Consume when the transport
// is not in StateConnected.
var ErrNotConnected = errors.New("transport not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport closed")

// ExchangeKind selects the routing algorithm of an exchange.
type ExchangeKind string

const (
	ExchangeDirect ExchangeKind = "direct"
	ExchangeTopic  ExchangeKind = "topic"
	ExchangeFanout ExchangeKind = "fanout"
)

// ExchangeSpec declares one exchange.
type ExchangeSpec struct {
	Name    string
	Kind    ExchangeKind
	Durable bool
}

// QueueSpec declares one queue. A zero MessageTTL means no expiry.
// DeadLetterExchange, when set, receives expired and rejected messages;
// DeadLetterRoutingKey overrides the original routing key on that path.
type QueueSpec struct {
	Name                 string
	Durable              bool
	MessageTTL           time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// BindingSpec routes messages from an exchange to a queue.
type BindingSpec struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the full set of declarations a component needs.
// DeclareTopology is idempotent: declaring the same topology twice is
// safe, which is what reconnects rely on.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []BindingSpec
}

// Merge combines two topologies. Duplicates are kept; declaration is
// idempotent so they are harmless.
func (t Topology) Merge(other Topology) Topology {
	return Topology{
		Exchanges: append(append([]ExchangeSpec{}, t.Exchanges...), other.Exchanges...),
		Queues:    append(append([]QueueSpec{}, t.Queues...), other.Queues...),
		Bindings:  append(append([]BindingSpec{}, t.Bindings...), other.Bindings...),
	}
}

// Publishing is an outbound message.
type Publishing struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Timestamp     time.Time
	// Persistent asks the broker to survive restarts with the message.
	Persistent bool
	Headers    map[string]any
}

// Delivery is an inbound message. Settlement is manual: exactly one of
// Ack or Nack must be called, once.
type Delivery struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Timestamp     time.Time
	Exchange      string
	RoutingKey    string
	Queue         string
	// Redelivered is true when the broker delivered this message before.
	Redelivered bool
	Headers     map[string]any

	acker acker
}

// acker settles one delivery.
type acker interface {
	Ack() error
	Nack(requeue bool) error
}

// Ack marks the delivery as processed.
func (d *Delivery) Ack() error {
	if d.acker == nil {
		return errors.New("delivery has no acker")
	}
	return d.acker.Ack()
}

// Nack rejects the delivery. With requeue the broker redelivers it;
// without, the message goes to the queue's dead-letter exchange.
func (d *Delivery) Nack(requeue bool) error {
	if d.acker == nil {
		return errors.New("delivery has no acker")
	}
	return d.acker.Nack(requeue)
}

// ConsumeOptions tune one consumer.
type ConsumeOptions struct {
	// Consumer is the consumer tag. Defaults to the queue name.
	Consumer string

	// Prefetch limits unacked deliveries in flight. Default 8.
	Prefetch int
}

// DefaultPrefetch is the consumer prefetch used when ConsumeOptions
// does not set one.
const DefaultPrefetch = 8

// Transport is a connection to a durable message broker.
type Transport interface {
	// Connect establishes the connection. Valid from StateDisconnected
	// and StateFailed.
	Connect(ctx context.Context) error

	// Close tears the connection down and stops reconnecting.
	// Idempotent.
	Close(ctx context.Context) error

	// State returns the current connection state.
	State() ConnState

	// NotifyState registers a listener for state transitions. Sends
	// never block; slow listeners miss transitions.
	NotifyState(ch chan StateChange)

	// DeclareTopology declares exchanges, queues, and bindings.
	// Idempotent; re-run automatically after reconnects.
	DeclareTopology(ctx context.Context, topo Topology) error

	// Publish sends one message. Fails fast with ErrNotConnected when
	// the transport is not connected.
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error

	// Consume starts delivering messages from a queue. The channel
	// stays open across reconnects and closes when ctx is canceled or
	// the transport closes. Settlement is manual via Delivery.
	Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan Delivery, error)
}

// notifier manages state-change listeners shared by both transports.
type notifier struct {
	mu        sync.Mutex
	listeners []chan StateChange
}

func (n *notifier) register(ch chan StateChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, ch)
}

// publish fans a state change out to listeners without blocking. A
// listener that cannot keep up misses transitions rather than stalling
// the connection goroutine.
func (n *notifier) publish(change StateChange) {
	n.mu.Lock()
	listeners := make([]chan StateChange, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- change:
		default:
		}
	}
}
