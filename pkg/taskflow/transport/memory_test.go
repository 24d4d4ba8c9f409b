package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/transport"
)

func newConnectedMemory(t *testing.T, cfg transport.MemoryConfig) *transport.MemoryTransport {
	t.Helper()
	mem := transport.NewMemory(cfg)
	if err := mem.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { mem.Close(context.Background()) })
	return mem
}

func declare(t *testing.T, mem *transport.MemoryTransport, topo transport.Topology) {
	t.Helper()
	if err := mem.DeclareTopology(context.Background(), topo); err != nil {
		t.Fatalf("DeclareTopology failed: %v", err)
	}
}

func recv(t *testing.T, ch <-chan transport.Delivery, timeout time.Duration) transport.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed unexpectedly")
		}
		return d
	case <-time.After(timeout):
		t.Fatal("timed out waiting for delivery")
		return transport.Delivery{}
	}
}

func expectNone(t *testing.T, ch <-chan transport.Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery on %q with key %q", d.Queue, d.RoutingKey)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryConnectStates(t *testing.T) {
	mem := transport.NewMemory(transport.MemoryConfig{})

	if got := mem.State(); got != transport.StateDisconnected {
		t.Errorf("initial state = %v, want %v", got, transport.StateDisconnected)
	}

	err := mem.Publish(context.Background(), "", "nowhere", transport.Publishing{Body: []byte("x")})
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Publish before Connect = %v, want ErrNotConnected", err)
	}

	states := make(chan transport.StateChange, 4)
	mem.NotifyState(states)

	if err := mem.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mem.Close(context.Background())

	first := <-states
	if first.From != transport.StateDisconnected || first.To != transport.StateConnecting {
		t.Errorf("first transition = %v -> %v, want Disconnected -> Connecting", first.From, first.To)
	}
	second := <-states
	if second.From != transport.StateConnecting || second.To != transport.StateConnected {
		t.Errorf("second transition = %v -> %v, want Connecting -> Connected", second.From, second.To)
	}

	// Reconnecting while connected is a no-op.
	if err := mem.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	select {
	case change := <-states:
		t.Errorf("unexpected transition while connected: %v -> %v", change.From, change.To)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryDirectRouting(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{
		Exchanges: []transport.ExchangeSpec{{Name: "tasks", Kind: transport.ExchangeDirect, Durable: true}},
		Queues: []transport.QueueSpec{
			{Name: "tasks.assigned", Durable: true},
			{Name: "tasks.declined", Durable: true},
		},
		Bindings: []transport.BindingSpec{
			{Queue: "tasks.assigned", Exchange: "tasks", RoutingKey: "assigned"},
			{Queue: "tasks.declined", Exchange: "tasks", RoutingKey: "declined"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assigned, err := mem.Consume(ctx, "tasks.assigned", transport.ConsumeOptions{})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	declined, err := mem.Consume(ctx, "tasks.declined", transport.ConsumeOptions{})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	err = mem.Publish(context.Background(), "tasks", "assigned", transport.Publishing{
		Body:          []byte(`{"taskId":"t1"}`),
		ContentType:   "application/json",
		CorrelationID: "corr-1",
		ReplyTo:       "replies",
		MessageID:     "msg-1",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	d := recv(t, assigned, time.Second)
	if string(d.Body) != `{"taskId":"t1"}` {
		t.Errorf("body = %q", d.Body)
	}
	if d.CorrelationID != "corr-1" || d.ReplyTo != "replies" || d.MessageID != "msg-1" {
		t.Errorf("properties not preserved: %+v", d)
	}
	if d.Queue != "tasks.assigned" || d.Exchange != "tasks" || d.RoutingKey != "assigned" {
		t.Errorf("routing fields wrong: queue=%q exchange=%q key=%q", d.Queue, d.Exchange, d.RoutingKey)
	}
	if d.Redelivered {
		t.Error("fresh delivery marked redelivered")
	}
	if err := d.Ack(); err != nil {
		t.Errorf("Ack failed: %v", err)
	}

	expectNone(t, declined)
}

func TestMemoryTopicRouting(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{
		Exchanges: []transport.ExchangeSpec{{Name: "events", Kind: transport.ExchangeTopic}},
		Queues: []transport.QueueSpec{
			{Name: "one-level"},
			{Name: "all-tasks"},
			{Name: "everything"},
		},
		Bindings: []transport.BindingSpec{
			{Queue: "one-level", Exchange: "events", RoutingKey: "task.*"},
			{Queue: "all-tasks", Exchange: "events", RoutingKey: "task.#"},
			{Queue: "everything", Exchange: "events", RoutingKey: "#"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oneLevel, _ := mem.Consume(ctx, "one-level", transport.ConsumeOptions{})
	allTasks, _ := mem.Consume(ctx, "all-tasks", transport.ConsumeOptions{})
	everything, _ := mem.Consume(ctx, "everything", transport.ConsumeOptions{})

	publish := func(key string) {
		t.Helper()
		if err := mem.Publish(context.Background(), "events", key, transport.Publishing{Body: []byte(key)}); err != nil {
			t.Fatalf("Publish %q failed: %v", key, err)
		}
	}

	publish("task.created")
	if d := recv(t, oneLevel, time.Second); string(d.Body) != "task.created" {
		t.Errorf("one-level got %q", d.Body)
	}
	if d := recv(t, allTasks, time.Second); string(d.Body) != "task.created" {
		t.Errorf("all-tasks got %q", d.Body)
	}
	recv(t, everything, time.Second)

	publish("task.retry.exhausted")
	expectNone(t, oneLevel)
	if d := recv(t, allTasks, time.Second); string(d.Body) != "task.retry.exhausted" {
		t.Errorf("all-tasks got %q", d.Body)
	}
	recv(t, everything, time.Second)

	publish("audit")
	expectNone(t, oneLevel)
	expectNone(t, allTasks)
	if d := recv(t, everything, time.Second); string(d.Body) != "audit" {
		t.Errorf("everything got %q", d.Body)
	}
}

func TestMemoryFanout(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{
		Exchanges: []transport.ExchangeSpec{{Name: "broadcast", Kind: transport.ExchangeFanout}},
		Queues:    []transport.QueueSpec{{Name: "copy-a"}, {Name: "copy-b"}},
		Bindings: []transport.BindingSpec{
			{Queue: "copy-a", Exchange: "broadcast"},
			{Queue: "copy-b", Exchange: "broadcast"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, _ := mem.Consume(ctx, "copy-a", transport.ConsumeOptions{})
	b, _ := mem.Consume(ctx, "copy-b", transport.ConsumeOptions{})

	if err := mem.Publish(context.Background(), "broadcast", "ignored.key", transport.Publishing{Body: []byte("hi")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if d := recv(t, a, time.Second); string(d.Body) != "hi" {
		t.Errorf("copy-a got %q", d.Body)
	}
	if d := recv(t, b, time.Second); string(d.Body) != "hi" {
		t.Errorf("copy-b got %q", d.Body)
	}
}

func TestMemoryDefaultExchange(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{
		Queues: []transport.QueueSpec{{Name: "direct-to-queue"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := mem.Consume(ctx, "direct-to-queue", transport.ConsumeOptions{})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	if err := mem.Publish(context.Background(), "", "direct-to-queue", transport.Publishing{Body: []byte("direct")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if d := recv(t, out, time.Second); string(d.Body) != "direct" {
		t.Errorf("got %q", d.Body)
	}

	// Unroutable through the default exchange is dropped, not an error.
	if err := mem.Publish(context.Background(), "", "no-such-queue", transport.Publishing{Body: []byte("x")}); err != nil {
		t.Errorf("unroutable publish = %v, want nil", err)
	}
}

func TestMemoryUnknownTargets(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})

	err := mem.Publish(context.Background(), "ghost", "key", transport.Publishing{})
	if !errors.Is(err, transport.ErrUnknownExchange) {
		t.Errorf("publish to unknown exchange = %v, want ErrUnknownExchange", err)
	}

	_, err = mem.Consume(context.Background(), "ghost-queue", transport.ConsumeOptions{})
	if !errors.Is(err, transport.ErrUnknownQueue) {
		t.Errorf("consume unknown queue = %v, want ErrUnknownQueue", err)
	}
}

func TestMemoryNackRequeue(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{Queues: []transport.QueueSpec{{Name: "work"}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, _ := mem.Consume(ctx, "work", transport.ConsumeOptions{})

	if err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte("retry-me")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	first := recv(t, out, time.Second)
	if first.Redelivered {
		t.Error("first delivery marked redelivered")
	}
	if err := first.Nack(true); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	second := recv(t, out, time.Second)
	if !second.Redelivered {
		t.Error("redelivery not marked redelivered")
	}
	if string(second.Body) != "retry-me" {
		t.Errorf("redelivered body = %q", second.Body)
	}
	if err := second.Ack(); err != nil {
		t.Errorf("Ack failed: %v", err)
	}
}

func TestMemoryDeadLetterOnReject(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{
		Exchanges: []transport.ExchangeSpec{{Name: "dlx", Kind: transport.ExchangeDirect}},
		Queues: []transport.QueueSpec{
			{Name: "work", DeadLetterExchange: "dlx", DeadLetterRoutingKey: "dead"},
			{Name: "graveyard"},
		},
		Bindings: []transport.BindingSpec{
			{Queue: "graveyard", Exchange: "dlx", RoutingKey: "dead"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	work, _ := mem.Consume(ctx, "work", transport.ConsumeOptions{})
	graveyard, _ := mem.Consume(ctx, "graveyard", transport.ConsumeOptions{})

	if err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte("poison"), MessageID: "poison-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	d := recv(t, work, time.Second)
	if err := d.Nack(false); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	dead := recv(t, graveyard, time.Second)
	if string(dead.Body) != "poison" || dead.MessageID != "poison-1" {
		t.Errorf("dead-lettered delivery = %+v", dead)
	}
	if got := dead.Headers["x-death-reason"]; got != "rejected" {
		t.Errorf("x-death-reason = %v, want rejected", got)
	}
	if got := dead.Headers["x-first-death-queue"]; got != "work" {
		t.Errorf("x-first-death-queue = %v, want work", got)
	}

	recorded := mem.DeadLettered("work")
	if len(recorded) != 1 || string(recorded[0].Body) != "poison" {
		t.Errorf("DeadLettered(work) = %d entries", len(recorded))
	}
}

func TestMemoryMaxRedeliveries(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{MaxRedeliveries: 2})
	declare(t, mem, transport.Topology{Queues: []transport.QueueSpec{{Name: "work"}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, _ := mem.Consume(ctx, "work", transport.ConsumeOptions{})

	if err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte("flaky")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Initial delivery plus two redeliveries; the third nack trips the cap.
	for i := 0; i < 3; i++ {
		d := recv(t, out, time.Second)
		if err := d.Nack(true); err != nil {
			t.Fatalf("Nack %d failed: %v", i, err)
		}
	}

	expectNone(t, out)
	recorded := mem.DeadLettered("work")
	if len(recorded) != 1 {
		t.Fatalf("DeadLettered(work) = %d entries, want 1", len(recorded))
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{
		Queues: []transport.QueueSpec{{Name: "short-lived", MessageTTL: 30 * time.Millisecond}},
	})

	if err := mem.Publish(context.Background(), "", "short-lived", transport.Publishing{Body: []byte("stale")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, _ := mem.Consume(ctx, "short-lived", transport.ConsumeOptions{})
	expectNone(t, out)

	deadline := time.Now().Add(time.Second)
	for len(mem.DeadLettered("short-lived")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired message never dead-lettered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemorySettleOnce(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{Queues: []transport.QueueSpec{{Name: "work"}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, _ := mem.Consume(ctx, "work", transport.ConsumeOptions{})

	if err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte("once")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	d := recv(t, out, time.Second)
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := d.Nack(true); !errors.Is(err, transport.ErrAlreadySettled) {
		t.Errorf("Nack after Ack = %v, want ErrAlreadySettled", err)
	}
	if err := d.Ack(); !errors.Is(err, transport.ErrAlreadySettled) {
		t.Errorf("second Ack = %v, want ErrAlreadySettled", err)
	}

	var bare transport.Delivery
	if err := bare.Ack(); err == nil {
		t.Error("Ack on zero-value delivery should fail")
	}
}

func TestMemoryFailpoints(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{Queues: []transport.QueueSpec{{Name: "work"}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, _ := mem.Consume(ctx, "work", transport.ConsumeOptions{})

	mem.FailPublishes(1)
	if err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte("lost")}); err == nil {
		t.Fatal("publish with failpoint armed should fail")
	}
	if err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte("after")}); err != nil {
		t.Fatalf("publish after failpoint = %v", err)
	}
	if d := recv(t, out, time.Second); string(d.Body) != "after" {
		t.Errorf("got %q, want the post-failpoint message", d.Body)
	}

	mem.ForceDisconnect()
	if got := mem.State(); got != transport.StateDisconnected {
		t.Errorf("state after ForceDisconnect = %v", got)
	}
	err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte("down")})
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("publish while disconnected = %v, want ErrNotConnected", err)
	}

	// Consumers survive the outage and resume after reconnect.
	if err := mem.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte("back")}); err != nil {
		t.Fatalf("publish after reconnect = %v", err)
	}
	if d := recv(t, out, time.Second); string(d.Body) != "back" {
		t.Errorf("got %q after reconnect", d.Body)
	}
}

func TestMemoryCompetingConsumers(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{Queues: []transport.QueueSpec{{Name: "work"}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, _ := mem.Consume(ctx, "work", transport.ConsumeOptions{Consumer: "worker-a"})
	b, _ := mem.Consume(ctx, "work", transport.ConsumeOptions{Consumer: "worker-b"})

	const n = 10
	for i := 0; i < n; i++ {
		if err := mem.Publish(context.Background(), "", "work", transport.Publishing{Body: []byte{byte(i)}}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	seen := make(map[byte]int)
	deadline := time.After(2 * time.Second)
	for total := 0; total < n; total++ {
		select {
		case d := <-a:
			seen[d.Body[0]]++
			d.Ack()
		case d := <-b:
			seen[d.Body[0]]++
			d.Ack()
		case <-deadline:
			t.Fatalf("received %d of %d messages", total, n)
		}
	}
	for i := 0; i < n; i++ {
		if seen[byte(i)] != 1 {
			t.Errorf("message %d delivered %d times", i, seen[byte(i)])
		}
	}
}

func TestMemoryClose(t *testing.T) {
	mem := transport.NewMemory(transport.MemoryConfig{})
	if err := mem.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	declare(t, mem, transport.Topology{Queues: []transport.QueueSpec{{Name: "work"}}})

	out, err := mem.Consume(context.Background(), "work", transport.ConsumeOptions{})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	if err := mem.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := mem.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	select {
	case _, ok := <-out:
		if ok {
			t.Error("received delivery after close")
		}
	case <-time.After(time.Second):
		t.Error("consumer channel not closed after Close")
	}

	err = mem.Publish(context.Background(), "", "work", transport.Publishing{})
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("publish after close = %v, want ErrClosed", err)
	}
	if _, err := mem.Consume(context.Background(), "work", transport.ConsumeOptions{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("consume after close = %v, want ErrClosed", err)
	}
}

func TestMemoryConsumerContextCancel(t *testing.T) {
	mem := newConnectedMemory(t, transport.MemoryConfig{})
	declare(t, mem, transport.Topology{Queues: []transport.QueueSpec{{Name: "work"}}})

	ctx, cancel := context.WithCancel(context.Background())
	out, err := mem.Consume(ctx, "work", transport.ConsumeOptions{})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Error("received delivery after cancel")
		}
	case <-time.After(time.Second):
		t.Error("consumer channel not closed after cancel")
	}
}
