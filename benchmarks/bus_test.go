package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/formworks/taskflow/pkg/taskflow/event"
)

// BenchmarkPublish_Subscribers1 publishes to a single subscriber.
func BenchmarkPublish_Subscribers1(b *testing.B) {
	benchPublish(b, 1)
}

// BenchmarkPublish_Subscribers8 fans out to 8 subscribers.
func BenchmarkPublish_Subscribers8(b *testing.B) {
	benchPublish(b, 8)
}

// BenchmarkPublish_Subscribers64 fans out to 64 subscribers.
func BenchmarkPublish_Subscribers64(b *testing.B) {
	benchPublish(b, 64)
}

func benchPublish(b *testing.B, subscribers int) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	noop := event.HandlerFunc(func(ctx context.Context, evt event.Event) error { return nil })
	for i := 0; i < subscribers; i++ {
		if _, err := bus.Subscribe([]string{"bench.event"}, noop); err != nil {
			b.Fatal(err)
		}
	}

	ctx := context.Background()
	evt := event.New("bench.event", "bench", event.FormSubmission{FormID: "f-1"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bus.Publish(ctx, evt); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	_ = bus.Drain(ctx)
}

// BenchmarkPublish_Parallel publishes from concurrent goroutines.
func BenchmarkPublish_Parallel(b *testing.B) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	noop := event.HandlerFunc(func(ctx context.Context, evt event.Event) error { return nil })
	if _, err := bus.Subscribe([]string{"bench.event"}, noop); err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	evt := event.New("bench.event", "bench", event.FormSubmission{FormID: "f-1"})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := bus.Publish(ctx, evt); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.StopTimer()
	_ = bus.Drain(ctx)
}

// BenchmarkPublish_HistoryOnly publishes with no subscribers, so the
// cost is validation plus the history ring.
func BenchmarkPublish_HistoryOnly(b *testing.B) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	ctx := context.Background()
	evt := event.New("bench.event", "bench", event.FormSubmission{FormID: "f-1"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bus.Publish(ctx, evt); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEventNew measures event construction and payload encode.
func BenchmarkEventNew(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = event.New(event.TypeFormSubmitted, "bench", event.FormSubmission{
			FormID:       fmt.Sprintf("f-%d", i),
			Requirements: "review the quarterly filing",
		})
	}
}

// BenchmarkDecodePayload measures typed payload decode.
func BenchmarkDecodePayload(b *testing.B) {
	evt := event.New(event.TypeFormSubmitted, "bench", event.FormSubmission{
		FormID:       "f-1",
		Requirements: "review the quarterly filing",
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := event.DecodePayload[event.FormSubmission](evt); err != nil {
			b.Fatal(err)
		}
	}
}
