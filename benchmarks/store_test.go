package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/store"
)

// LargePayload approximates a busy production event body.
type LargePayload struct {
	FormID       string            `json:"formId"`
	Requirements string            `json:"requirements"`
	Fields       map[string]string `json:"fields"`
	Tags         []string          `json:"tags"`
}

// BenchmarkMemoryStore_Append measures in-memory append with eviction.
func BenchmarkMemoryStore_Append(b *testing.B) {
	st := store.NewMemoryStore(0)
	defer st.Close()
	ctx := context.Background()
	base := benchRecord()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := base
		rec.ID = fmt.Sprintf("evt-%d", i)
		if err := st.Append(ctx, rec); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMemoryStore_Get measures lookup by event ID.
func BenchmarkMemoryStore_Get(b *testing.B) {
	st := store.NewMemoryStore(0)
	defer st.Close()
	ctx := context.Background()
	seedStore(b, st, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.Get(ctx, fmt.Sprintf("evt-%d", i%1000)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMemoryStore_ByCorrelation walks a 100-event chain.
func BenchmarkMemoryStore_ByCorrelation(b *testing.B) {
	st := store.NewMemoryStore(0)
	defer st.Close()
	ctx := context.Background()
	seedChain(b, st, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.ByCorrelation(ctx, "corr-chain"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMemoryStore_Search scans payload text.
func BenchmarkMemoryStore_Search(b *testing.B) {
	st := store.NewMemoryStore(0)
	defer st.Close()
	ctx := context.Background()
	seedStore(b, st, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.Search(ctx, "quarterly", 10); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSQLiteStore_Append measures durable append.
func BenchmarkSQLiteStore_Append(b *testing.B) {
	st := createSQLiteStore(b)
	ctx := context.Background()
	base := benchRecord()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := base
		rec.ID = fmt.Sprintf("evt-%d", i)
		if err := st.Append(ctx, rec); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSQLiteStore_Get measures indexed lookup by event ID.
func BenchmarkSQLiteStore_Get(b *testing.B) {
	st := createSQLiteStore(b)
	ctx := context.Background()
	seedStore(b, st, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.Get(ctx, fmt.Sprintf("evt-%d", i%1000)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSQLiteStore_ByCorrelation walks a 100-event chain.
func BenchmarkSQLiteStore_ByCorrelation(b *testing.B) {
	st := createSQLiteStore(b)
	ctx := context.Background()
	seedChain(b, st, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.ByCorrelation(ctx, "corr-chain"); err != nil {
			b.Fatal(err)
		}
	}
}

func benchRecord() store.Record {
	payload, _ := json.Marshal(LargePayload{
		FormID:       "f-1",
		Requirements: "review the quarterly filing before the deadline",
		Fields: map[string]string{
			"department": "finance",
			"region":     "emea",
			"priority":   "high",
		},
		Tags: []string{"quarterly", "finance", "review"},
	})
	return store.Record{
		Type:          event.TypeFormSubmitted,
		CorrelationID: "corr-1",
		Source:        "bench",
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

func seedStore(b *testing.B, st store.EventStore, n int) {
	b.Helper()
	ctx := context.Background()
	base := benchRecord()
	for i := 0; i < n; i++ {
		rec := base
		rec.ID = fmt.Sprintf("evt-%d", i)
		if err := st.Append(ctx, rec); err != nil {
			b.Fatal(err)
		}
	}
}

func seedChain(b *testing.B, st store.EventStore, n int) {
	b.Helper()
	ctx := context.Background()
	base := benchRecord()
	for i := 0; i < n; i++ {
		rec := base
		rec.ID = fmt.Sprintf("chain-%d", i)
		rec.CorrelationID = "corr-chain"
		if err := st.Append(ctx, rec); err != nil {
			b.Fatal(err)
		}
	}
}

func createSQLiteStore(b *testing.B) *store.SQLiteStore {
	b.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"), 0)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { st.Close() })
	return st
}
