// Package store persists the event stream for audit and inspection.
//
// Stores are bounded and append-only: once the capacity is reached the
// oldest records are evicted first. Two implementations ship, an
// in-memory store for tests and single-process runs, and a SQLite
// store for durable history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/formworks/taskflow/pkg/taskflow/event"
)

var (
	// ErrNotFound is returned when no record matches the query.
	ErrNotFound = errors.New("store: record not found")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store: closed")
)

// DefaultCapacity bounds a store when the configuration leaves the
// capacity unset.
const DefaultCapacity = 10000

// Record is one stored event.
type Record struct {
	ID            string
	Type          string
	CorrelationID string
	CausationID   string
	Source        string
	Priority      event.Priority
	Timestamp     time.Time
	Payload       []byte
}

// RecordFromEvent flattens an event into its stored form.
func RecordFromEvent(evt event.Event) Record {
	return Record{
		ID:            evt.ID(),
		Type:          evt.Type(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		Source:        evt.Source(),
		Priority:      evt.Priority(),
		Timestamp:     evt.Timestamp(),
		Payload:       evt.DataBytes(),
	}
}

// Stats summarizes a store's contents.
type Stats struct {
	Total    int
	ByType   map[string]int
	BySource map[string]int
	Oldest   time.Time
	Newest   time.Time
}

// EventStore is a bounded, append-only event history.
//
// Query ordering: ByCorrelation and Range return records oldest first,
// reading as a causal chain; ByType, Search, and Recent return newest
// first, reading as a feed. A limit <= 0 means no limit.
type EventStore interface {
	// Append stores one record, evicting the oldest when full.
	Append(ctx context.Context, r Record) error

	// Get returns the record with the given event ID.
	Get(ctx context.Context, id string) (Record, error)

	// ByType returns records of one event type, newest first.
	ByType(ctx context.Context, eventType string, limit int) ([]Record, error)

	// ByCorrelation returns a correlation chain, oldest first.
	ByCorrelation(ctx context.Context, corrID string) ([]Record, error)

	// Range returns records with from <= Timestamp <= to, oldest first.
	Range(ctx context.Context, from, to time.Time, limit int) ([]Record, error)

	// Search returns records whose serialized payload contains substr,
	// newest first.
	Search(ctx context.Context, substr string, limit int) ([]Record, error)

	// Recent returns the n most recent records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)

	// Stats summarizes the stored records.
	Stats(ctx context.Context) (Stats, error)

	// Activity counts records per event type within the trailing
	// window.
	Activity(ctx context.Context, window time.Duration) (map[string]int, error)

	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)

	Close() error
}
