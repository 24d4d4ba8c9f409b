package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory EventStore with FIFO eviction.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	byID     map[string]Record
	byType   map[string][]string
	byCorr   map[string][]string
	closed   bool
}

// NewMemoryStore creates a bounded in-memory store. capacity <= 0 uses
// DefaultCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		byID:     make(map[string]Record),
		byType:   make(map[string][]string),
		byCorr:   make(map[string][]string),
	}
}

var _ EventStore = (*MemoryStore)(nil)

// Append stores a record, evicting the oldest when the store is full.
// Appending an ID that already exists overwrites the indexed record in
// place.
func (s *MemoryStore) Append(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, exists := s.byID[r.ID]; exists {
		s.byID[r.ID] = r
		return nil
	}

	for len(s.order) >= s.capacity {
		s.evictOldest()
	}

	s.order = append(s.order, r.ID)
	s.byID[r.ID] = r
	s.byType[r.Type] = append(s.byType[r.Type], r.ID)
	if r.CorrelationID != "" {
		s.byCorr[r.CorrelationID] = append(s.byCorr[r.CorrelationID], r.ID)
	}
	return nil
}

// evictOldest removes the head of the insertion order. The oldest
// record overall is also the oldest of its own type and correlation
// lists, so those pop from the front too.
func (s *MemoryStore) evictOldest() {
	id := s.order[0]
	s.order = s.order[1:]

	r := s.byID[id]
	delete(s.byID, id)

	if ids := s.byType[r.Type]; len(ids) > 0 && ids[0] == id {
		if len(ids) == 1 {
			delete(s.byType, r.Type)
		} else {
			s.byType[r.Type] = ids[1:]
		}
	}
	if r.CorrelationID != "" {
		if ids := s.byCorr[r.CorrelationID]; len(ids) > 0 && ids[0] == id {
			if len(ids) == 1 {
				delete(s.byCorr, r.CorrelationID)
			} else {
				s.byCorr[r.CorrelationID] = ids[1:]
			}
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrStoreClosed
	}
	r, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ByType(ctx context.Context, eventType string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.collectNewest(s.byType[eventType], limit), nil
}

func (s *MemoryStore) ByCorrelation(ctx context.Context, corrID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ids := s.byCorr[corrID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *MemoryStore) Range(ctx context.Context, from, to time.Time, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []Record
	for _, id := range s.order {
		r := s.byID[id]
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Search(ctx context.Context, substr string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []Record
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.byID[s.order[i]]
		if !strings.Contains(string(r.Payload), substr) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Recent(ctx context.Context, n int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.collectNewest(s.order, n), nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrStoreClosed
	}

	stats := Stats{
		Total:    len(s.order),
		ByType:   make(map[string]int, len(s.byType)),
		BySource: make(map[string]int),
	}
	for t, ids := range s.byType {
		stats.ByType[t] = len(ids)
	}
	for _, id := range s.order {
		r := s.byID[id]
		stats.BySource[r.Source]++
		if stats.Oldest.IsZero() || r.Timestamp.Before(stats.Oldest) {
			stats.Oldest = r.Timestamp
		}
		if r.Timestamp.After(stats.Newest) {
			stats.Newest = r.Timestamp
		}
	}
	return stats, nil
}

func (s *MemoryStore) Activity(ctx context.Context, window time.Duration) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	cutoff := time.Now().Add(-window)
	out := make(map[string]int)
	for _, id := range s.order {
		r := s.byID[id]
		if r.Timestamp.Before(cutoff) {
			continue
		}
		out[r.Type]++
	}
	return out, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return len(s.order), nil
}

// Close marks the store closed. Stored records are released.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.order = nil
	s.byID = nil
	s.byType = nil
	s.byCorr = nil
	return nil
}

// collectNewest returns up to limit records for the given IDs, newest
// first.
func (s *MemoryStore) collectNewest(ids []string, limit int) []Record {
	n := len(ids)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.byID[ids[i]])
	}
	return out
}
