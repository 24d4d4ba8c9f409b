package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long inbound message IDs are remembered.
const DefaultDedupeTTL = 10 * time.Minute

// Deduper answers whether an inbound message ID was seen before.
// The first query for an ID records it as a side effect, so callers
// ask exactly once per delivery.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
}

// MemoryDeduper remembers IDs in-process with a TTL. Suitable for a
// single instance; multi-instance deployments want RedisDeduper.
type MemoryDeduper struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryDeduper creates an in-memory deduper. A janitor goroutine
// evicts expired IDs; call Close to stop it.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	d := &MemoryDeduper{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		stop: make(chan struct{}),
	}
	go d.janitor()
	return d
}

// Seen reports whether the ID was recorded within the TTL, recording it
// when it was not.
func (d *MemoryDeduper) Seen(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if expiry, ok := d.seen[id]; ok && now.Before(expiry) {
		return true, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return false, nil
}

// Close stops the janitor. Idempotent.
func (d *MemoryDeduper) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *MemoryDeduper) janitor() {
	ticker := time.NewTicker(d.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			d.mu.Lock()
			for id, expiry := range d.seen {
				if now.After(expiry) {
					delete(d.seen, id)
				}
			}
			d.mu.Unlock()
		case <-d.stop:
			return
		}
	}
}

// RedisDeduper remembers IDs in Redis so multiple bridge instances
// share one dedupe window.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{
		client: client,
		ttl:    ttl,
		prefix: "taskflow:dedupe:",
	}
}

// Seen records the ID with SETNX and reports whether it already existed.
func (d *RedisDeduper) Seen(ctx context.Context, id string) (bool, error) {
	created, err := d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}
