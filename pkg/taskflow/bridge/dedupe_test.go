package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formworks/taskflow/pkg/taskflow/bridge"
)

// TestMemoryDeduper verifies the first-seen contract and TTL expiry.
func TestMemoryDeduper(t *testing.T) {
	d := bridge.NewMemoryDeduper(50 * time.Millisecond)
	defer d.Close()
	ctx := context.Background()

	seen, err := d.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen, "first sighting must not be a duplicate")

	seen, err = d.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen, "second sighting within TTL must be a duplicate")

	seen, err = d.Seen(ctx, "msg-2")
	require.NoError(t, err)
	assert.False(t, seen, "distinct IDs are independent")

	time.Sleep(80 * time.Millisecond)
	seen, err = d.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen, "expired IDs are forgotten")
}

// TestMemoryDeduperClose verifies Close is idempotent and Seen still
// answers afterwards (only the janitor stops).
func TestMemoryDeduperClose(t *testing.T) {
	d := bridge.NewMemoryDeduper(time.Minute)
	d.Close()
	d.Close()

	seen, err := d.Seen(context.Background(), "after-close")
	require.NoError(t, err)
	assert.False(t, seen)
}

// TestRedisDeduper runs the same contract against a Redis instance.
func TestRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := bridge.NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// TTL governs the dedupe window.
	mr.FastForward(2 * time.Minute)
	seen, err = d.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

// TestRedisDeduperError surfaces store failures so the bridge can fail
// open.
func TestRedisDeduperError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := bridge.NewRedisDeduper(client, time.Minute)

	require.NoError(t, client.Close())
	_, err := d.Seen(context.Background(), "msg-1")
	assert.Error(t, err)
}
