package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formworks/taskflow/pkg/taskflow/store"
)

func TestMemoryStoreConcurrent(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("evt-%d-%d", w, i)
				r := rec(id, "task.assigned", fmt.Sprintf("corr-%d", w), time.Now(), `{}`)
				if err := s.Append(ctx, r); err != nil {
					t.Errorf("Append %s: %v", id, err)
					return
				}
				if _, err := s.Get(ctx, id); err != nil {
					t.Errorf("Get %s: %v", id, err)
					return
				}
				if _, err := s.Recent(ctx, 5); err != nil {
					t.Errorf("Recent: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8*50, n)
}

func TestMemoryStoreEvictionKeepsChainsConsistent(t *testing.T) {
	s := store.NewMemoryStore(2)
	defer s.Close()
	ctx := context.Background()

	base := time.Unix(0, time.Now().UnixNano())
	for i := 0; i < 3; i++ {
		r := rec(fmt.Sprintf("evt-%d", i), "task.assigned", "corr-1", base.Add(time.Duration(i)*time.Second), `{}`)
		require.NoError(t, s.Append(ctx, r))
	}

	chain, err := s.ByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "evt-1", chain[0].ID)
	assert.Equal(t, "evt-2", chain[1].ID)

	byType, err := s.ByType(ctx, "task.assigned", 0)
	require.NoError(t, err)
	require.Len(t, byType, 2)
	assert.Equal(t, "evt-2", byType[0].ID)
}
