// ABOUTME: Tests for the SQLite fixed-window counter
// ABOUTME: Verifies rollover, stale windows and concurrent increments

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementWindow_Rollover(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w1 := time.Unix(1_700_000_000, 0)
	w2 := w1.Add(time.Second)

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrementWindow(ctx, "org:a:rps", w1)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := s.IncrementWindow(ctx, "org:a:rps", w2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "new window starts from one")

	// A straggler from the previous window counts against the current one.
	got, err = s.IncrementWindow(ctx, "org:a:rps", w1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	other, err := s.IncrementWindow(ctx, "org:b:rps", w2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestIncrementWindow_Concurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	window := time.Unix(1_700_000_000, 0)

	const workers = 40
	var wg sync.WaitGroup
	results := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.IncrementWindow(ctx, "org:c:rps", window)
			if err != nil {
				t.Errorf("IncrementWindow() error = %v", err)
				return
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for n := range results {
		assert.False(t, seen[n], "count %d returned twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers)
	for i := int64(1); i <= workers; i++ {
		assert.True(t, seen[i], "missing count %d", i)
	}
}
