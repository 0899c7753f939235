// ABOUTME: Counter stores backing fixed-window rate limits
// ABOUTME: In-memory, SQLite and Redis implementations of one atomic increment

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore atomically counts one hit for subject in the window
// [start, end) and returns the count after the increment. A hit in a newer
// window than the one stored resets the count.
type CounterStore interface {
	Increment(ctx context.Context, subject string, start, end time.Time) (int64, error)
}

// MemoryCounter keeps windows in process memory.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	hits    int
}

type memoryWindow struct {
	start time.Time
	end   time.Time
	count int64
}

// pruneEvery bounds how often MemoryCounter scans for finished windows.
const pruneEvery = 4096

// NewMemoryCounter creates an empty in-memory counter store.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*memoryWindow)}
}

// Increment implements CounterStore.
func (m *MemoryCounter) Increment(_ context.Context, subject string, start, end time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits++
	if m.hits%pruneEvery == 0 {
		m.pruneLocked(start)
	}

	w, ok := m.windows[subject]
	switch {
	case !ok:
		w = &memoryWindow{start: start, end: end}
		m.windows[subject] = w
	case w.start.Before(start):
		w.start, w.end, w.count = start, end, 0
	}
	w.count++
	return w.count, nil
}

// pruneLocked drops windows that ended before now.
func (m *MemoryCounter) pruneLocked(now time.Time) {
	for subject, w := range m.windows {
		if !w.end.After(now) {
			delete(m.windows, subject)
		}
	}
}

// WindowStore is the slice of the gateway store that SQLiteCounter needs.
type WindowStore interface {
	IncrementWindow(ctx context.Context, subject string, windowStart time.Time) (int64, error)
}

// SQLiteCounter counts in the gateway's SQLite database.
type SQLiteCounter struct {
	store WindowStore
}

// NewSQLiteCounter wraps a window store.
func NewSQLiteCounter(store WindowStore) *SQLiteCounter {
	return &SQLiteCounter{store: store}
}

// Increment implements CounterStore.
func (s *SQLiteCounter) Increment(ctx context.Context, subject string, start, _ time.Time) (int64, error) {
	return s.store.IncrementWindow(ctx, subject, start)
}

// incrementScript counts a hit and arms the key's expiry on the first one.
var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// redisExpiryGrace keeps a window key alive a little past its end so that
// late requests from lagging clocks still find it.
const redisExpiryGrace = time.Second

// RedisCounter counts in Redis. Each window is its own key, so rollover is
// a new key and old windows expire on their own.
type RedisCounter struct {
	client redis.Scripter
	prefix string
}

// NewRedisCounter creates a counter store on client. Keys are namespaced by prefix.
func NewRedisCounter(client redis.Scripter, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// Increment implements CounterStore.
func (r *RedisCounter) Increment(ctx context.Context, subject string, start, end time.Time) (int64, error) {
	key := r.prefix + subject + ":" + strconv.FormatInt(start.UnixMilli(), 10)
	ttl := end.Sub(start) + redisExpiryGrace

	n, err := incrementScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing redis window: %w", err)
	}
	return n, nil
}
