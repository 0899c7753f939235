// ABOUTME: Thread-safe TTL set for debouncing repeated per-key side effects
// ABOUTME: Bounded in size with oldest-first eviction and background expiry

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores when a key was marked and its position in the eviction order.
type entry struct {
	markedAt time.Time
	element  *list.Element
}

// Cache is a bounded set of keys that expire ttl after being marked.
// Eviction order is a doubly-linked list so that evicting the oldest key is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and capacity and starts its
// background expiry goroutine. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.expireLoop(expiryInterval(ttl))
	return c
}

// expiryInterval sweeps at most once a minute and at least once per TTL.
func expiryInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Second
	}
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Check returns true if the key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark reports whether key was marked within the TTL and, if it was
// not, marks it now. Concurrent callers racing on the same key see exactly
// one false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen now, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Len returns the number of tracked keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) liveLocked(key string) bool {
	e, ok := c.entries[key]
	return ok && c.now().Sub(e.markedAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.now()

	if e, ok := c.entries[key]; ok {
		e.markedAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[key] = &entry{
		markedAt: now,
		element:  c.order.PushBack(key),
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) expireLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Keys are ordered by mark time, so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.entries[key].markedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the background expiry goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
