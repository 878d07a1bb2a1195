// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the task they created.
// ABOUTME: Used by the gateway so a retried submission returns the original task id.

package dedupe

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// cacheEntry stores the value, timestamp and list element for a cached key.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited map from idempotency key to task id.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	pending map[string]*inflight // keys whose create is running
	done    chan struct{}
	closed  bool
}

var errCreatePanicked = errors.New("dedupe: create panicked")

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		pending: make(map[string]*inflight),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (string, bool) {
	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.value, true
}

// Put records value for key, refreshing its TTL.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// inflight is a create call in progress for one key.
type inflight struct {
	done  chan struct{}
	value string
	err   error
}

// GetOrCreate returns the live value for key, or calls create and stores its
// result. existed reports whether the value came from another caller.
// create runs outside the cache lock; concurrent callers with the same key
// wait for it and share its value, callers with other keys do not wait. A
// create error is returned to its caller, nothing is stored and waiters try
// again.
func (c *Cache) GetOrCreate(key string, create func() (string, error)) (value string, existed bool, err error) {
	for {
		c.mu.Lock()
		if v, ok := c.getLocked(key); ok {
			c.mu.Unlock()
			return v, true, nil
		}
		if call, ok := c.pending[key]; ok {
			c.mu.Unlock()
			<-call.done
			if call.err == nil {
				return call.value, true, nil
			}
			continue
		}
		call := &inflight{done: make(chan struct{})}
		c.pending[key] = call
		c.mu.Unlock()

		c.runCreate(key, call, create)
		if call.err != nil {
			return "", false, call.err
		}
		return call.value, false, nil
	}
}

func (c *Cache) runCreate(key string, call *inflight, create func() (string, error)) {
	call.err = errCreatePanicked
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		if call.err == nil {
			c.putLocked(key, call.value)
		}
		c.mu.Unlock()
		close(call.done)
	}()
	call.value, call.err = create()
}

// Len returns the number of stored entries, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// putLocked must be called with mu held.
func (c *Cache) putLocked(key, value string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
