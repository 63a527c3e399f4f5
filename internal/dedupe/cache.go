// ABOUTME: Thread-safe TTL cache mapping client request ids to created sale ids.
// ABOUTME: Used by the command API so a double-submitted sale returns the first local id.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Outcome of a Claim call
type Outcome int

const (
	// Claimed means the key is new and the caller now owns it.
	Claimed Outcome = iota
	// Done means the key already completed; the stored value is returned.
	Done
	// InFlight means another caller owns the key and hasn't completed yet.
	InFlight
)

// cacheEntry stores the timestamp, value and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	value     int64
	done      bool
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map from request keys to
// the id produced for them. Uses a doubly-linked list to maintain insertion
// order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// A nil clock uses the wall clock. A background goroutine periodically
// cleans up expired entries.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Lookup returns the completed value for key if it is present and not expired.
func (c *Cache) Lookup(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || !entry.done || c.expired(entry) {
		return 0, false
	}
	return entry.value, true
}

// Claim atomically checks key and reserves it if unseen.
// On Done the stored value is returned.
func (c *Cache) Claim(key string) (int64, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && !c.expired(entry) {
		if entry.done {
			return entry.value, Done
		}
		return 0, InFlight
	}

	c.putLocked(key, 0, false)
	return 0, Claimed
}

// Complete stores the value for a claimed key and restarts its TTL.
func (c *Cache) Complete(key string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, true)
}

// Release drops a claim that did not complete so the key can be retried.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && !entry.done {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

func (c *Cache) expired(entry *cacheEntry) bool {
	return c.clock.Now().Sub(entry.timestamp) >= c.ttl
}

// putLocked inserts or refreshes a key. Must be called with mu held.
func (c *Cache) putLocked(key string, value int64, done bool) {
	now := c.clock.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.value = value
		entry.done = done
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		value:     value,
		done:      done,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
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
	for {
		select {
		case <-c.clock.After(time.Minute):
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

	for key, entry := range c.seen {
		if c.expired(entry) {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
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
