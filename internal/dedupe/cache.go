// Package dedupe drops redelivered inbound messages. Channels retry
// deliveries they did not see acknowledged in time; the message id stays the
// same, so remembering recent ids for a while is enough.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache is a size bounded set of recently seen keys. Entries older than the
// TTL no longer count as seen. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. maxSize <= 0 means 10000 keys.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Seen reports whether key was marked within the TTL and marks it otherwise.
// Check and mark happen atomically, so of two concurrent deliveries exactly
// one is reported as new.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		c.order.Remove(el)
		delete(c.index, key)
	}

	if c.order.Len() >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.index, front.Value.(*entry).key)
		}
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// expireLocked drops expired entries from the front. Insertion order equals
// timestamp order, so it stops at the first live entry.
func (c *Cache) expireLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return
		}
		c.order.Remove(el)
		delete(c.index, e.key)
	}
}
