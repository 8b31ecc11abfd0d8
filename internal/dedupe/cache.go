// ABOUTME: Bounded TTL cache of recently seen idempotency keys (saveIds)
// ABOUTME: Lets a tab recognize echoes of its own writes and replays of applied broadcasts

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered key. Entries live in insertion/refresh order.
type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for at most ttl and holds at most maxSize of them.
// Expired entries are dropped lazily on every call; no goroutine is started.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	index   map[string]*list.Element
	order   *list.List // oldest at front
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache. A non-positive maxSize means 1.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		index:   make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(c.now())
	_, ok := c.index[key]
	return ok
}

// Mark records key, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)
	c.markLocked(key, now)
}

// CheckAndMark marks key and reports whether it had already been seen.
// A true result means the caller is looking at a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)
	if _, ok := c.index[key]; ok {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(c.now())
	return len(c.index)
}

func (c *Cache) markLocked(key string, now time.Time) {
	if el, ok := c.index[key]; ok {
		el.Value.(*entry).seenAt = now
		c.order.MoveToBack(el)
		return
	}
	for len(c.index) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
}

// expireLocked drops entries older than ttl. The list is ordered by seenAt,
// so it stops at the first live entry.
func (c *Cache) expireLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
