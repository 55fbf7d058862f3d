// ABOUTME: Thread-safe TTL cache of recently finished job ids and their outcome.
// ABOUTME: Stops the agent from running a job again while its final status is still settling.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds the cache when no size is given.
const DefaultMaxSize = 1024

// entry is one finished job.
type entry struct {
	key      string
	outcome  string
	markedAt time.Time
}

// Cache remembers keys for a fixed TTL. The oldest key is evicted once
// maxSize is reached. Expired keys are swept by a background goroutine.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // of *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// New creates a cache whose keys live for ttl. Call Close to stop the sweeper.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: DefaultMaxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Remember records key with its outcome, refreshing it if already present.
func (c *Cache) Remember(key, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.outcome = outcome
		e.markedAt = c.now()
		c.order.MoveToBack(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}

	c.entries[key] = c.order.PushBack(&entry{key: key, outcome: outcome, markedAt: c.now()})
}

// Lookup returns the outcome recorded for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}
	e := elem.Value.(*entry)
	if c.expiredLocked(e) {
		c.removeLocked(elem)
		return "", false
	}
	return e.outcome, true
}

// Forget removes key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expiredLocked(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.markedAt) >= c.ttl
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := c.order.Remove(elem).(*entry)
	delete(c.entries, e.key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
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

// sweep drops expired keys. Entries are ordered by mark time, so it stops
// at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Front(); elem != nil; {
		e := elem.Value.(*entry)
		if !c.expiredLocked(e) {
			return
		}
		next := elem.Next()
		c.removeLocked(elem)
		elem = next
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
