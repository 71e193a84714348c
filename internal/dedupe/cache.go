// ABOUTME: Bounded TTL cache of inbound delivery ids
// ABOUTME: Lets transports drop redelivered messages before they reach the engine

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers delivery ids for a TTL, up to maxSize entries. When full,
// the least recently seen id is forgotten first.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // least recently seen at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

// Key builds a cache key scoped to a transport, so ids from different
// transports never collide.
func Key(transport, deliveryID string) string {
	return transport + "\x00" + deliveryID
}

// CheckAndMark records key and reports whether it was already live.
// True means the delivery is a duplicate and should be dropped.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.recordLocked(key)
	return false
}

// Forget removes key so a retry of the same delivery is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// size returns the number of entries currently held, expired or not.
func (c *Cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) liveLocked(key string) bool {
	e, ok := c.entries[key]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) recordLocked(key string) {
	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	for len(c.entries) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.order.Remove(front)
		delete(c.entries, front.Value.(string))
	}

	c.entries[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

// sweep drops expired entries. The list is ordered by last sighting, so it
// stops at the first live entry.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if now.Sub(c.entries[key].seenAt) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.entries, key)
		removed++
	}
	return removed
}

func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return time.Minute
	case ttl < time.Second:
		return time.Second
	case ttl > time.Minute:
		return time.Minute
	default:
		return ttl
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
