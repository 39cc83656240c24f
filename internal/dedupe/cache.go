// ABOUTME: Thread-safe TTL cache that makes client message submissions idempotent
// ABOUTME: A client_message_id is claimed once; retries within the TTL see the original message id

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Default sizing for the gateway's submission cache.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	key       string
	messageID string
	claimedAt time.Time
	element   *list.Element
}

// Cache remembers recently claimed keys for ttl. When full, the oldest claim
// is evicted. The zero value is not usable; call New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper. Callers must Close it.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Claim reserves key. If key is already held it reports true along with the
// message id recorded by Resolve (empty while the first submission is still
// being accepted).
func (c *Cache) Claim(key string) (messageID string, duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if !c.expired(e) {
			return e.messageID, true
		}
		c.removeLocked(e)
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*entry))
		}
	}

	e := &entry{key: key, claimedAt: c.now()}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	return "", false
}

// Resolve records the message id the claim produced.
func (c *Cache) Resolve(key, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.messageID = messageID
	}
}

// Release drops a claim so the key can be submitted again, used when the
// submission was rejected before anything was stored.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of live claims.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(e *entry) bool {
	return c.now().Sub(e.claimedAt) >= c.ttl
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.done:
			return
		}
	}
}

// purgeExpired walks from the oldest claim and stops at the first live one.
func (c *Cache) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if !c.expired(e) {
			return
		}
		c.removeLocked(e)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
