// ABOUTME: TTL cache mapping recent client send keys to their persisted messages
// ABOUTME: A resubmitted send resolves to the original message instead of appending twice

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/jobgrid/messaging/internal/store"
)

// entry stores one remembered send with its expiry bookkeeping.
type entry struct {
	msg       *store.Message
	timestamp time.Time
	element   *list.Element
}

// Cache remembers which client send keys have already produced a persisted
// message, within a TTL window and a size bound. Clients that retry a send
// (reconnect, timeout, double tap) resolve to the original message rather
// than appending a second copy. Oldest entries are evicted in O(1) via an
// insertion-ordered list.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key builds the dedupe key for a client send. Scoped to sender and
// conversation so one client's IDs cannot shadow another's.
func Key(sender, conversationID, clientMsgID string) string {
	return sender + "\x1f" + conversationID + "\x1f" + clientMsgID
}

// Lookup returns the message previously remembered under key, if it is
// still within the TTL window.
func (c *Cache) Lookup(key string) (*store.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Since(e.timestamp) >= c.ttl {
		return nil, false
	}
	return e.msg, true
}

// Remember records that key produced msg. Only called after a successful
// persist: a failed send is never remembered, so the client's resubmission
// goes through as a fresh send.
func (c *Cache) Remember(key string, msg *store.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// Refresh an existing entry in place
	if e, exists := c.entries[key]; exists {
		e.msg = msg
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &entry{
		msg:       msg,
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
	delete(c.entries, key)
}

// cleanup periodically removes expired entries until Close.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops every entry older than the TTL.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.timestamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
