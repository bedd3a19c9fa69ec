// Package dedupe provides a short-lived set of in-flight message ids, used
// to absorb duplicate delivery: the same message can arrive via an
// optimistic local echo and the remote feed, or be replayed by a retried
// persistence call.
package dedupe

import (
	"sync"
	"time"
)

// DefaultTTL is how long an id stays claimed before self-expiring.
const DefaultTTL = 5 * time.Second

// sweepThreshold triggers a full expired-entry sweep on insert.
const sweepThreshold = 64

// Cache is an expiring set of message ids. Safe for concurrent use.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTTL overrides the expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewCache creates an empty Cache with the default 5s expiry.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		ttl:     DefaultTTL,
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BeginProcessing claims id for processing. It returns false when the id is
// already claimed and unexpired, in which case the caller must skip the
// message.
func (c *Cache) BeginProcessing(id string) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if deadline, ok := c.expires[id]; ok && now.Before(deadline) {
		return false
	}

	if len(c.expires) >= sweepThreshold {
		c.sweepLocked(now)
	}

	c.expires[id] = now.Add(c.ttl)
	return true
}

// Contains reports whether id currently holds an unexpired claim.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := c.expires[id]
	return ok && c.now().Before(deadline)
}

// Forget drops a claim early. Used when an optimistic echo is reconciled to
// its confirmed id.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expires, id)
}

// Rename transfers a claim from an optimistic temporary id to the id the
// remote store confirmed, keeping the original deadline.
func (c *Cache) Rename(oldID, newID string) {
	if oldID == "" || newID == "" || oldID == newID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := c.expires[oldID]
	if !ok {
		return
	}
	delete(c.expires, oldID)
	c.expires[newID] = deadline
}

// Len returns the number of tracked claims, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expires)
}

func (c *Cache) sweepLocked(now time.Time) {
	for id, deadline := range c.expires {
		if !now.Before(deadline) {
			delete(c.expires, id)
		}
	}
}
