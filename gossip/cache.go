package gossip

import "sync"

// DefaultCacheCapacity bounds how many recently broadcast payload digests
// a node remembers for loop suppression.
const DefaultCacheCapacity = 10

// RecentCache is a fixed-capacity, insertion-ordered set of payload
// digests. Inserting past capacity evicts the oldest entry (FIFO). It is
// used only for membership testing against the digest of a broadcast
// payload's content.
type RecentCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

func NewRecentCache(capacity int) *RecentCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &RecentCache{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Contains reports whether the digest was recently inserted.
func (c *RecentCache) Contains(digest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[digest]
	return ok
}

// Insert records a digest, evicting the oldest entry when at capacity.
// Inserting a digest that is already present is a no-op.
func (c *RecentCache) Insert(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[digest]; ok {
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.order = append(c.order, digest)
	c.seen[digest] = struct{}{}
}

// Len returns the number of digests currently held.
func (c *RecentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
