// Package common provides the in-process (L1) cache layer.
package common

import (
	"sync"
	"time"
)

// =============================================================================
// L1 Cache - In-Memory with O(1) LRU Eviction (Doubly Linked List)
// =============================================================================

type lruNode struct {
	key  string
	prev *lruNode
	next *lruNode
}

// L1Cache is a TTL map with O(1) LRU eviction. Each instance owns its
// cleanup goroutine until Close is called.
type L1Cache[V any] struct {
	data     map[string]*l1Entry[V]
	mu       sync.RWMutex
	maxItems int
	ttl      time.Duration
	now      func() time.Time

	lruHead *lruNode
	lruTail *lruNode
	nodeMap map[string]*lruNode

	hits   int64
	misses int64

	stop     chan struct{}
	stopOnce sync.Once
}

type l1Entry[V any] struct {
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// L1Config configures the L1 cache
type L1Config struct {
	MaxItems        int
	TTL             time.Duration
	CleanupInterval time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func DefaultL1Config() L1Config {
	return L1Config{
		MaxItems:        10000,
		TTL:             5 * time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}

// NewL1Cache creates a new L1 cache with O(1) LRU eviction
func NewL1Cache[V any](config L1Config) *L1Cache[V] {
	def := DefaultL1Config()
	if config.MaxItems <= 0 {
		config.MaxItems = def.MaxItems
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	head := &lruNode{}
	tail := &lruNode{}
	head.next = tail
	tail.prev = head

	cache := &L1Cache[V]{
		data:     make(map[string]*l1Entry[V]),
		maxItems: config.MaxItems,
		ttl:      config.TTL,
		now:      config.Now,
		lruHead:  head,
		lruTail:  tail,
		nodeMap:  make(map[string]*lruNode),
		stop:     make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go cache.cleanupLoop(config.CleanupInterval)
	}

	return cache
}

// Get returns the value only while now is strictly before storedAt+TTL.
func (c *L1Cache[V]) Get(key string) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.data[key]
	if !ok {
		c.misses++
		return zero, time.Time{}, false
	}

	if !c.now().Before(entry.expiresAt) {
		c.deleteLocked(key)
		c.misses++
		return zero, time.Time{}, false
	}

	c.hits++
	c.updateAccessOrder(key)
	return entry.value, entry.storedAt, true
}

// Set overwrites key with a fresh TTL.
func (c *L1Cache[V]) Set(key string, value V) time.Time {
	now := c.now()
	c.SetAt(key, value, now)
	return now
}

// SetAt stores a value that was produced at storedAt; it expires at storedAt+TTL.
func (c *L1Cache[V]) SetAt(key string, value V, storedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxItems {
		c.evictLRU()
	}

	c.data[key] = &l1Entry[V]{
		value:     value,
		storedAt:  storedAt,
		expiresAt: storedAt.Add(c.ttl),
	}
	c.updateAccessOrder(key)
}

// Now exposes the cache clock so callers stamp values consistently.
func (c *L1Cache[V]) Now() time.Time {
	return c.now()
}

// Delete removes a key from the cache
func (c *L1Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

// DeleteFunc removes every entry for which match returns true and reports how many went.
func (c *L1Cache[V]) DeleteFunc(match func(key string, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.data {
		if match(key, entry.value) {
			c.deleteLocked(key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries
func (c *L1Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*l1Entry[V])
	c.lruHead.next = c.lruTail
	c.lruTail.prev = c.lruHead
	c.nodeMap = make(map[string]*lruNode)
}

func (c *L1Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the cleanup goroutine. The cache stays usable.
func (c *L1Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Stats returns cache statistics
func (c *L1Cache[V]) Stats() L1Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hitRate := float64(0)
	total := c.hits + c.misses
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return L1Stats{
		Items:    len(c.data),
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  hitRate,
		MaxItems: c.maxItems,
		TTL:      c.ttl,
	}
}

// L1Stats contains cache statistics
type L1Stats struct {
	Items    int           `json:"items"`
	Hits     int64         `json:"hits"`
	Misses   int64         `json:"misses"`
	HitRate  float64       `json:"hit_rate"`
	MaxItems int           `json:"max_items"`
	TTL      time.Duration `json:"ttl"`
}

// =============================================================================
// Internal Methods - O(1) LRU with Doubly Linked List
// =============================================================================

func (c *L1Cache[V]) deleteLocked(key string) {
	delete(c.data, key)
	c.removeFromAccessOrder(key)
}

func (c *L1Cache[V]) moveToFront(node *lruNode) {
	node.prev.next = node.next
	node.next.prev = node.prev

	node.next = c.lruHead.next
	node.prev = c.lruHead
	c.lruHead.next.prev = node
	c.lruHead.next = node
}

func (c *L1Cache[V]) addToFront(key string) {
	node := &lruNode{key: key}

	node.next = c.lruHead.next
	node.prev = c.lruHead
	c.lruHead.next.prev = node
	c.lruHead.next = node

	c.nodeMap[key] = node
}

func (c *L1Cache[V]) updateAccessOrder(key string) {
	if node, ok := c.nodeMap[key]; ok {
		c.moveToFront(node)
	} else {
		c.addToFront(key)
	}
}

func (c *L1Cache[V]) removeFromAccessOrder(key string) {
	if node, ok := c.nodeMap[key]; ok {
		node.prev.next = node.next
		node.next.prev = node.prev
		delete(c.nodeMap, key)
	}
}

func (c *L1Cache[V]) evictLRU() {
	// Evict 10% of items or at least 1
	evictCount := c.maxItems / 10
	if evictCount < 1 {
		evictCount = 1
	}

	for i := 0; i < evictCount && c.lruTail.prev != c.lruHead; i++ {
		c.deleteLocked(c.lruTail.prev.key)
	}
}

func (c *L1Cache[V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *L1Cache[V]) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.data {
		if !now.Before(entry.expiresAt) {
			c.deleteLocked(key)
		}
	}
}
