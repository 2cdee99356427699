// Package cache holds recently fetched ciphertext so repeated views of the
// same file skip the storage round trip. Only encrypted bytes are cached.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// CacheEntry represents a cached item.
type CacheEntry struct {
	Data      []byte
	Metadata  map[string]string
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache is an interface for caching objects.
type Cache interface {
	// Get retrieves a cached object.
	Get(ctx context.Context, key string) (*CacheEntry, bool)

	// Set stores an object in the cache.
	Set(ctx context.Context, key string, data []byte, metadata map[string]string, ttl time.Duration) error

	// Delete removes an object from the cache.
	Delete(ctx context.Context, key string) error

	// Clear clears all cached objects.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type item struct {
	key   string
	entry *CacheEntry
}

// memoryCache is an LRU cache bounded by total bytes and item count.
type memoryCache struct {
	mu       sync.Mutex
	order    *list.List // front is most recently used
	items    map[string]*list.Element
	size     int64
	maxSize  int64
	maxItems int
	stats    CacheStats
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return newMemoryCache(maxSize, maxItems, defaultTTL, time.Now)
}

func newMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration, now func() time.Time) *memoryCache {
	return &memoryCache{
		order:    list.New(),
		items:    make(map[string]*list.Element),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
		now:      now,
	}
}

// Get retrieves a cached object and marks it recently used.
func (c *memoryCache) Get(_ context.Context, key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	it := el.Value.(*item)
	if it.entry.IsExpired(c.now()) {
		c.removeLocked(el)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return it.entry, true
}

// Set stores an object in the cache, evicting least recently used entries.
func (c *memoryCache) Set(_ context.Context, key string, data []byte, metadata map[string]string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	entrySize := int64(len(data))
	if entrySize > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", entrySize, c.maxSize)
	}

	entry := &CacheEntry{
		Data:      data,
		Metadata:  metadata,
		ExpiresAt: c.now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}

	c.evictExpiredLocked()
	for c.order.Len() > 0 && (c.size+entrySize > c.maxSize || c.order.Len() >= c.maxItems) {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}

	c.items[key] = c.order.PushFront(&item{key: key, entry: entry})
	c.size += entrySize
	return nil
}

// Delete removes an object from the cache.
func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Clear clears all cached objects.
func (c *memoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
	c.stats = CacheStats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = c.order.Len()
	return stats
}

func (c *memoryCache) removeLocked(el *list.Element) {
	it := c.order.Remove(el).(*item)
	delete(c.items, it.key)
	c.size -= int64(len(it.entry.Data))
}

func (c *memoryCache) evictExpiredLocked() {
	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*item).entry.IsExpired(now) {
			c.removeLocked(el)
			c.stats.Evictions++
		}
		el = prev
	}
}
