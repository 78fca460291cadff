package cache

import (
	"sync"
	"time"
)

// entry holds a cached value with its expiration.
type entry struct {
	value      string
	expiration time.Time
}

// TTLCache is a thread-safe in-memory string cache with per-key TTL.
type TTLCache struct {
	mu    sync.Mutex
	items map[string]entry
}

// NewTTLCache creates a new cache instance.
func NewTTLCache() *TTLCache {
	return &TTLCache{
		items: make(map[string]entry),
	}
}

// Get retrieves a value if it exists and hasn't expired.
func (c *TTLCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiration) {
		delete(c.items, key)
		return "", false
	}
	return e.value, true
}

// GetDel retrieves a value and removes it in the same critical section, so a
// key can be consumed at most once.
func (c *TTLCache) GetDel(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return "", false
	}
	delete(c.items, key)
	if time.Now().After(e.expiration) {
		return "", false
	}
	return e.value, true
}

// Set stores a value with the given TTL.
func (c *TTLCache) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry{
		value:      value,
		expiration: time.Now().Add(ttl),
	}
}

// Delete removes a key.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Sweep removes all expired entries and reports how many were dropped.
func (c *TTLCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	dropped := 0
	for key, e := range c.items {
		if now.After(e.expiration) {
			delete(c.items, key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}
