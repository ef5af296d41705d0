// Package cache holds string keys until a deadline. It backs the in-process
// token revocation list.
package cache

import (
	"sync"
	"time"
)

// Cache is safe for concurrent use. Expired keys read as absent and stay in
// memory until Prune.
type Cache struct {
	mu    sync.RWMutex
	until map[string]time.Time
	now   func() time.Time
}

func New() *Cache {
	return &Cache{until: map[string]time.Time{}, now: time.Now}
}

// Add keeps key until the given time. Re-adding moves the deadline, never
// backwards.
func (c *Cache) Add(key string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.until[key]; ok && cur.After(until) {
		return
	}
	c.until[key] = until
}

// AddIfAbsent adds key only when it is missing or expired, and reports
// whether it did.
func (c *Cache) AddIfAbsent(key string, until time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.until[key]; ok && c.now().Before(cur) {
		return false
	}
	c.until[key] = until
	return true
}

// Has reports whether key is present and not expired.
func (c *Cache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	until, ok := c.until[key]
	return ok && c.now().Before(until)
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.until, key)
}

// Len counts entries, expired ones included until the next Prune
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.until)
}

// Prune drops expired entries and returns how many were removed
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, until := range c.until {
		if !now.Before(until) {
			delete(c.until, key)
			removed++
		}
	}
	return removed
}
