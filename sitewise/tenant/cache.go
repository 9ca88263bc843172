package tenant

import (
	"context"
	"sync"
	"time"
)

// Cache stores resolved sites for a bounded lifetime. Implementations must
// be safe for concurrent use. Cache failures are never fatal to resolution;
// the resolver degrades to database lookups.
type Cache interface {
	Get(ctx context.Context, key string) (Site, bool, error)
	Set(ctx context.Context, key string, site Site, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	site      Site
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache. Expired entries are dropped
// lazily on read and swept opportunistically on write.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		nowFn:   time.Now,
	}
}

// Get returns the cached site for key if present and unexpired.
func (cache *MemoryCache) Get(_ context.Context, key string) (Site, bool, error) {
	cache.mu.RLock()
	entry, ok := cache.entries[key]
	cache.mu.RUnlock()

	if !ok {
		return Site{}, false, nil
	}

	if cache.nowFn().After(entry.expiresAt) {
		cache.mu.Lock()
		delete(cache.entries, key)
		cache.mu.Unlock()

		return Site{}, false, nil
	}

	return entry.site, true, nil
}

// Set stores site under key for ttl.
func (cache *MemoryCache) Set(_ context.Context, key string, site Site, ttl time.Duration) error {
	now := cache.nowFn()

	cache.mu.Lock()
	defer cache.mu.Unlock()

	for k, entry := range cache.entries {
		if now.After(entry.expiresAt) {
			delete(cache.entries, k)
		}
	}

	cache.entries[key] = memoryEntry{site: site, expiresAt: now.Add(ttl)}

	return nil
}

// Delete removes key.
func (cache *MemoryCache) Delete(_ context.Context, key string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	delete(cache.entries, key)

	return nil
}
