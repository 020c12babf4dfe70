package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemorySize is the default number of entries in the memory layer.
const DefaultMemorySize = 1024

// MemoryCache is an in-memory LRU cache with TTL and a tag index.
type MemoryCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *CacheEntry]
	tags  map[string]map[string]struct{}
}

// NewMemoryCache creates a new in-memory cache holding at most size entries.
func NewMemoryCache(size int) (*MemoryCache, error) {
	mc := &MemoryCache{
		tags: make(map[string]map[string]struct{}),
	}

	cache, err := lru.NewWithEvict[string, *CacheEntry](size, mc.onEvict)
	if err != nil {
		return nil, err
	}
	mc.cache = cache

	return mc, nil
}

// onEvict runs inside lru calls, which all happen with mc.mu held.
func (mc *MemoryCache) onEvict(key string, entry *CacheEntry) {
	for _, tag := range entry.Tags {
		keys := mc.tags[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(mc.tags, tag)
		}
	}
	MemoryEntries.Dec()
}

// Get retrieves an unexpired entry.
func (mc *MemoryCache) Get(key string) (*CacheEntry, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, ok := mc.cache.Get(key)
	if !ok {
		return nil, false
	}

	if entry.IsExpired() {
		mc.cache.Remove(key)
		return nil, false
	}

	return entry, true
}

// Set stores an entry, replacing any previous entry under key.
func (mc *MemoryCache) Set(key string, entry *CacheEntry) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	// drop the old entry first so its tags leave the index
	mc.cache.Remove(key)

	mc.cache.Add(key, entry)
	MemoryEntries.Inc()
	for _, tag := range entry.Tags {
		keys, ok := mc.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			mc.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

// Delete removes an entry.
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.cache.Remove(key)
}

// InvalidateTag removes every entry carrying tag and returns their keys.
func (mc *MemoryCache) InvalidateTag(tag string) []string {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	keys := mc.tags[tag]
	removed := make([]string, 0, len(keys))
	for key := range keys {
		removed = append(removed, key)
	}
	// Remove mutates mc.tags through onEvict, so iterate the copy
	for _, key := range removed {
		mc.cache.Remove(key)
	}

	return removed
}

// RemoveExpired drops every expired entry and returns how many were removed.
func (mc *MemoryCache) RemoveExpired() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	removed := 0
	for _, key := range mc.cache.Keys() {
		entry, ok := mc.cache.Peek(key)
		if ok && entry.IsExpired() {
			mc.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired ones included.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cache.Len()
}
