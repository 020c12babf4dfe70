package cache

import (
	"encoding/json"
	"slices"
	"time"
)

// CacheEntry represents a cached GraphQL response.
type CacheEntry struct {
	// Data is the response's data document
	Data json.RawMessage `json:"data"`

	// Tags are the invalidation tags of the response
	Tags []string `json:"tags,omitempty"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry creates an entry that expires ttl from now.
func NewEntry(data json.RawMessage, tags []string, ttl time.Duration) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Data:     data,
		Tags:     tags,
		Expires:  now.Add(ttl),
		CachedAt: now,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long ago the entry was cached.
func (e *CacheEntry) Age() time.Duration {
	return time.Since(e.CachedAt)
}

// HasTag reports whether the entry carries tag.
func (e *CacheEntry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}
