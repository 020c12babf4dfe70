package cache

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SetCacheHeaders writes Cache-Control and Cache-Tag for a response that
// may be cached for ttl.
func SetCacheHeaders(h http.Header, ttl time.Duration, tags []string) {
	seconds := int(ttl / time.Second)
	if seconds <= 0 {
		h.Set("Cache-Control", "no-store")
	} else {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", seconds))
	}

	if len(tags) > 0 {
		h.Set("Cache-Tag", strings.Join(tags, ","))
	}
}

// ApplyHeaders writes cache headers for entry using its remaining lifetime.
func ApplyHeaders(h http.Header, entry *CacheEntry) {
	if entry == nil {
		h.Set("Cache-Control", "no-store")
		return
	}
	SetCacheHeaders(h, entry.TTL(), entry.Tags)
}
