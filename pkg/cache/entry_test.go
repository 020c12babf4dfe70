package cache

import (
	"testing"
	"time"
)

func TestCacheEntry_IsExpired(t *testing.T) {
	tests := []struct {
		name     string
		expires  time.Time
		expected bool
	}{
		{"not expired", time.Now().Add(5 * time.Minute), false},
		{"expired", time.Now().Add(-5 * time.Minute), true},
		{"just expired", time.Now().Add(-1 * time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{Expires: tt.expires}
			if result := entry.IsExpired(); result != tt.expected {
				t.Errorf("IsExpired() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestCacheEntry_TTL(t *testing.T) {
	entry := &CacheEntry{Expires: time.Now().Add(-time.Minute)}
	if ttl := entry.TTL(); ttl != 0 {
		t.Errorf("TTL() = %v, want 0 for expired entry", ttl)
	}

	entry = NewEntry([]byte(`{}`), nil, 10*time.Minute)
	if ttl := entry.TTL(); ttl < 9*time.Minute || ttl > 10*time.Minute {
		t.Errorf("TTL() = %v, want ~10m", ttl)
	}
}

func TestCacheEntry_HasTag(t *testing.T) {
	entry := NewEntry([]byte(`{}`), []string{"anime", "anime-trending"}, time.Minute)

	if !entry.HasTag("anime-trending") {
		t.Error("HasTag(anime-trending) = false, want true")
	}
	if entry.HasTag("anime-popular") {
		t.Error("HasTag(anime-popular) = true, want false")
	}
}
