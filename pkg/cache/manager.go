package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// InvalidationChannel is the Redis pub/sub channel on which every Manager
// sharing a Redis announces invalidated tags.
const InvalidationChannel = "gql:invalidate"

// DefaultSweepInterval is the number of writes between sweeps of expired
// memory entries.
const DefaultSweepInterval = 256

// Config holds the cache manager configuration.
type Config struct {
	// Redis is the shared layer. Nil keeps the cache process-local.
	Redis *redis.Client

	// MemorySize is the capacity of the in-process layer.
	MemorySize int

	// SweepInterval is how many Set calls pass between removals of expired
	// memory entries. Zero means DefaultSweepInterval.
	SweepInterval int
}

// Manager handles caching operations across the memory and Redis layers.
// With Redis configured it subscribes to InvalidationChannel so that a tag
// invalidated by any instance also leaves this instance's memory layer;
// Close ends the subscription.
type Manager struct {
	redis  *redis.Client
	memory *MemoryCache
	logger zerolog.Logger

	sweepEvery uint64
	writes     atomic.Uint64

	pubsub     *redis.PubSub
	subscribed chan struct{}
	closing    chan struct{}
	listenDone chan struct{}
	closeOnce  sync.Once
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	size := cfg.MemorySize
	if size <= 0 {
		size = DefaultMemorySize
	}

	memory, err := NewMemoryCache(size)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}

	m := &Manager{
		redis:      cfg.Redis,
		memory:     memory,
		logger:     log.With().Str("component", "gql-cache").Logger(),
		sweepEvery: uint64(sweep),
		subscribed: make(chan struct{}),
		closing:    make(chan struct{}),
		listenDone: make(chan struct{}),
	}

	if m.redis == nil {
		close(m.listenDone)
		return m, nil
	}

	m.pubsub = m.redis.Subscribe(context.Background(), InvalidationChannel)
	go m.listen()

	return m, nil
}

// listen applies tags published by any instance to the memory layer until
// the subscription is closed.
func (m *Manager) listen() {
	defer close(m.listenDone)

	if _, err := m.pubsub.Receive(context.Background()); err != nil {
		select {
		case <-m.closing:
			return
		default:
		}
		m.logger.Warn().Err(err).Msg("Invalidation subscription not confirmed, retrying in background")
	} else {
		close(m.subscribed)
	}

	for msg := range m.pubsub.Channel() {
		removed := m.memory.InvalidateTag(msg.Payload)
		m.logger.Debug().
			Str("tag", msg.Payload).
			Int("removed", len(removed)).
			Msg("Applied published invalidation")
	}
}

// Close ends the invalidation subscription. It does not close the Redis
// client.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closing)
		if m.pubsub != nil {
			err = m.pubsub.Close()
		}
		<-m.listenDone
	})
	return err
}

// Get retrieves a cache entry by key, memory first.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	if entry, ok := m.memory.Get(cacheKey); ok {
		CacheHits.WithLabelValues("memory").Inc()
		return entry, nil
	}

	if m.redis == nil {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	m.memory.Set(cacheKey, &entry)

	return &entry, nil
}

// Set stores a cache entry in both layers with TTL based on the entry's
// Expires field, and indexes the key under each of the entry's tags.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	cacheKey := key.String()
	m.memory.Set(cacheKey, entry)

	if m.writes.Add(1)%m.sweepEvery == 0 {
		if n := m.memory.RemoveExpired(); n > 0 {
			m.logger.Debug().Int("removed", n).Msg("Swept expired memory entries")
		}
	}

	if m.redis == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, cacheKey, data, ttl)
	for _, tag := range entry.Tags {
		tk := tagKey(tag)
		pipe.SAdd(ctx, tk, cacheKey)
		// NX gives a fresh set a lifetime, GT extends it for longer-lived members
		pipe.ExpireNX(ctx, tk, ttl)
		pipe.ExpireGT(ctx, tk, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a cache entry from both layers.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	cacheKey := key.String()
	m.memory.Delete(cacheKey)

	if m.redis == nil {
		return nil
	}

	if err := m.redis.Del(ctx, cacheKey).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// InvalidateTag removes every entry carrying tag from both layers and
// returns the number of distinct entries removed.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) (int, error) {
	removed := make(map[string]struct{})
	for _, key := range m.memory.InvalidateTag(tag) {
		removed[key] = struct{}{}
	}

	if m.redis != nil {
		tk := tagKey(tag)
		keys, err := m.redis.SMembers(ctx, tk).Result()
		if err != nil {
			CacheErrors.WithLabelValues("invalidate").Inc()
			return len(removed), fmt.Errorf("redis smembers: %w", err)
		}

		if err := m.redis.Del(ctx, append(keys, tk)...).Err(); err != nil {
			CacheErrors.WithLabelValues("invalidate").Inc()
			return len(removed), fmt.Errorf("redis del: %w", err)
		}

		for _, key := range keys {
			removed[key] = struct{}{}
		}

		if err := m.redis.Publish(ctx, InvalidationChannel, tag).Err(); err != nil {
			CacheErrors.WithLabelValues("publish").Inc()
			return len(removed), fmt.Errorf("redis publish: %w", err)
		}
	}

	CacheInvalidations.Add(float64(len(removed)))
	m.logger.Info().
		Str("tag", tag).
		Int("removed", len(removed)).
		Msg("Invalidated cache tag")

	return len(removed), nil
}

// Ping checks the shared layer. It is a no-op without Redis.
func (m *Manager) Ping(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}
	return m.redis.Ping(ctx).Err()
}
