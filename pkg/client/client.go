// Package client is the AniList GraphQL client: it classifies each query,
// answers it from cache when possible, and otherwise coalesces it with
// concurrent queries into one upstream batch.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/anilist-gql-client/pkg/batcher"
	"github.com/Sternrassler/anilist-gql-client/pkg/cache"
	"github.com/Sternrassler/anilist-gql-client/pkg/classify"
	"github.com/Sternrassler/anilist-gql-client/pkg/ratelimit"
	"github.com/Sternrassler/anilist-gql-client/pkg/transport"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the client configuration.
type Config struct {
	// Endpoint is the GraphQL URL.
	Endpoint string

	// User-Agent header sent upstream
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// Redis client for the shared cache layer and rate limit state. Optional.
	Redis *redis.Client

	// Batching
	Batch batcher.Config

	// Transport
	Timeout time.Duration
	Retry   transport.RetryPolicy

	// Caching
	MemoryCacheSize int
	DisableCache    bool

	// RateLimitThrottle is the delay applied while the budget is low.
	RateLimitThrottle time.Duration

	// HTTPClient overrides the transport's client (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Endpoint:          transport.DefaultEndpoint,
		UserAgent:         userAgent,
		Redis:             redis,
		Batch:             batcher.DefaultConfig(),
		Timeout:           transport.DefaultTimeout,
		Retry:             transport.RetryConfigForErrorClass,
		MemoryCacheSize:   cache.DefaultMemorySize,
		RateLimitThrottle: ratelimit.DefaultThrottleDelay,
	}
}

// Result is a query answer together with its cache metadata.
type Result struct {
	Data           json.RawMessage
	Classification classify.Classification

	// Cached is true when the answer came from the cache.
	Cached bool

	// Expires is when a cached copy of this answer goes stale.
	Expires time.Time
}

// Client is the main AniList client.
type Client struct {
	rateLimiter *ratelimit.Tracker
	transport   *transport.Transport
	batcher     *batcher.Batcher
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = transport.DefaultEndpoint
	}

	if cfg.Batch == (batcher.Config{}) {
		cfg.Batch = batcher.DefaultConfig()
	}

	logger := log.With().Str("component", "anilist-client").Logger()

	rateLimiter := ratelimit.NewTracker(cfg.Redis, log.With().Str("component", "ratelimit").Logger())
	if cfg.RateLimitThrottle > 0 {
		rateLimiter.SetThrottleDelay(cfg.RateLimitThrottle)
	}

	tr, err := transport.New(transport.Config{
		Endpoint:    cfg.Endpoint,
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.Timeout,
		Retry:       cfg.Retry,
		RateLimiter: rateLimiter,
		HTTPClient:  cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	b, err := batcher.New(tr, cfg.Batch, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("create batcher: %w", err)
	}

	var cacheManager *cache.Manager
	if !cfg.DisableCache {
		cacheManager, err = cache.NewManager(cache.Config{
			Redis:      cfg.Redis,
			MemorySize: cfg.MemoryCacheSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
	}

	return &Client{
		rateLimiter: rateLimiter,
		transport:   tr,
		batcher:     b,
		cache:       cacheManager,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Query returns the data document for query. Errors from the batcher
// (cancellation, transport and upstream query errors) are returned as is.
func (c *Client) Query(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	res, err := c.Execute(ctx, query, vars)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// QueryInto runs query and decodes its data document into out.
func (c *Client) QueryInto(ctx context.Context, query string, vars map[string]any, out any) error {
	data, err := c.Query(ctx, query, vars)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// Execute runs query and reports how it was answered.
func (c *Client) Execute(ctx context.Context, query string, vars map[string]any) (*Result, error) {
	cls := classify.Classify(query, vars)
	key := cache.CacheKey{
		Operation: cls.Operation,
		Query:     query,
		Variables: vars,
	}

	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			c.logger.Debug().
				Str("operation", cls.Operation).
				Str("category", cls.Category).
				Msg("Cache hit")
			return &Result{Data: bytes.Clone(entry.Data), Classification: cls, Cached: true, Expires: entry.Expires}, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("operation", cls.Operation).Msg("Cache get error")
		}
	}

	var variables any
	if len(vars) > 0 {
		variables = vars
	}

	data, err := c.batcher.Do(ctx, query, variables)
	if err != nil {
		return nil, err
	}

	// the cache keeps its own copy; callers may modify data
	entry := cache.NewEntry(bytes.Clone(data), cls.Tags, cls.TTL())
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("operation", cls.Operation).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("operation", cls.Operation).
				Str("category", cls.Category).
				Dur("ttl", cls.TTL()).
				Msg("Cached response")
		}
	}

	return &Result{Data: data, Classification: cls, Expires: entry.Expires}, nil
}

// Classify returns the cache classification for a query.
func (c *Client) Classify(query string, vars map[string]any) classify.Classification {
	return classify.Classify(query, vars)
}

// RevalidateTag drops every cached response carrying tag.
func (c *Client) RevalidateTag(ctx context.Context, tag string) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	return c.cache.InvalidateTag(ctx, tag)
}

// RateLimitState returns the last known upstream request budget.
func (c *Client) RateLimitState(ctx context.Context) (*ratelimit.RateLimitState, error) {
	return c.rateLimiter.GetState(ctx)
}

// Ping checks the shared Redis layer, if any.
func (c *Client) Ping(ctx context.Context) error {
	if c.config.Redis == nil {
		return nil
	}
	return c.config.Redis.Ping(ctx).Err()
}

// Flush dispatches the open batch window without waiting for its timer.
func (c *Client) Flush() {
	c.batcher.Flush()
}

// Close stops accepting queries, waits for in-flight batches and ends the
// cache's invalidation subscription.
func (c *Client) Close(ctx context.Context) error {
	err := c.batcher.Close(ctx)
	if c.cache != nil {
		if cerr := c.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// GetCache returns the cache manager (for testing). Nil when caching is disabled.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}
