package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Header names consumed from upstream responses.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// DefaultThrottleDelay is how long a request waits in the warning state.
const DefaultThrottleDelay = 1 * time.Second

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gql_rate_limit_remaining",
		Help: "Requests remaining in the current upstream rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gql_rate_limit_blocks_total",
		Help: "Total number of requests blocked because the rate limit budget was exhausted",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gql_rate_limit_throttles_total",
		Help: "Total number of requests throttled because the rate limit budget was low",
	})
)

// Tracker monitors the upstream rate limit and gates requests. State is
// shared through Redis when a client is given and kept in process otherwise.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	throttleDelay time.Duration

	mu    sync.RWMutex
	local *RateLimitState
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		throttleDelay: DefaultThrottleDelay,
	}
}

// SetThrottleDelay overrides the delay applied in the warning state.
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.throttleDelay = d
}

// GetState returns the current rate limit state. A default healthy state is
// returned until the first headers were seen.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	if t.redis == nil {
		t.mu.RLock()
		defer t.mu.RUnlock()
		if t.local == nil || t.local.expired() {
			return defaultState(), nil
		}
		s := *t.local
		return &s, nil
	}

	vals, err := t.redis.MGet(ctx, RedisKeyLimit, RedisKeyRemaining, RedisKeyResetAt, RedisKeyUpdatedAt).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if vals[1] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return defaultState(), nil
	}

	nums := make([]int64, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse rate limit field %d: %w", i, err)
		}
		nums[i] = n
	}

	state := &RateLimitState{
		Limit:      int(nums[0]),
		Remaining:  int(nums[1]),
		ResetAt:    time.Unix(nums[2], 0),
		LastUpdate: time.Unix(nums[3], 0),
	}
	state.UpdateHealth()

	if state.expired() {
		t.logger.Debug().Time("reset_at", state.ResetAt).Msg("Rate limit state stale, returning default healthy state")
		return defaultState(), nil
	}

	return state, nil
}

// UpdateFromHeaders parses rate limit headers and stores the new state.
// Responses without rate limit headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	state, ok, err := ParseHeaders(headers, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := t.store(ctx, state); err != nil {
		return err
	}

	rateLimitRemaining.Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit CRITICAL - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

func (t *Tracker) store(ctx context.Context, state *RateLimitState) error {
	if t.redis == nil {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
		return nil
	}

	// state outlives its window by a minute so late readers still see it
	ttl := state.TimeUntilReset() + time.Minute

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyLimit, state.Limit, ttl)
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, ttl)
	pipe.Set(ctx, RedisKeyResetAt, state.ResetAt.Unix(), ttl)
	pipe.Set(ctx, RedisKeyUpdatedAt, state.LastUpdate.Unix(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// ShouldAllowRequest reports whether a request may be sent now. In the
// warning state it waits for the throttle delay first; the wait ends early
// with ctx.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Rate limit critical - blocking request")

		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit warning - throttling request")

		rateLimitThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(t.throttleDelay):
		}
	}

	return true, nil
}

// ParseHeaders builds a state from response headers. ok is false when the
// response carried no rate limit information.
func ParseHeaders(headers http.Header, now time.Time) (state *RateLimitState, ok bool, err error) {
	remainStr := headers.Get(HeaderRemaining)
	retryAfter, hasRetryAfter := RetryAfter(headers, now)

	if remainStr == "" && !hasRetryAfter {
		return nil, false, nil
	}

	state = &RateLimitState{
		Limit:      DefaultLimit,
		ResetAt:    now.Add(time.Minute),
		LastUpdate: now,
	}

	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
		state.Limit = limit
	}

	if remainStr != "" {
		remain, err := strconv.Atoi(remainStr)
		if err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		state.Remaining = remain
	}

	if resetStr := headers.Get(HeaderReset); resetStr != "" {
		reset, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		state.ResetAt = time.Unix(reset, 0)
	}

	if hasRetryAfter {
		state.Remaining = 0
		state.ResetAt = now.Add(retryAfter)
	}

	state.UpdateHealth()
	return state, true, nil
}

// RetryAfter parses the Retry-After header, given either in seconds or as
// an HTTP date.
func RetryAfter(headers http.Header, now time.Time) (time.Duration, bool) {
	v := headers.Get(HeaderRetryAfter)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
