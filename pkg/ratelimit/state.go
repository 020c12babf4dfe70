// Package ratelimit tracks the upstream GraphQL API's request budget.
// It reads the X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset
// and Retry-After headers and gates requests before the budget runs out,
// so a burst of coalesced batches does not get the client locked out.
package ratelimit

import (
	"time"
)

// Redis keys for shared rate limit state.
const (
	RedisKeyLimit     = "gql:rate_limit:limit"
	RedisKeyRemaining = "gql:rate_limit:remaining"
	RedisKeyResetAt   = "gql:rate_limit:reset_at"
	RedisKeyUpdatedAt = "gql:rate_limit:updated_at"
)

// Thresholds for rate limit decisions.
const (
	// RemainingThresholdCritical blocks requests when remaining falls below this value.
	RemainingThresholdCritical = 3

	// RemainingThresholdWarning throttles requests when remaining falls below this value.
	RemainingThresholdWarning = 10

	// RemainingThresholdHealthy marks the budget healthy at or above this value.
	RemainingThresholdHealthy = 30
)

// DefaultLimit is assumed until the upstream reports its real limit.
const DefaultLimit = 90

// StaleAfter is how long a state whose window already reset is kept before
// it is reported as the default budget again.
const StaleAfter = 5 * time.Minute

// RateLimitState is the request budget reported by the upstream.
type RateLimitState struct {
	// Limit is the number of requests allowed per window (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets (X-RateLimit-Reset, unix seconds,
	// or now + Retry-After when the upstream answered 429).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked. A window
// that has already reset never blocks.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < RemainingThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < RemainingThresholdWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingThresholdHealthy
}

// expired reports whether the state describes a finished window that no
// response has refreshed for StaleAfter.
func (s *RateLimitState) expired() bool {
	return s.TimeUntilReset() == 0 && s.IsStale(StaleAfter)
}

func defaultState() *RateLimitState {
	now := time.Now()
	return &RateLimitState{
		Limit:      DefaultLimit,
		Remaining:  DefaultLimit,
		ResetAt:    now.Add(time.Minute),
		LastUpdate: now,
		IsHealthy:  true,
	}
}
