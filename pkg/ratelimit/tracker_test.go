package ratelimit

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newLocalTracker() *Tracker {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewTracker(nil, logger)
}

func TestParseHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	resetAt := now.Add(45 * time.Second)

	tests := []struct {
		name          string
		headers       map[string]string
		wantOK        bool
		wantErr       bool
		wantLimit     int
		wantRemaining int
		wantResetAt   time.Time
	}{
		{
			name:    "no rate limit headers",
			headers: map[string]string{"Content-Type": "application/json"},
			wantOK:  false,
		},
		{
			name: "full header set",
			headers: map[string]string{
				HeaderLimit:     "90",
				HeaderRemaining: "42",
				HeaderReset:     strconv.FormatInt(resetAt.Unix(), 10),
			},
			wantOK:        true,
			wantLimit:     90,
			wantRemaining: 42,
			wantResetAt:   resetAt,
		},
		{
			name:          "remaining only uses defaults",
			headers:       map[string]string{HeaderRemaining: "7"},
			wantOK:        true,
			wantLimit:     DefaultLimit,
			wantRemaining: 7,
			wantResetAt:   now.Add(time.Minute),
		},
		{
			name: "retry-after exhausts budget",
			headers: map[string]string{
				HeaderRemaining:  "5",
				HeaderRetryAfter: "30",
			},
			wantOK:        true,
			wantLimit:     DefaultLimit,
			wantRemaining: 0,
			wantResetAt:   now.Add(30 * time.Second),
		},
		{
			name:    "invalid remaining",
			headers: map[string]string{HeaderRemaining: "lots"},
			wantErr: true,
		},
		{
			name: "invalid reset",
			headers: map[string]string{
				HeaderRemaining: "10",
				HeaderReset:     "soon",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			state, ok, err := ParseHeaders(h, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if state.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", state.Limit, tt.wantLimit)
			}
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemaining)
			}
			if !state.ResetAt.Equal(tt.wantResetAt) {
				t.Errorf("ResetAt = %v, want %v", state.ResetAt, tt.wantResetAt)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"absent", "", 0, false},
		{"seconds", "12", 12 * time.Second, true},
		{"negative seconds", "-3", 0, true},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{"date in past", now.Add(-time.Hour).Format(http.TimeFormat), 0, true},
		{"garbage", "later", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set(HeaderRetryAfter, tt.value)
			}
			got, ok := RetryAfter(h, now)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("RetryAfter(%q) = %v, %v; want %v, %v", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTracker_LocalState(t *testing.T) {
	tracker := newLocalTracker()
	ctx := context.Background()

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != DefaultLimit || !state.IsHealthy {
		t.Errorf("initial state = %+v, want default healthy state", state)
	}

	h := http.Header{}
	h.Set(HeaderLimit, "90")
	h.Set(HeaderRemaining, "20")
	h.Set(HeaderReset, strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
	if err := tracker.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err = tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 20 {
		t.Errorf("Remaining = %d, want 20", state.Remaining)
	}
	if state.IsHealthy {
		t.Error("state with 20 remaining should not be healthy")
	}

	// headerless responses leave the state untouched
	if err := tracker.UpdateFromHeaders(ctx, http.Header{}); err != nil {
		t.Fatalf("UpdateFromHeaders(empty) error = %v", err)
	}
	state, _ = tracker.GetState(ctx)
	if state.Remaining != 20 {
		t.Errorf("Remaining after empty headers = %d, want 20", state.Remaining)
	}
}

func TestTracker_ShouldAllowRequest(t *testing.T) {
	tests := []struct {
		name        string
		remaining   string
		wantAllowed bool
		wantDelay   bool
	}{
		{"healthy", "60", true, false},
		{"warning", "5", true, true},
		{"critical", "1", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newLocalTracker()
			tracker.SetThrottleDelay(50 * time.Millisecond)
			ctx := context.Background()

			h := http.Header{}
			h.Set(HeaderRemaining, tt.remaining)
			h.Set(HeaderReset, strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			if err := tracker.UpdateFromHeaders(ctx, h); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			start := time.Now()
			allowed, err := tracker.ShouldAllowRequest(ctx)
			elapsed := time.Since(start)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("ShouldAllowRequest() = %v, want %v", allowed, tt.wantAllowed)
			}
			if tt.wantDelay && elapsed < 40*time.Millisecond {
				t.Errorf("throttled request returned after %v, want >= 50ms", elapsed)
			}
			if !tt.wantDelay && elapsed > 30*time.Millisecond {
				t.Errorf("request took %v, want no throttle", elapsed)
			}
		})
	}
}

func TestTracker_ShouldAllowRequest_ContextCancelled(t *testing.T) {
	tracker := newLocalTracker()
	tracker.SetThrottleDelay(time.Hour)

	h := http.Header{}
	h.Set(HeaderRemaining, "5")
	h.Set(HeaderReset, strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
	if err := tracker.UpdateFromHeaders(context.Background(), h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if allowed {
		t.Error("ShouldAllowRequest() = true, want false after cancellation")
	}
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestTracker_StaleStateReportsDefault(t *testing.T) {
	tests := []struct {
		name          string
		resetIn       time.Duration
		updatedAgo    time.Duration
		wantRemaining int
	}{
		{"fresh window", time.Minute, time.Second, 2},
		{"reset but recently updated", -time.Second, time.Minute, 2},
		{"reset and stale", -time.Minute, StaleAfter + time.Minute, DefaultLimit},
		{"stale but window still open", 10 * time.Minute, StaleAfter + time.Minute, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newLocalTracker()
			now := time.Now()
			tracker.local = &RateLimitState{
				Limit:      DefaultLimit,
				Remaining:  2,
				ResetAt:    now.Add(tt.resetIn),
				LastUpdate: now.Add(-tt.updatedAgo),
			}

			state, err := tracker.GetState(context.Background())
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemaining)
			}
		})
	}
}
