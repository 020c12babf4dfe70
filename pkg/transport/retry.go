package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	gqlRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gql_transport_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	gqlRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gql_transport_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	gqlRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gql_transport_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff, including delays requested via Retry-After.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// RetryPolicy picks the retry configuration for an error class.
type RetryPolicy func(ErrorClass) RetryConfig

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass is the default RetryPolicy.
func RetryConfigForErrorClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassServer:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        60 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// NoRetry is a RetryPolicy that makes exactly one attempt.
func NoRetry(ErrorClass) RetryConfig {
	return RetryConfig{MaxAttempts: 1}
}

// attemptFunc performs one attempt and classifies its failure.
type attemptFunc func() (ErrorClass, error)

// retryWithBackoff runs fn until it succeeds, fails with a class that must
// not be retried, or the attempts for the failing class are used up.
// Backoff is exponential with ±20% jitter; an upstream Retry-After longer
// than the computed backoff wins.
func retryWithBackoff(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, fn attemptFunc) error {
	if policy == nil {
		policy = RetryConfigForErrorClass
	}

	var (
		lastErr    error
		errorClass ErrorClass
	)

	for attempt := 1; ; attempt++ {
		errorClass, lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if !shouldRetry(errorClass) {
			return lastErr
		}

		config := policy(errorClass)
		if attempt >= config.MaxAttempts {
			gqlRetryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("max_attempts", config.MaxAttempts).
				Msg("Retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
		}

		gqlRetriesTotal.WithLabelValues(string(errorClass)).Inc()

		wait := backoffFor(config, attempt, lastErr)
		gqlRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(wait.Seconds())

		logger.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// backoffFor returns the jittered wait before attempt+1.
func backoffFor(config RetryConfig, attempt int, err error) time.Duration {
	backoff := config.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
			break
		}
	}

	wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > wait {
		wait = httpErr.RetryAfter
	}

	if config.MaxBackoff > 0 && wait > config.MaxBackoff {
		wait = config.MaxBackoff
	}
	return wait
}
