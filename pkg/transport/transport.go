// Package transport sends encoded GraphQL payloads to the upstream endpoint.
// It owns the HTTP concerns the batcher leaves out: headers, timeouts,
// retries per error class and feeding rate limit headers to the tracker.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/anilist-gql-client/pkg/graphql"
	"github.com/Sternrassler/anilist-gql-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEndpoint is the public AniList GraphQL endpoint.
const DefaultEndpoint = "https://graphql.anilist.co"

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 30 * time.Second

// maxBodySize caps how much of a response body is read.
const maxBodySize = 16 << 20

// Prometheus metrics for transport operations.
var (
	gqlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gql_transport_requests_total",
		Help: "Total upstream HTTP requests by status",
	}, []string{"status"})

	gqlRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gql_transport_request_duration_seconds",
		Help:    "Upstream HTTP request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	gqlErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gql_transport_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// Config holds the transport configuration.
type Config struct {
	// Endpoint is the GraphQL URL payloads are POSTed to.
	Endpoint string

	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// Retry picks the retry configuration per error class.
	// Nil means RetryConfigForErrorClass.
	Retry RetryPolicy

	// RateLimiter gates requests and is fed response headers. Optional.
	RateLimiter *ratelimit.Tracker

	// HTTPClient overrides the default client (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration for the public endpoint.
func DefaultConfig(userAgent string) Config {
	return Config{
		Endpoint:  DefaultEndpoint,
		UserAgent: userAgent,
		Timeout:   DefaultTimeout,
		Retry:     RetryConfigForErrorClass,
	}
}

// Transport POSTs batches to a GraphQL endpoint.
type Transport struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// New creates a new transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Retry == nil {
		cfg.Retry = RetryConfigForErrorClass
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Transport{
		httpClient:  httpClient,
		rateLimiter: cfg.RateLimiter,
		config:      cfg,
		logger:      log.With().Str("component", "gql-transport").Logger(),
	}, nil
}

// Send posts reqs as one payload and returns the raw response body.
// A 4xx answer whose body is a GraphQL envelope is returned as a body so
// per-request errors reach their callers; every other non-2xx answer is an
// *HTTPError.
func (t *Transport) Send(ctx context.Context, reqs []graphql.Request) (json.RawMessage, error) {
	payload, err := graphql.EncodePayload(reqs)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if t.rateLimiter != nil {
		allowed, err := t.rateLimiter.ShouldAllowRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			t.logger.Warn().
				Int("batch_size", len(reqs)).
				Msg("Request blocked by rate limiter")
			gqlRequestsTotal.WithLabelValues("rate_limited").Inc()
			return nil, ErrRateLimited
		}
	}

	var body []byte
	err = retryWithBackoff(ctx, t.config.Retry, t.logger, func() (ErrorClass, error) {
		var attemptErr error
		var class ErrorClass
		body, class, attemptErr = t.attempt(ctx, payload)
		return class, attemptErr
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// attempt performs a single POST.
func (t *Transport) attempt(ctx context.Context, payload []byte) ([]byte, ErrorClass, error) {
	startTime := time.Now()
	defer func() {
		gqlRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// the caller gave up; retrying cannot help
			return nil, "", ctx.Err()
		}
		t.logger.Error().Err(err).Msg("HTTP request failed")
		gqlErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		gqlRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, ErrorClassNetwork, &HTTPError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	if t.rateLimiter != nil {
		if err := t.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	gqlRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		gqlErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, ErrorClassNetwork, &HTTPError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, "", nil
	}

	class := classifyStatus(resp.StatusCode)
	if class == "" {
		class = ErrorClassClient
	}

	if class == ErrorClassClient && isGraphQLEnvelope(body) {
		t.logger.Debug().
			Int("status", resp.StatusCode).
			Msg("Passing GraphQL error envelope through")
		return body, "", nil
	}

	gqlErrorsTotal.WithLabelValues(string(class)).Inc()
	t.logger.Warn().
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("GraphQL request error")

	retryAfter, _ := ratelimit.RetryAfter(resp.Header, time.Now())
	return nil, class, &HTTPError{
		StatusCode: resp.StatusCode,
		ErrorClass: class,
		Message:    resp.Status,
		Body:       body,
		RetryAfter: retryAfter,
	}
}

// isGraphQLEnvelope reports whether body decodes into responses of which at
// least one carries errors.
func isGraphQLEnvelope(body []byte) bool {
	responses, err := graphql.DecodeResponses(body)
	if err != nil {
		return false
	}
	for _, r := range responses {
		if r.HasErrors() {
			return true
		}
	}
	return false
}
