package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Sternrassler/anilist-gql-client/pkg/batcher"
	"github.com/Sternrassler/anilist-gql-client/pkg/cache"
	"github.com/Sternrassler/anilist-gql-client/pkg/client"
	"github.com/Sternrassler/anilist-gql-client/pkg/graphql"
	"github.com/Sternrassler/anilist-gql-client/pkg/metrics"
	"github.com/Sternrassler/anilist-gql-client/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	maxBodySize       = 1 << 20
	maxRequestEntries = 100
)

// gateway is the part of *client.Client the HTTP layer needs.
type gateway interface {
	Execute(ctx context.Context, query string, vars map[string]any) (*client.Result, error)
	RevalidateTag(ctx context.Context, tag string) (int, error)
	Ping(ctx context.Context) error
}

type server struct {
	gw              gateway
	revalidateToken string
	logger          zerolog.Logger
}

func newServer(gw gateway, revalidateToken string) *server {
	return &server{
		gw:              gw,
		revalidateToken: revalidateToken,
		logger:          log.With().Str("component", "gateway").Logger(),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /graphql", s.graphqlHandler)
	mux.HandleFunc("POST /revalidate", s.revalidateHandler)
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// incomingRequest is one entry of a POST /graphql body.
type incomingRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName,omitempty"`
}

type outcome struct {
	result *client.Result
	err    error
}

func (s *server) graphqlHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	reqs, single, err := decodeIncoming(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// entries run as independent callers and may share a batch window
	outcomes := make([]outcome, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := s.gw.Execute(r.Context(), req.Query, req.Variables)
			outcomes[i] = outcome{result: res, err: err}
			return nil
		})
	}
	g.Wait()

	responses := make([]graphql.Response, len(outcomes))
	status := http.StatusOK
	for i, o := range outcomes {
		var code int
		responses[i], code = toResponse(o)
		if o.err != nil {
			s.logger.Debug().Err(o.err).Int("status", code).Msg("Query failed")
		}
		if single {
			status = code
		}
	}

	applyCacheHeaders(w.Header(), outcomes)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if single {
		json.NewEncoder(w).Encode(responses[0])
		return
	}
	json.NewEncoder(w).Encode(responses)
}

func decodeIncoming(body []byte) ([]incomingRequest, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty request body")
	}

	if trimmed[0] != '[' {
		var req incomingRequest
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return nil, false, fmt.Errorf("invalid request: %w", err)
		}
		return []incomingRequest{req}, true, nil
	}

	var reqs []incomingRequest
	if err := json.Unmarshal(trimmed, &reqs); err != nil {
		return nil, false, fmt.Errorf("invalid batch request: %w", err)
	}
	if len(reqs) == 0 {
		return nil, false, errors.New("empty batch")
	}
	if len(reqs) > maxRequestEntries {
		return nil, false, fmt.Errorf("batch of %d exceeds limit of %d", len(reqs), maxRequestEntries)
	}
	return reqs, false, nil
}

// toResponse maps a query outcome to its envelope and the status it would
// get as a single request.
func toResponse(o outcome) (graphql.Response, int) {
	if o.err == nil {
		return graphql.Response{Data: o.result.Data}, http.StatusOK
	}

	var upstreamErr *batcher.UpstreamQueryError
	if errors.As(o.err, &upstreamErr) {
		return graphql.Response{Data: json.RawMessage("null"), Errors: upstreamErr.Errors}, http.StatusOK
	}

	return graphql.Response{Errors: []graphql.Error{{Message: o.err.Error()}}}, statusFor(o.err)
}

func statusFor(err error) int {
	var httpErr *transport.HTTPError
	switch {
	case errors.Is(err, batcher.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &httpErr) && httpErr.ErrorClass == transport.ErrorClassRateLimit:
		return http.StatusTooManyRequests
	case errors.Is(err, batcher.ErrClosed), errors.Is(err, batcher.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, batcher.ErrMalformed):
		return http.StatusBadGateway
	}

	var transportErr *batcher.TransportError
	if errors.As(err, &transportErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// applyCacheHeaders marks the response cacheable only when every entry
// succeeded, for the shortest remaining lifetime and the union of tags.
func applyCacheHeaders(h http.Header, outcomes []outcome) {
	var (
		ttl    time.Duration
		tags   []string
		cached = true
	)

	for i, o := range outcomes {
		if o.err != nil {
			h.Set("Cache-Control", "no-store")
			return
		}
		remaining := time.Until(o.result.Expires)
		if i == 0 || remaining < ttl {
			ttl = remaining
		}
		tags = append(tags, o.result.Classification.Tags...)
		cached = cached && o.result.Cached
	}

	slices.Sort(tags)
	cache.SetCacheHeaders(h, ttl, slices.Compact(tags))

	if cached {
		h.Set("X-Cache", "HIT")
	} else {
		h.Set("X-Cache", "MISS")
	}
}

func (s *server) revalidateHandler(w http.ResponseWriter, r *http.Request) {
	if s.revalidateToken != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.revalidateToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid revalidate token")
			return
		}
	}

	tag := r.URL.Query().Get("tag")
	if tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}

	removed, err := s.gw.RevalidateTag(r.Context(), tag)
	if err != nil {
		s.logger.Error().Err(err).Str("tag", tag).Msg("Revalidation failed")
		writeError(w, http.StatusInternalServerError, "revalidation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"revalidated": true,
		"tag":         tag,
		"removed":     removed,
		"now":         time.Now().UnixMilli(),
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.gw.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(graphql.Response{Errors: []graphql.Error{{Message: msg}}})
}
