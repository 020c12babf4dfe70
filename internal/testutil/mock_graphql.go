// Package testutil provides testing utilities for the AniList GraphQL client.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/anilist-gql-client/pkg/graphql"
)

// Handler answers one decoded POST. single reports whether the payload was
// a single object rather than an array.
type Handler func(w http.ResponseWriter, r *http.Request, reqs []graphql.Request, single bool)

// MockResponse defines a canned upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGraphQL is a configurable mock GraphQL endpoint that records every
// batch it receives.
type MockGraphQL struct {
	server *httptest.Server

	mu         sync.Mutex
	handlers   []Handler
	calls      int
	batches    [][]graphql.Request
	lastHeader http.Header
}

// NewMockGraphQL starts a mock server answering with EchoHandler.
func NewMockGraphQL() *MockGraphQL {
	mock := &MockGraphQL{}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reqs, single, err := decodePayload(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mock.mu.Lock()
		handler := EchoHandler
		if len(mock.handlers) > 0 {
			// the last handler keeps answering once the sequence is used up
			idx := mock.calls
			if idx >= len(mock.handlers) {
				idx = len(mock.handlers) - 1
			}
			handler = mock.handlers[idx]
		}
		mock.calls++
		mock.batches = append(mock.batches, reqs)
		mock.lastHeader = r.Header.Clone()
		mock.mu.Unlock()

		handler(w, r, reqs, single)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockGraphQL) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGraphQL) Close() {
	m.server.Close()
}

// Reset clears the recorded batches and the handler sequence position.
func (m *MockGraphQL) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = 0
	m.batches = nil
	m.lastHeader = nil
}

// SetHandler replaces the handler. When several are given, the n-th POST is
// answered by the n-th handler.
func (m *MockGraphQL) SetHandler(handlers ...Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = handlers
	m.calls = 0
}

// SetResponse answers every POST with a canned response.
func (m *MockGraphQL) SetResponse(resp MockResponse) {
	m.SetHandler(ResponseHandler(resp))
}

// RequestCount returns the number of POSTs received.
func (m *MockGraphQL) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// Batches returns a copy of every received batch in arrival order.
func (m *MockGraphQL) Batches() [][]graphql.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]graphql.Request, len(m.batches))
	copy(out, m.batches)
	return out
}

// LastHeader returns the headers of the most recent POST.
func (m *MockGraphQL) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// EchoHandler answers every request with data {"query": ..., "variables": ...}.
func EchoHandler(w http.ResponseWriter, _ *http.Request, reqs []graphql.Request, single bool) {
	responses := make([]graphql.Response, len(reqs))
	for i, req := range reqs {
		data, _ := json.Marshal(map[string]any{
			"query":     req.Query,
			"variables": req.Variables,
		})
		responses[i] = graphql.Response{Data: data}
	}
	WriteResponses(w, http.StatusOK, single, responses)
}

// DataHandler answers every request with the same data document.
func DataHandler(data string) Handler {
	return func(w http.ResponseWriter, _ *http.Request, reqs []graphql.Request, single bool) {
		responses := make([]graphql.Response, len(reqs))
		for i := range reqs {
			responses[i] = graphql.Response{Data: json.RawMessage(data)}
		}
		WriteResponses(w, http.StatusOK, single, responses)
	}
}

// ErrorHandler answers every request with a GraphQL error and null data.
func ErrorHandler(status int, messages ...string) Handler {
	return func(w http.ResponseWriter, _ *http.Request, reqs []graphql.Request, single bool) {
		errs := make([]graphql.Error, len(messages))
		for i, msg := range messages {
			errs[i] = graphql.Error{Message: msg, Status: status}
		}
		responses := make([]graphql.Response, len(reqs))
		for i := range reqs {
			responses[i] = graphql.Response{Data: json.RawMessage("null"), Errors: errs}
		}
		WriteResponses(w, status, single, responses)
	}
}

// ResponseHandler answers with a canned response regardless of the payload.
func ResponseHandler(resp MockResponse) Handler {
	return func(w http.ResponseWriter, r *http.Request, _ []graphql.Request, _ bool) {
		if resp.Delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(resp.Delay):
			}
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	}
}

// DelayHandler waits before delegating to next.
func DelayHandler(delay time.Duration, next Handler) Handler {
	return func(w http.ResponseWriter, r *http.Request, reqs []graphql.Request, single bool) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
		next(w, r, reqs, single)
	}
}

// WriteResponses encodes responses as a single object or an array.
func WriteResponses(w http.ResponseWriter, status int, single bool, responses []graphql.Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if w.Header().Get("X-RateLimit-Remaining") == "" {
		w.Header().Set("X-RateLimit-Limit", "90")
		w.Header().Set("X-RateLimit-Remaining", "89")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
	}
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if single && len(responses) == 1 {
		enc.Encode(responses[0])
		return
	}
	enc.Encode(responses)
}

// NewHealthyResponse creates a 200 OK response carrying body and healthy
// rate limit headers.
func NewHealthyResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "90",
			"X-RateLimit-Remaining": "89",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errors":[{"message":"Too Many Requests.","status":429}],"data":null}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "90",
			"X-RateLimit-Remaining": "0",
			"Retry-After":           strconv.Itoa(retryAfter),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

func decodePayload(body []byte) ([]graphql.Request, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '[' {
		var reqs []graphql.Request
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, false, fmt.Errorf("decode batch payload: %w", err)
		}
		return reqs, false, nil
	}

	var req graphql.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, false, fmt.Errorf("decode payload: %w", err)
	}
	return []graphql.Request{req}, true, nil
}
