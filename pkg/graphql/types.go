// Package graphql holds the wire types shared by the batcher, the HTTP
// transport and the client: the request pair sent upstream and the
// response envelope returned for it.
package graphql

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyBody is returned when the upstream answered with no payload.
var ErrEmptyBody = errors.New("empty response body")

// Request is a single query and its variables as sent upstream.
type Request struct {
	Query     string `json:"query"`
	Variables any    `json:"variables,omitempty"`
}

// Location points at the position of an error in the query text.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is an application-level error reported inside a response envelope.
type Error struct {
	Message    string         `json:"message"`
	Status     int            `json:"status,omitempty"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Response is the envelope returned for one request.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

// HasErrors reports whether the response carries any GraphQL-level error.
func (r Response) HasErrors() bool {
	return len(r.Errors) > 0
}

// ErrorMessages returns the messages of all errors in order.
func (r Response) ErrorMessages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

// EncodePayload encodes requests for a single HTTP call.
// One request is sent as a plain object, more than one as an array.
func EncodePayload(reqs []Request) ([]byte, error) {
	switch len(reqs) {
	case 0:
		return nil, fmt.Errorf("encode payload: no requests")
	case 1:
		return json.Marshal(reqs[0])
	default:
		return json.Marshal(reqs)
	}
}

// DecodeResponses parses a response body that is either a single envelope
// or an array of envelopes, and always returns a slice.
func DecodeResponses(body []byte) ([]Response, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyBody
	}

	if trimmed[0] == '[' {
		var out []Response
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode response array: %w", err)
		}
		return out, nil
	}

	var single Response
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return []Response{single}, nil
}

// JoinMessages joins error messages the way they are surfaced to callers.
func JoinMessages(errs []Error) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, ", ")
}
