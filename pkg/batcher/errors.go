package batcher

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/anilist-gql-client/pkg/graphql"
)

// Common errors returned through a Pending.
var (
	// ErrCancelled is returned when the request's context was done at enqueue
	// or dispatch time. The context's own error is wrapped alongside it.
	ErrCancelled = errors.New("request cancelled")

	// ErrMalformed is returned when the response holds fewer results than
	// requests were sent.
	ErrMalformed = errors.New("malformed batch response")

	// ErrClosed is returned for requests enqueued after Close.
	ErrClosed = errors.New("batcher closed")

	// ErrEmptyQuery is returned for requests without query text.
	ErrEmptyQuery = errors.New("empty query")
)

// TransportError is delivered to every request of a window whose combined
// call failed.
type TransportError struct {
	BatchID string
	Size    int
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (batch %s, %d requests): %v", e.BatchID, e.Size, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// UpstreamQueryError carries the GraphQL-level errors of one request.
type UpstreamQueryError struct {
	Errors []graphql.Error
}

// Error joins the individual messages with ", ".
func (e *UpstreamQueryError) Error() string {
	return graphql.JoinMessages(e.Errors)
}

// Messages returns the individual error messages.
func (e *UpstreamQueryError) Messages() []string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ge := range e.Errors {
		msgs = append(msgs, ge.Message)
	}
	return msgs
}

func cancelledError(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func malformedError(expected, got int) error {
	return fmt.Errorf("%w: expected %d results, got %d", ErrMalformed, expected, got)
}
