package batcher

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/Sternrassler/anilist-gql-client/pkg/graphql"
)

// Pending is the handle returned by Enqueue. It settles exactly once, either
// with the request's data or with an error.
type Pending struct {
	ctx     context.Context
	req     graphql.Request
	done    chan struct{}
	settled atomic.Bool

	// written once before done is closed
	data json.RawMessage
	err  error
}

func newPending(ctx context.Context, req graphql.Request) *Pending {
	return &Pending{
		ctx:  ctx,
		req:  req,
		done: make(chan struct{}),
	}
}

// Request returns the query and variables this handle was created for.
func (p *Pending) Request() graphql.Request {
	return p.req
}

// Done is closed once the request has settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the request has settled.
func (p *Pending) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result blocks until the request settles and returns its outcome.
func (p *Pending) Result() (json.RawMessage, error) {
	<-p.done
	return p.data, p.err
}

// Wait is like Result but gives up when ctx is done. Giving up does not
// cancel the request; it still settles with the outcome of its batch.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.data, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) resolve(data json.RawMessage) {
	p.settle(data, nil, outcomeOK)
}

func (p *Pending) reject(err error, outcome string) {
	p.settle(nil, err, outcome)
}

// settle panics on a second call: a request answered twice means a window
// was dispatched twice.
func (p *Pending) settle(data json.RawMessage, err error, outcome string) {
	if !p.settled.CompareAndSwap(false, true) {
		panic("batcher: pending request settled twice")
	}
	p.data = data
	p.err = err
	batchRequestsTotal.WithLabelValues(outcome).Inc()
	close(p.done)
}
