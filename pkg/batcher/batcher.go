package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/anilist-gql-client/pkg/graphql"
)

// Transport issues one upstream call for an ordered list of requests. On
// success it returns the raw response body, which is either a single
// response envelope or an array of them.
type Transport interface {
	Send(ctx context.Context, reqs []graphql.Request) (json.RawMessage, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, reqs []graphql.Request) (json.RawMessage, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, reqs []graphql.Request) (json.RawMessage, error) {
	return f(ctx, reqs)
}

// window is the ordered set of requests sharing one upstream call. Once
// swapped out of the Batcher it is never appended to again.
type window struct {
	items []*Pending
}

// Batcher coalesces requests into windows and dispatches each window as a
// single Transport call.
type Batcher struct {
	transport Transport
	config    Config
	logger    zerolog.Logger

	// ctx is handed to the transport; cancelled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards everything below. The window swap happens under mu so that
	// a timer firing, a size-triggered flush and concurrent enqueues never
	// see the same window as open.
	mu       sync.Mutex
	window   *window
	timer    *time.Timer
	timerGen uint64
	closed   bool

	inflight sync.WaitGroup

	// drained is closed once Close has been called and every window finished.
	drained chan struct{}
}

// New creates a batcher dispatching through transport.
func New(transport Transport, cfg Config, logger zerolog.Logger) (*Batcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Batcher{
		transport: transport,
		config:    cfg,
		logger:    logger.With().Str("component", "batcher").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		window:    &window{},
		drained:   make(chan struct{}),
	}, nil
}

// Enqueue adds a request to the open window and returns its handle. The
// context is the request's cancellation token; it is checked now and again
// when the window is dispatched.
func (b *Batcher) Enqueue(ctx context.Context, query string, variables any) *Pending {
	if ctx == nil {
		ctx = context.Background()
	}
	p := newPending(ctx, graphql.Request{Query: query, Variables: variables})

	if err := ctx.Err(); err != nil {
		p.reject(cancelledError(err), outcomeCancelled)
		return p
	}
	if strings.TrimSpace(query) == "" {
		p.reject(ErrEmptyQuery, outcomeRejected)
		return p
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		p.reject(ErrClosed, outcomeRejected)
		return p
	}

	b.window.items = append(b.window.items, p)

	if len(b.window.items) >= b.config.MaxBatchSize {
		w := b.swapLocked()
		b.mu.Unlock()
		go b.dispatch(w, triggerSize)
		return p
	}

	b.resetTimerLocked()
	b.mu.Unlock()
	return p
}

// Do enqueues a request and blocks until it settles.
func (b *Batcher) Do(ctx context.Context, query string, variables any) (json.RawMessage, error) {
	return b.Enqueue(ctx, query, variables).Result()
}

// Len returns the number of requests in the open window.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.window.items)
}

// Flush dispatches the open window now, if it holds any request.
func (b *Batcher) Flush() {
	b.mu.Lock()
	w := b.swapLocked()
	b.mu.Unlock()

	if w != nil {
		go b.dispatch(w, triggerManual)
	}
}

// Close stops accepting requests, dispatches the open window and waits for
// all in-flight windows. If ctx is done first, in-flight transport calls are
// cancelled and ctx.Err() is returned. Every call waits for the same drain,
// so a repeated Close returns nil only once nothing is in flight.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		w := b.swapLocked()
		if w != nil {
			go b.dispatch(w, triggerClose)
		}
		go func() {
			b.inflight.Wait()
			close(b.drained)
		}()
	}
	b.mu.Unlock()

	select {
	case <-b.drained:
		b.cancel()
		b.logger.Debug().Msg("Batcher closed")
		return nil
	case <-ctx.Done():
		b.cancel()
		b.logger.Warn().Err(ctx.Err()).Msg("Batcher close interrupted, cancelling in-flight batches")
		return ctx.Err()
	}
}

// swapLocked closes the open window and installs a fresh one. It returns nil
// if the closed window was empty. Callers must hold mu and dispatch the
// returned window.
func (b *Batcher) swapLocked() *window {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++

	w := b.window
	b.window = &window{}

	if len(w.items) == 0 {
		return nil
	}
	b.inflight.Add(1)
	return w
}

// resetTimerLocked restarts the flush timer from now. A callback belonging
// to an earlier generation finds timerGen moved on and does nothing.
func (b *Batcher) resetTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timerGen++
	gen := b.timerGen
	b.timer = time.AfterFunc(b.config.Delay, func() {
		b.onTimer(gen)
	})
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	if gen != b.timerGen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	w := b.swapLocked()
	b.mu.Unlock()

	if w != nil {
		b.dispatch(w, triggerTimer)
	}
}

// dispatch sends a closed window and settles every request in it.
func (b *Batcher) dispatch(w *window, trigger string) {
	defer b.inflight.Done()

	batchID := uuid.NewString()
	logger := b.logger.With().
		Str("batch_id", batchID).
		Str("trigger", trigger).
		Logger()

	batchesTotal.WithLabelValues(trigger).Inc()

	survivors := make([]*Pending, 0, len(w.items))
	for _, p := range w.items {
		if err := p.ctx.Err(); err != nil {
			p.reject(cancelledError(err), outcomeCancelled)
			continue
		}
		survivors = append(survivors, p)
	}

	if len(survivors) == 0 {
		logger.Debug().
			Int("cancelled", len(w.items)).
			Msg("All requests cancelled before dispatch, skipping upstream call")
		return
	}

	reqs := make([]graphql.Request, len(survivors))
	for i, p := range survivors {
		reqs[i] = p.req
	}
	batchSize.Observe(float64(len(reqs)))

	logger.Debug().
		Int("batch_size", len(reqs)).
		Int("cancelled", len(w.items)-len(survivors)).
		Msg("Dispatching batch")

	body, err := b.transport.Send(b.ctx, reqs)
	if err == nil {
		var results []graphql.Response
		results, err = graphql.DecodeResponses(body)
		if err == nil {
			b.demultiplex(logger, survivors, results)
			return
		}
	}

	logger.Warn().
		Err(err).
		Int("batch_size", len(survivors)).
		Msg("Batch transport failed")

	terr := &TransportError{BatchID: batchID, Size: len(survivors), Err: err}
	for _, p := range survivors {
		p.reject(terr, outcomeTransport)
	}
}

// demultiplex hands result i to survivor i.
func (b *Batcher) demultiplex(logger zerolog.Logger, survivors []*Pending, results []graphql.Response) {
	if len(results) < len(survivors) {
		logger.Warn().
			Int("expected", len(survivors)).
			Int("got", len(results)).
			Bool("positional_fallback", b.config.PositionalFallback).
			Msg("Batch response shorter than request list")
	}

	for i, p := range survivors {
		res, ok := b.resultAt(results, i)
		if !ok {
			p.reject(malformedError(len(survivors), len(results)), outcomeMalformed)
			continue
		}
		if res.HasErrors() {
			p.reject(&UpstreamQueryError{Errors: res.Errors}, outcomeUpstream)
			continue
		}
		p.resolve(res.Data)
	}
}

func (b *Batcher) resultAt(results []graphql.Response, i int) (graphql.Response, bool) {
	if i < len(results) {
		return results[i], true
	}
	if b.config.PositionalFallback && len(results) > 0 {
		return results[0], true
	}
	return graphql.Response{}, false
}
