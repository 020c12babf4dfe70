package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Sternrassler/anilist-gql-client/pkg/graphql"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingTransport records every upstream call and answers through respond.
type recordingTransport struct {
	mu      sync.Mutex
	calls   [][]graphql.Request
	respond func(ctx context.Context, reqs []graphql.Request) (json.RawMessage, error)
}

func (r *recordingTransport) Send(ctx context.Context, reqs []graphql.Request) (json.RawMessage, error) {
	r.mu.Lock()
	cp := make([]graphql.Request, len(reqs))
	copy(cp, reqs)
	r.calls = append(r.calls, cp)
	r.mu.Unlock()

	if r.respond == nil {
		return echo(reqs)
	}
	return r.respond(ctx, reqs)
}

func (r *recordingTransport) Calls() [][]graphql.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]graphql.Request, len(r.calls))
	copy(out, r.calls)
	return out
}

// echo answers each request with {"data":{"query":<query>,"variables":<vars>}}.
func echo(reqs []graphql.Request) (json.RawMessage, error) {
	out := make([]map[string]any, len(reqs))
	for i, r := range reqs {
		out[i] = map[string]any{"data": map[string]any{"query": r.Query, "variables": r.Variables}}
	}
	return json.Marshal(out)
}

type echoed struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func decodeEcho(t *testing.T, data json.RawMessage) echoed {
	t.Helper()
	var e echoed
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func newTestBatcher(t *testing.T, tr Transport, cfg Config) *Batcher {
	t.Helper()
	b, err := New(tr, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Close(ctx))
	})
	return b
}

func waitResult(t *testing.T, p *Pending) (json.RawMessage, error) {
	t.Helper()
	select {
	case <-p.Done():
		return p.Result()
	case <-time.After(5 * time.Second):
		t.Fatal("pending request did not settle")
		return nil, nil
	}
}

func TestNew_Validation(t *testing.T) {
	tr := &recordingTransport{}

	tests := []struct {
		name      string
		transport Transport
		config    Config
		errorMsg  string
	}{
		{
			name:      "valid config",
			transport: tr,
			config:    DefaultConfig(),
		},
		{
			name:     "nil transport",
			config:   DefaultConfig(),
			errorMsg: "transport is required",
		},
		{
			name:      "zero batch size",
			transport: tr,
			config:    Config{MaxBatchSize: 0, Delay: time.Millisecond},
			errorMsg:  "max_batch_size must be >= 1 (got 0)",
		},
		{
			name:      "zero delay",
			transport: tr,
			config:    Config{MaxBatchSize: 1},
			errorMsg:  "delay must be > 0 (got 0s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.transport, tt.config, zerolog.Nop())
			if tt.errorMsg != "" {
				require.EqualError(t, err, tt.errorMsg)
				return
			}
			require.NoError(t, err)
			require.NoError(t, b.Close(context.Background()))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.MaxBatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Delay)
	assert.False(t, cfg.PositionalFallback)
}

func TestBatcher_Coalescing(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 10, Delay: 20 * time.Millisecond})
	ctx := context.Background()

	pending := []*Pending{
		b.Enqueue(ctx, "query A { a }", map[string]any{"id": 1}),
		b.Enqueue(ctx, "query B { b }", nil),
		b.Enqueue(ctx, "query C { c }", map[string]any{"id": 3}),
	}

	for i, p := range pending {
		data, err := waitResult(t, p)
		require.NoError(t, err)
		assert.Equal(t, p.Request().Query, decodeEcho(t, data).Query, "request %d got a sibling's result", i)
	}

	calls := tr.Calls()
	require.Len(t, calls, 1, "expected exactly one upstream call")
	require.Len(t, calls[0], 3)
	assert.Equal(t, "query A { a }", calls[0][0].Query)
	assert.Equal(t, "query B { b }", calls[0][1].Query)
	assert.Equal(t, "query C { c }", calls[0][2].Query)
}

func TestBatcher_SizeTriggeredFlush(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 10, Delay: time.Hour})
	ctx := context.Background()

	pending := make([]*Pending, 10)
	for i := range pending {
		pending[i] = b.Enqueue(ctx, fmt.Sprintf("query Q%d { x }", i), nil)
	}

	for _, p := range pending {
		_, err := waitResult(t, p)
		require.NoError(t, err)
	}

	calls := tr.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 10)
	assert.Equal(t, 0, b.Len())
}

func TestBatcher_SizeLimitStartsNewWindow(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 2, Delay: 20 * time.Millisecond})
	ctx := context.Background()

	pending := []*Pending{
		b.Enqueue(ctx, "query A { a }", nil),
		b.Enqueue(ctx, "query B { b }", nil),
		b.Enqueue(ctx, "query C { c }", nil),
	}
	for _, p := range pending {
		_, err := waitResult(t, p)
		require.NoError(t, err)
	}

	calls := tr.Calls()
	require.Len(t, calls, 2)
	sizes := []int{len(calls[0]), len(calls[1])}
	assert.ElementsMatch(t, []int{2, 1}, sizes)
}

func TestBatcher_TimerRestartsOnEnqueue(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 10, Delay: 300 * time.Millisecond})
	ctx := context.Background()

	first := b.Enqueue(ctx, "query A { a }", nil)
	time.Sleep(150 * time.Millisecond)
	second := b.Enqueue(ctx, "query B { b }", nil)
	time.Sleep(200 * time.Millisecond)

	// 350ms after the first enqueue but only 200ms after the second.
	assert.Empty(t, tr.Calls(), "window flushed before the delay elapsed since the last enqueue")
	assert.False(t, first.Settled())

	_, err := waitResult(t, first)
	require.NoError(t, err)
	_, err = waitResult(t, second)
	require.NoError(t, err)

	calls := tr.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 2)
}

func TestBatcher_CancelledAtEnqueue(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := b.Enqueue(ctx, "query A { a }", nil)
	require.True(t, p.Settled(), "cancelled request must settle immediately")

	_, err := p.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Len())

	b.Flush()
	assert.Empty(t, tr.Calls())
}

func TestBatcher_CancelledBeforeDispatch(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 10, Delay: time.Hour})

	cancelCtx, cancel := context.WithCancel(context.Background())
	dropped := b.Enqueue(cancelCtx, "query Dropped { x }", nil)
	kept := b.Enqueue(context.Background(), "query Kept { y }", nil)

	cancel()
	b.Flush()

	_, err := waitResult(t, dropped)
	assert.ErrorIs(t, err, ErrCancelled)

	data, err := waitResult(t, kept)
	require.NoError(t, err)
	assert.Equal(t, "query Kept { y }", decodeEcho(t, data).Query)

	calls := tr.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 1)
	assert.Equal(t, "query Kept { y }", calls[0][0].Query)
}

func TestBatcher_AllCancelledSkipsTransport(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 10, Delay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	p1 := b.Enqueue(ctx, "query A { a }", nil)
	p2 := b.Enqueue(ctx, "query B { b }", nil)
	cancel()

	for _, p := range []*Pending{p1, p2} {
		_, err := waitResult(t, p)
		assert.ErrorIs(t, err, ErrCancelled)
	}
	assert.Empty(t, tr.Calls())
}

func TestBatcher_TransportFailureIsAllOrNothing(t *testing.T) {
	cause := errors.New("connection refused")
	tr := &recordingTransport{
		respond: func(context.Context, []graphql.Request) (json.RawMessage, error) {
			return nil, cause
		},
	}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 3, Delay: time.Hour})
	ctx := context.Background()

	pending := []*Pending{
		b.Enqueue(ctx, "query A { a }", nil),
		b.Enqueue(ctx, "query B { b }", nil),
		b.Enqueue(ctx, "query C { c }", nil),
	}

	var first *TransportError
	for _, p := range pending {
		_, err := waitResult(t, p)
		require.ErrorIs(t, err, cause)

		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, 3, terr.Size)
		if first == nil {
			first = terr
		}
		assert.Same(t, first, terr, "all requests of a window share one transport error")
	}
}

func TestBatcher_UndecodableBodyIsTransportError(t *testing.T) {
	tr := &recordingTransport{
		respond: func(context.Context, []graphql.Request) (json.RawMessage, error) {
			return json.RawMessage(`<html>bad gateway</html>`), nil
		},
	}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 1, Delay: time.Hour})

	_, err := waitResult(t, b.Enqueue(context.Background(), "query A { a }", nil))
	var terr *TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestBatcher_PerRequestUpstreamErrors(t *testing.T) {
	tr := &recordingTransport{
		respond: func(context.Context, []graphql.Request) (json.RawMessage, error) {
			return json.RawMessage(`[
				{"data": "A"},
				{"errors": [{"message": "x"}]},
				{"data": "C"}
			]`), nil
		},
	}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 3, Delay: time.Hour})
	ctx := context.Background()

	p1 := b.Enqueue(ctx, "query One { a }", nil)
	p2 := b.Enqueue(ctx, "query Two { b }", nil)
	p3 := b.Enqueue(ctx, "query Three { c }", nil)

	data, err := waitResult(t, p1)
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(data))

	_, err = waitResult(t, p2)
	var uerr *UpstreamQueryError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "x", uerr.Error())

	data, err = waitResult(t, p3)
	require.NoError(t, err)
	assert.JSONEq(t, `"C"`, string(data))
}

func TestBatcher_UpstreamErrorMessagesJoined(t *testing.T) {
	tr := &recordingTransport{
		respond: func(context.Context, []graphql.Request) (json.RawMessage, error) {
			return json.RawMessage(`{"data": null, "errors": [{"message": "Not Found."}, {"message": "Invalid id"}]}`), nil
		},
	}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 1, Delay: time.Hour})

	_, err := waitResult(t, b.Enqueue(context.Background(), "query A { a }", nil))
	var uerr *UpstreamQueryError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "Not Found., Invalid id", err.Error())
	assert.Equal(t, []string{"Not Found.", "Invalid id"}, uerr.Messages())
}

func TestBatcher_SingleObjectResponse(t *testing.T) {
	tr := &recordingTransport{
		respond: func(context.Context, []graphql.Request) (json.RawMessage, error) {
			return json.RawMessage(`{"data": {"Media": {"id": 5}}}`), nil
		},
	}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 1, Delay: time.Hour})

	data, err := waitResult(t, b.Enqueue(context.Background(), "query A { a }", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Media": {"id": 5}}`, string(data))
}

func TestBatcher_ShortResponse(t *testing.T) {
	short := func(context.Context, []graphql.Request) (json.RawMessage, error) {
		return json.RawMessage(`[{"data": "first"}]`), nil
	}

	t.Run("malformed by default", func(t *testing.T) {
		b := newTestBatcher(t, &recordingTransport{respond: short}, Config{MaxBatchSize: 2, Delay: time.Hour})
		ctx := context.Background()

		p1 := b.Enqueue(ctx, "query A { a }", nil)
		p2 := b.Enqueue(ctx, "query B { b }", nil)

		data, err := waitResult(t, p1)
		require.NoError(t, err)
		assert.JSONEq(t, `"first"`, string(data))

		_, err = waitResult(t, p2)
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Contains(t, err.Error(), "expected 2 results, got 1")
	})

	t.Run("positional fallback", func(t *testing.T) {
		b := newTestBatcher(t, &recordingTransport{respond: short},
			Config{MaxBatchSize: 2, Delay: time.Hour, PositionalFallback: true})
		ctx := context.Background()

		p1 := b.Enqueue(ctx, "query A { a }", nil)
		p2 := b.Enqueue(ctx, "query B { b }", nil)

		for _, p := range []*Pending{p1, p2} {
			data, err := waitResult(t, p)
			require.NoError(t, err)
			assert.JSONEq(t, `"first"`, string(data))
		}
	})

	t.Run("empty array with fallback", func(t *testing.T) {
		empty := func(context.Context, []graphql.Request) (json.RawMessage, error) {
			return json.RawMessage(`[]`), nil
		}
		b := newTestBatcher(t, &recordingTransport{respond: empty},
			Config{MaxBatchSize: 1, Delay: time.Hour, PositionalFallback: true})

		_, err := waitResult(t, b.Enqueue(context.Background(), "query A { a }", nil))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestBatcher_CancelledAfterDispatchStillSettles(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	tr := &recordingTransport{
		respond: func(_ context.Context, reqs []graphql.Request) (json.RawMessage, error) {
			close(entered)
			<-release
			return echo(reqs)
		},
	}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 1, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	p := b.Enqueue(ctx, "query Late { x }", nil)

	<-entered
	cancel()
	close(release)

	data, err := waitResult(t, p)
	require.NoError(t, err, "request cancelled after dispatch receives the batch outcome")
	assert.Equal(t, "query Late { x }", decodeEcho(t, data).Query)
}

func TestBatcher_EnqueueWhileDispatchingGoesToNewWindow(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	tr := &recordingTransport{
		respond: func(_ context.Context, reqs []graphql.Request) (json.RawMessage, error) {
			entered <- struct{}{}
			<-release
			return echo(reqs)
		},
	}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 10, Delay: time.Hour})
	ctx := context.Background()

	first := b.Enqueue(ctx, "query First { a }", nil)
	b.Flush()
	<-entered

	second := b.Enqueue(ctx, "query Second { b }", nil)
	assert.Equal(t, 1, b.Len())
	b.Flush()
	<-entered
	close(release)

	_, err := waitResult(t, first)
	require.NoError(t, err)
	_, err = waitResult(t, second)
	require.NoError(t, err)

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[0], 1)
	assert.Len(t, calls[1], 1)
}

func TestBatcher_ConcurrentEnqueue(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, Config{MaxBatchSize: 10, Delay: 5 * time.Millisecond})

	const callers = 200
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			data, err := b.Do(context.Background(), "query Item($id: Int) { Media(id: $id) { id } }",
				map[string]any{"id": id})
			if err != nil {
				errs <- err
				return
			}
			var e echoed
			if err := json.Unmarshal(data, &e); err != nil {
				errs <- err
				return
			}
			if got := int(e.Variables["id"].(float64)); got != id {
				errs <- fmt.Errorf("caller %d received result for %d", id, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	total := 0
	for _, call := range tr.Calls() {
		assert.LessOrEqual(t, len(call), 10)
		total += len(call)
	}
	assert.Equal(t, callers, total, "every request sent exactly once")
}

func TestBatcher_Close(t *testing.T) {
	tr := &recordingTransport{}
	b, err := New(tr, Config{MaxBatchSize: 10, Delay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	open := b.Enqueue(ctx, "query Open { a }", nil)

	require.NoError(t, b.Close(ctx))
	assert.True(t, open.Settled(), "Close waits for the flushed window")

	_, err = open.Result()
	require.NoError(t, err)

	_, err = b.Do(ctx, "query Late { b }", nil)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, b.Close(ctx), "Close is idempotent")
	assert.Len(t, tr.Calls(), 1)
}

func TestBatcher_CloseTimeoutCancelsInFlight(t *testing.T) {
	tr := &recordingTransport{
		respond: func(ctx context.Context, _ []graphql.Request) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	b, err := New(tr, Config{MaxBatchSize: 1, Delay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	p := b.Enqueue(context.Background(), "query Slow { a }", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)

	_, err = waitResult(t, p)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, context.Canceled)

	// the close waiter exits once the cancelled window finished
	b.inflight.Wait()
}

func TestBatcher_RepeatedCloseWaitsForDrain(t *testing.T) {
	release := make(chan struct{})
	tr := &recordingTransport{
		respond: func(_ context.Context, reqs []graphql.Request) (json.RawMessage, error) {
			<-release
			return echo(reqs)
		},
	}
	b, err := New(tr, Config{MaxBatchSize: 1, Delay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	p := b.Enqueue(context.Background(), "query Slow { a }", nil)

	first := make(chan error, 1)
	go func() { first <- b.Close(context.Background()) }()

	// a second caller gives up while the window is still in flight
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)

	close(release)

	require.NoError(t, b.Close(context.Background()))
	assert.True(t, p.Settled(), "Close returns only after the window settled")
	require.NoError(t, <-first)
}

func TestBatcher_EmptyQuery(t *testing.T) {
	tr := &recordingTransport{}
	b := newTestBatcher(t, tr, DefaultConfig())

	_, err := b.Do(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Equal(t, 0, b.Len())
}

func TestBatcher_TransportFunc(t *testing.T) {
	var got []graphql.Request
	tf := TransportFunc(func(_ context.Context, reqs []graphql.Request) (json.RawMessage, error) {
		got = reqs
		return json.RawMessage(`{"data": {"ok": true}}`), nil
	})
	b := newTestBatcher(t, tf, Config{MaxBatchSize: 1, Delay: time.Hour})

	data, err := b.Do(context.Background(), "query A { a }", map[string]any{"id": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(data))
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"id": 1}, got[0].Variables)
}
