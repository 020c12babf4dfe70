// Package batcher coalesces independently issued GraphQL requests into a
// single upstream call and fans the combined response back out.
//
// Requests are collected into a window. A window is dispatched when it
// reaches Config.MaxBatchSize or when Config.Delay has elapsed since the
// most recent enqueue, whichever comes first. Each window produces at most
// one Transport call carrying its requests in submission order; each caller
// receives the element of the response at its own position.
//
// # Basic Usage
//
//	b, err := batcher.New(transport, batcher.DefaultConfig(), logger)
//	if err != nil {
//		return err
//	}
//	defer b.Close(ctx)
//
//	data, err := b.Do(ctx, `query AnimeById($id: Int) { Media(id: $id) { id } }`,
//		map[string]any{"id": 5})
//
// # Cancellation
//
// The caller's context is the cancellation token. It is consulted twice: at
// Enqueue and when the window is dispatched. A request cancelled before
// dispatch settles with ErrCancelled and never reaches the network. A request
// cancelled after its window was dispatched is still sent, and its Pending
// settles with whatever the batch produced.
//
// # Errors
//
//   - ErrCancelled: context done before dispatch
//   - *TransportError: the combined call failed; every request in the window gets the same one
//   - *UpstreamQueryError: the request's own slice of the response carried GraphQL errors
//   - ErrMalformed: the response had fewer elements than requests sent
//
// # Metrics
//
//   - gql_batches_total{trigger} - windows dispatched, by trigger (size, timer, manual, close)
//   - gql_batch_size - requests per upstream call
//   - gql_batch_requests_total{outcome} - settled requests by outcome
package batcher
