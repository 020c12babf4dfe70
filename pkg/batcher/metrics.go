package batcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch triggers.
const (
	triggerSize   = "size"
	triggerTimer  = "timer"
	triggerManual = "manual"
	triggerClose  = "close"
)

// Request outcomes.
const (
	outcomeOK        = "ok"
	outcomeCancelled = "cancelled"
	outcomeTransport = "transport_error"
	outcomeUpstream  = "upstream_error"
	outcomeMalformed = "malformed"
	outcomeRejected  = "rejected"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gql_batches_total",
		Help: "Total batch windows dispatched by trigger",
	}, []string{"trigger"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gql_batch_size",
		Help:    "Number of requests carried by one upstream call",
		Buckets: []float64{1, 2, 3, 5, 8, 10, 20, 50},
	})

	batchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gql_batch_requests_total",
		Help: "Total batched requests settled by outcome",
	}, []string{"outcome"})
)
