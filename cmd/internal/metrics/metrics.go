// Package metrics exposes Prometheus instruments for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ripple_messages_ingested_total",
			Help: "Messages accepted into the write-ahead buffer",
		},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ripple_messages_rejected_total",
			Help: "Messages rejected before buffering",
		},
		[]string{"reason"}, // "buffer_full", "clock_regression", "invalid"
	)

	MessagesBroadcast = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ripple_messages_broadcast_total",
			Help: "Messages fanned out to live connections",
		},
	)

	// Flush metrics
	FlushBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ripple_flush_batches_total",
			Help: "Flush attempts by result",
		},
		[]string{"result"}, // "ok" or "fail"
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ripple_flush_duration_seconds",
			Help:    "Batched insert latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	FlushBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ripple_flush_batch_size",
			Help: "Current adaptive batch size",
		},
	)

	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ripple_buffer_depth",
			Help: "Accepted-but-unpersisted messages across all shards",
		},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ripple_connections_active",
			Help: "Live websocket connections",
		},
	)

	PresenceUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ripple_presence_users",
			Help: "Users currently announced online",
		},
	)

	ReactionsToggled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ripple_reactions_toggled_total",
			Help: "Reaction toggles by outcome",
		},
		[]string{"outcome"}, // "add", "remove", "noop", "fail"
	)

	// Read-side metrics
	HistoryQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ripple_history_queries_total",
			Help: "History queries by result",
		},
		[]string{"result"}, // "ok" or "fail"
	)
)
