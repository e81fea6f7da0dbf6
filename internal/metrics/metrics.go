// Package metrics registers the prometheus collectors of the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message pipeline
	MessagesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_messages_created_total",
			Help: "Messages committed by the write serializer",
		},
	)

	MessagesMutated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_messages_mutated_total",
			Help: "Edits and deletes committed by the write serializer",
		},
		[]string{"kind"}, // "edited" or "deleted"
	)

	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_dedup_hits_total",
			Help: "Submissions resolved to an already committed message",
		},
		[]string{"stage"}, // "read_path" or "write_lane"
	)

	ValidationRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_validation_rejects_total",
			Help: "Submissions rejected before reaching the write lane",
		},
	)

	// Write serializer
	WriteQueueRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_write_queue_rejects_total",
			Help: "Submissions rejected because the write queue was full",
		},
	)

	WriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_write_queue_depth",
			Help: "Requests waiting in the write queue",
		},
	)

	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomchat_commit_duration_seconds",
			Help:    "Time spent applying one operation against the store",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	CommitErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_commit_errors_total",
			Help: "Operations aborted by the store",
		},
		[]string{"code"},
	)

	// Connection registry
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_active_connections",
			Help: "Registered connections",
		},
	)

	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_connection_evictions_total",
			Help: "Connections forcibly closed by the registry",
		},
		[]string{"reason"},
	)

	BroadcastsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_broadcast_deliveries_total",
			Help: "Events placed in a connection outbound buffer",
		},
	)

	// Search
	IndexDesyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_index_desync_total",
			Help: "Index updates that failed and left the index behind the store",
		},
	)

	IndexedDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_indexed_documents",
			Help: "Documents currently in the search index",
		},
	)

	SearchQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_search_queries_total",
			Help: "Search queries served",
		},
	)

	// Catch-up
	CatchupMessages = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomchat_catchup_batch_size",
			Help:    "Messages replayed per resumed room",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	// Relay
	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_relay_events_total",
			Help: "Events published to or received from the cross-process relay",
		},
		[]string{"direction"},
	)
)
