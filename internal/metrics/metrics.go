// Package metrics exposes prometheus instruments for the sync subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsMerged tracks merge endpoint throughput.
	// Labels allow filtering by outcome (created/updated/conflict) and entity type.
	OperationsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_operations_merged_total",
		Help: "Total number of client operations processed by the merge endpoint",
	}, []string{"outcome", "entity"})

	// RoundDuration measures how long one merge transaction takes
	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_merge_round_duration_seconds",
		Help:    "Duration of merge endpoint rounds in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RoundSize tracks the number of operations per sync round
	RoundSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_merge_round_size",
		Help:    "Number of operations per sync round",
		Buckets: []float64{1, 5, 10, 50, 100, 500},
	})

	// RoundFailures counts whole-round transaction failures.
	// The client retries the entire batch on these.
	RoundFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_merge_round_failures_total",
		Help: "Total number of sync rounds that failed to commit",
	})

	// FlushOutcomes tracks queue manager delivery results on the agent
	FlushOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_flush_operations_total",
		Help: "Total number of queued operations processed by the queue manager",
	}, []string{"outcome"}) // delivered, quarantined, requeued

	// QueueDepth is the number of pending operations in the durable queue
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_depth",
		Help: "Current number of pending operations in the durable sync queue",
	})

	// QuarantineDepth grows when operations exhaust their retries.
	// Growth means manual intervention is required.
	QuarantineDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_quarantine_depth",
		Help: "Current number of operations in the quarantine store",
	})

	// RealtimeConnections is the number of websocket clients on the hub
	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_realtime_connections",
		Help: "Current number of connected realtime channel clients",
	})

	// RealtimeReconnects counts agent-side reconnect attempts.
	// Frequent increments indicate network instability in the field.
	RealtimeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_realtime_reconnects_total",
		Help: "Total number of realtime channel reconnection attempts",
	})
)
