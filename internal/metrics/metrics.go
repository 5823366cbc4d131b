// Package metrics collects the prometheus/client_golang counters and
// gauges the admin surface exposes at /metrics. Grounded on the pack's
// promauto convention (bhmortim-quidnug's src/core/metrics.go), adapted
// from block/transaction counters to the identity-pipeline (C3-C8)
// counters this engine actually produces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is C3's current identity file queue length, by queue
	// name (C3 reports itself as "identity").
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wot_identity_queue_depth",
		Help: "Current number of pending identity files in the queue",
	}, []string{"lane"})

	// FilesProcessed counts C4's identity-file-processor outcomes.
	FilesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wot_identity_files_processed_total",
		Help: "Total number of identity files processed by outcome",
	}, []string{"outcome"}) // imported, parse_failed, import_failed

	// DownloadsRunning is the current number of in-flight downloads, by
	// downloader (fast/slow).
	DownloadsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wot_downloads_running",
		Help: "Current number of in-flight identity downloads",
	}, []string{"downloader"})

	// DownloadsCompleted counts finished downloads by downloader and
	// outcome (success/failed/given_up).
	DownloadsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wot_downloads_completed_total",
		Help: "Total number of completed identity downloads by outcome",
	}, []string{"downloader", "outcome"})

	// InsertsTotal counts C8's publish attempts by outcome.
	InsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wot_inserts_total",
		Help: "Total number of own-identity insert attempts by outcome",
	}, []string{"outcome"}) // inserted, deferred, failed

	// ScoreRecomputations counts C2 recompute passes by kind (full vs
	// incremental).
	ScoreRecomputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wot_score_recomputations_total",
		Help: "Total number of score recomputation passes",
	}, []string{"kind"})

	// Subscribers is C9's current local subscriber count.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wot_subscriptions_active",
		Help: "Current number of active local change-notification subscribers",
	})

	// NotificationsDropped counts C9 notifications dropped for a full
	// subscriber buffer.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wot_subscriptions_notifications_dropped_total",
		Help: "Total number of change notifications dropped for a slow subscriber",
	})
)
