// Package metrics holds the Prometheus collectors of the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels for DataMessages.
const (
	ResultAccepted     = "accepted"
	ResultDecodeFailed = "decode_failed"
)

var (
	// Feed metrics
	DataMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coralie_feed_data_messages_total",
			Help: "Reliable data-channel packets seen by the ingestor",
		},
		[]string{"result"}, // "accepted" or "decode_failed"
	)

	DataPayloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coralie_feed_data_payloads_total",
			Help: "Accepted data-channel payloads by parsed variant",
		},
		[]string{"variant"}, // "structured" or "raw"
	)

	TranscriptionsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coralie_feed_transcriptions_skipped_total",
			Help: "Malformed transcription units left out of the feed",
		},
	)

	FeedRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coralie_feed_rebuilds_total",
			Help: "Merged feed recomputations",
		},
	)

	FeedLength = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coralie_feed_length",
			Help:    "Number of messages in a rebuilt feed",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Export metrics
	BridgePublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coralie_bridge_published_total",
			Help: "Feed entries published to the message bus",
		},
		[]string{"result"}, // "ok" or "error"
	)

	// Worker metrics
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coralie_worker_active_jobs",
			Help: "Jobs currently running",
		},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coralie_worker_jobs_completed_total",
			Help: "Finished jobs by status",
		},
		[]string{"status"},
	)
)
