package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	Dispatched = "dispatched"
	Ignored    = "ignored"
	Skipped    = "skipped"
	Failed     = "failed"
	Success    = "success"
)

var (
	OpsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_ops_total",
		Help: "the number of oplog entries received, by op kind and outcome",
	}, []string{"kind", "outcome"})
	DocsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listener_docs_enqueued_total",
		Help: "the number of documents queued for the sink",
	})
	TransformFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listener_transform_failures_total",
		Help: "the number of documents replaced by a processing-failed document",
	})
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_batches_total",
		Help: "the number of batches handed to the sink, by outcome",
	}, []string{"outcome"})
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "listener_batch_duration_seconds",
		Help:    "the time the sink took to process a batch",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listener_queue_depth",
		Help: "the number of documents waiting for a batch flush",
	})
	BackfillDocs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listener_backfill_docs_total",
		Help: "the number of documents processed by the full collection walk",
	})
	CheckpointErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_checkpoint_errors_total",
		Help: "the number of failed checkpoint reads and writes",
	}, []string{"op"})
	LastPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listener_last_position_seconds",
		Help: "the wall time of the most recently observed oplog entry",
	})
)
