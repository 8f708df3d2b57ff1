package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dpc_batches_submitted_total",
			Help: "Total number of batches persisted and published",
		},
	)

	SubmissionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpc_batch_submission_failures_total",
			Help: "Total number of submissions that failed",
		},
		[]string{"stage"}, // persist, publish
	)

	BatchesClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dpc_batches_claimed_total",
			Help: "Total number of batches moved to RUNNING",
		},
	)

	ClaimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dpc_batch_claim_conflicts_total",
			Help: "Total number of polled ids whose record could not be claimed",
		},
	)

	BatchesCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpc_batches_completed_total",
			Help: "Total number of batches reaching a terminal status",
		},
		[]string{"status"},
	)

	ReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpc_batches_reconciled_total",
			Help: "Total number of batches repaired by the reconciliation sweep",
		},
		[]string{"action"}, // republished, requeued, failed
	)

	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpc_fetches_total",
			Help: "Patient resource fetches by outcome",
		},
		[]string{"resource_type", "outcome"}, // success, failed, suppressed
	)

	RecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpc_records_written_total",
			Help: "Total number of resources written to export files",
		},
		[]string{"resource_type"},
	)

	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dpc_queue_length",
			Help: "Number of ids waiting in the distribution queue",
		},
		[]string{"queue_type"},
	)

	BatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dpc_batch_duration_seconds",
			Help:    "Time from claim to completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
		},
		[]string{"status"},
	)
)
