package dpcqueue

import (
	"context"
	"errors"
	"time"

	"github.com/CMSgov/dpc-app/dpc/metrics"
	"github.com/CMSgov/dpc-app/dpcqueue/distribution"
	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/log"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ReconcilerConfig struct {
	// QUEUED batches untouched for this long may be missing from the distribution queue.
	OrphanTimeout time.Duration `conf:"DPC_ORPHAN_TIMEOUT" conf_default:"10m"`
	// RUNNING batches untouched for this long are assumed abandoned.
	StaleTimeout time.Duration `conf:"DPC_BATCH_STALE_TIMEOUT" conf_default:"1h"`
	MaxRetries   int           `conf:"DPC_MAX_BATCH_RETRIES" conf_default:"3"`
}

// ReconcileResult counts what a single sweep repaired.
type ReconcileResult struct {
	Republished int
	Requeued    int
	Failed      int
}

// Reconciler repairs the two stores after crashes and failed publishes:
// orphaned QUEUED batches are published again, and stale RUNNING batches
// are requeued until their retry budget is spent, then failed.
type Reconciler struct {
	queue  *DistributedQueue
	cfg    ReconcilerConfig
	logger logrus.FieldLogger
}

func NewReconciler(queue *DistributedQueue, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{queue: queue, cfg: cfg, logger: log.Queue}
}

func (r *Reconciler) Sweep(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	now := r.queue.now().UTC()

	orphans, err := r.queue.store.GetBatchesByStatus(ctx, models.JobStatusQueued, now.Add(-r.cfg.OrphanTimeout))
	if err != nil {
		return result, &QueueFailure{Op: "reconcile", Err: err}
	}
	for _, b := range orphans {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		republished, err := r.republish(ctx, b.JobID)
		if err != nil {
			r.logger.WithField("job_id", b.JobID).Errorf("Failed to republish orphaned batch: %s", err.Error())
			continue
		}
		if republished {
			result.Republished++
		}
	}

	stale, err := r.queue.store.GetBatchesByStatus(ctx, models.JobStatusRunning, now.Add(-r.cfg.StaleTimeout))
	if err != nil {
		return result, &QueueFailure{Op: "reconcile", Err: err}
	}
	for _, b := range stale {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		logger := r.logger.WithFields(logrus.Fields{"job_id": b.JobID, "retry_count": b.RetryCount})

		if b.RetryCount >= r.cfg.MaxRetries {
			if err := r.queue.complete(ctx, b.JobID, nil, models.JobStatusFailed); err != nil {
				logger.Errorf("Failed to fail stale batch: %s", err.Error())
				continue
			}
			metrics.ReconciledTotal.WithLabelValues("failed").Inc()
			logger.Warn("Stale batch exhausted its retries, marked FAILED")
			result.Failed++
			continue
		}

		if err := r.requeue(ctx, b.JobID); err != nil {
			logger.Errorf("Failed to requeue stale batch: %s", err.Error())
			continue
		}
		metrics.ReconciledTotal.WithLabelValues("requeued").Inc()
		logger.Warn("Requeued stale batch")
		result.Requeued++
	}

	return result, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := r.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Errorf("Reconciliation sweep failed: %s", err.Error())
				continue
			}
			r.logger.WithFields(logrus.Fields{
				"republished": result.Republished,
				"requeued":    result.Requeued,
				"failed":      result.Failed,
			}).Debug("Reconciliation sweep finished")
		}
	}
}

func (r *Reconciler) republish(ctx context.Context, jobID uuid.UUID) (bool, error) {
	if s, ok := r.queue.queue.(distribution.Searcher); ok {
		found, err := s.Contains(ctx, jobID)
		if err != nil {
			return false, err
		}
		if found {
			return false, nil
		}
	}

	// Touch the record so the next sweep waits a full timeout before trying again.
	if _, err := r.queue.transition(ctx, jobID, "republish", models.JobStatusQueued, nil, func(b *models.JobQueueBatch) error {
		return nil
	}); err != nil {
		return false, err
	}

	if err := r.queue.queue.Add(ctx, jobID); err != nil {
		return false, err
	}
	metrics.ReconciledTotal.WithLabelValues("republished").Inc()
	r.logger.WithField("job_id", jobID).Warn("Republished orphaned batch")
	return true, nil
}

// requeue is the only RUNNING to QUEUED transition. Output already written is
// discarded from the manifest; file names are deterministic so the next
// attempt overwrites it.
func (r *Reconciler) requeue(ctx context.Context, jobID uuid.UUID) error {
	if _, err := r.queue.transition(ctx, jobID, "requeue", models.JobStatusRunning, nil, func(b *models.JobQueueBatch) error {
		b.Status = models.JobStatusQueued
		b.StartTime = nil
		b.AggregatorID = nil
		b.Progress = nil
		b.Files = nil
		b.RetryCount++
		return nil
	}); err != nil {
		return err
	}

	return r.queue.queue.Add(ctx, jobID)
}
