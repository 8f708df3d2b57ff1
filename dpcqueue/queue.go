// Package dpcqueue is the job queue used by the aggregation engine. It keeps
// the durable batch record and the distribution queue consistent: the record
// store is authoritative and the distribution queue only signals readiness.
package dpcqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CMSgov/dpc-app/dpc/metrics"
	"github.com/CMSgov/dpc-app/dpcqueue/distribution"
	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/dpcqueue/repository"
	"github.com/CMSgov/dpc-app/log"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidBatch            = errors.New("invalid batch")
	ErrInvalidCompletionStatus = errors.New("completion status must be COMPLETED or FAILED")
)

// Mutator changes a batch in place. Returning an error aborts the update.
type Mutator func(batch *models.JobQueueBatch) error

type JobQueue interface {
	// SubmitJob persists a QUEUED batch and then publishes its id.
	SubmitJob(ctx context.Context, orgID uuid.UUID, providerID string, patientIDs []string,
		resourceTypes []models.ResourceType) (uuid.UUID, error)

	// ClaimBatch moves the next published batch to RUNNING. It returns nil
	// when nothing is waiting.
	ClaimBatch(ctx context.Context, aggregatorID uuid.UUID) (*models.JobQueueBatch, error)

	// UpdateBatch applies mutator to a RUNNING batch held by aggregatorID and
	// saves the result.
	UpdateBatch(ctx context.Context, jobID, aggregatorID uuid.UUID, mutator Mutator) (*models.JobQueueBatch, error)

	// CompleteBatch moves a RUNNING batch held by aggregatorID to a terminal status.
	CompleteBatch(ctx context.Context, jobID, aggregatorID uuid.UUID, status models.JobStatus) error

	GetBatch(ctx context.Context, jobID uuid.UUID) (*models.JobQueueBatch, error)

	// QueueSize is the distribution queue length. It is for monitoring only.
	QueueSize(ctx context.Context) (int64, error)

	QueueType() string
}

var _ JobQueue = &DistributedQueue{}

type DistributedQueue struct {
	store  repository.Store
	queue  distribution.Queue
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewDistributedQueue(store repository.Store, queue distribution.Queue) *DistributedQueue {
	return &DistributedQueue{
		store:  store,
		queue:  queue,
		logger: log.Queue,
		now:    time.Now,
	}
}

func (q *DistributedQueue) SubmitJob(ctx context.Context, orgID uuid.UUID, providerID string, patientIDs []string,
	resourceTypes []models.ResourceType) (uuid.UUID, error) {

	batch := models.NewJobQueueBatch(orgID, providerID, patientIDs, resourceTypes, q.now().UTC())
	if err := validateSubmission(batch); err != nil {
		return uuid.Nil, &SubmissionFailure{JobID: batch.JobID, Err: err}
	}

	logger := q.logger.WithField("job_id", batch.JobID)

	if err := q.store.WithTx(ctx, func(r repository.Repository) error {
		return r.CreateBatch(ctx, batch)
	}); err != nil {
		metrics.SubmissionFailuresTotal.WithLabelValues("persist").Inc()
		logger.Errorf("Failed to persist batch: %s", err.Error())
		return uuid.Nil, &SubmissionFailure{JobID: batch.JobID, Err: err}
	}

	if err := q.queue.Add(ctx, batch.JobID); err != nil {
		metrics.SubmissionFailuresTotal.WithLabelValues("publish").Inc()
		logger.Errorf("Batch persisted but not published, leaving it for reconciliation: %s", err.Error())
		return uuid.Nil, &SubmissionFailure{JobID: batch.JobID, Persisted: true, Err: err}
	}

	metrics.BatchesSubmittedTotal.Inc()
	logger.WithFields(logrus.Fields{
		"patients":       len(batch.PatientIDs),
		"resource_types": batch.ResourceTypes,
	}).Info("Submitted batch")
	return batch.JobID, nil
}

func (q *DistributedQueue) ClaimBatch(ctx context.Context, aggregatorID uuid.UUID) (*models.JobQueueBatch, error) {
	jobID, ok, err := q.queue.Poll(ctx)
	if err != nil {
		return nil, &QueueFailure{Op: "poll", Err: err}
	}
	if !ok {
		return nil, nil
	}

	batch, err := q.transition(ctx, jobID, "claim", models.JobStatusQueued, nil, func(b *models.JobQueueBatch) error {
		start := notBefore(q.now().UTC(), *b.SubmitTime)
		b.Status = models.JobStatusRunning
		b.StartTime = &start
		b.AggregatorID = &aggregatorID
		return nil
	})
	if err != nil {
		var conflict *StateConflict
		if errors.As(err, &conflict) {
			metrics.ClaimConflictsTotal.Inc()
		}
		return nil, err
	}

	metrics.BatchesClaimedTotal.Inc()
	q.logger.WithFields(logrus.Fields{
		"job_id":        batch.JobID,
		"aggregator_id": aggregatorID,
		"queue_wait":    batch.StartTime.Sub(*batch.SubmitTime).String(),
	}).Info("Claimed batch")
	return batch, nil
}

func (q *DistributedQueue) UpdateBatch(ctx context.Context, jobID, aggregatorID uuid.UUID,
	mutator Mutator) (*models.JobQueueBatch, error) {
	return q.transition(ctx, jobID, "update", models.JobStatusRunning, &aggregatorID, func(b *models.JobQueueBatch) error {
		if err := mutator(b); err != nil {
			return err
		}
		// Status moves only through claim and complete.
		if b.Status != models.JobStatusRunning {
			return pkgerrors.Wrapf(ErrInvalidBatch, "mutator changed status to %s", b.Status)
		}
		return nil
	})
}

func (q *DistributedQueue) CompleteBatch(ctx context.Context, jobID, aggregatorID uuid.UUID, status models.JobStatus) error {
	return q.complete(ctx, jobID, &aggregatorID, status)
}

// complete checks ownership only when owner is set. The reconciler passes nil
// to fail batches whose aggregator is gone.
func (q *DistributedQueue) complete(ctx context.Context, jobID uuid.UUID, owner *uuid.UUID, status models.JobStatus) error {
	if !status.IsTerminal() {
		return pkgerrors.Wrapf(ErrInvalidCompletionStatus, "batch %s given %s", jobID, status)
	}

	batch, err := q.transition(ctx, jobID, "complete", models.JobStatusRunning, owner, func(b *models.JobQueueBatch) error {
		complete := notBefore(q.now().UTC(), *b.StartTime)
		b.Status = status
		b.CompleteTime = &complete
		return nil
	})
	if err != nil {
		return err
	}

	work := batch.CompleteTime.Sub(*batch.StartTime)
	metrics.BatchesCompletedTotal.WithLabelValues(string(status)).Inc()
	metrics.BatchDurationSeconds.WithLabelValues(string(status)).Observe(work.Seconds())
	q.logger.WithFields(logrus.Fields{
		"job_id":    jobID,
		"status":    status,
		"work_time": work.String(),
		"records":   batch.RecordCount(),
	}).Info("Completed batch")
	return nil
}

func (q *DistributedQueue) GetBatch(ctx context.Context, jobID uuid.UUID) (*models.JobQueueBatch, error) {
	batch, err := q.store.GetBatch(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, err
		}
		return nil, &QueueFailure{JobID: jobID, Op: "get", Err: err}
	}
	return batch, nil
}

func (q *DistributedQueue) QueueSize(ctx context.Context) (int64, error) {
	size, err := q.queue.Size(ctx)
	if err != nil {
		return 0, &QueueFailure{Op: "size", Err: err}
	}
	return size, nil
}

func (q *DistributedQueue) QueueType() string {
	return q.queue.Type()
}

// transition runs load, precondition, mutate and a conditional save in one
// transaction. The save only matches while the stored status is still from,
// so concurrent callers cannot both succeed. A non-nil owner must also match
// the batch's aggregator.
func (q *DistributedQueue) transition(ctx context.Context, jobID uuid.UUID, op string, from models.JobStatus,
	owner *uuid.UUID, mutate Mutator) (*models.JobQueueBatch, error) {

	var result *models.JobQueueBatch
	err := q.store.WithTx(ctx, func(r repository.Repository) error {
		batch, err := r.GetBatch(ctx, jobID)
		if errors.Is(err, repository.ErrJobNotFound) {
			return &StateConflict{JobID: jobID, Expected: []string{string(from)}, Actual: "missing"}
		} else if err != nil {
			return &QueueFailure{JobID: jobID, Op: op, Err: err}
		}

		if !batch.IsValid() {
			return &QueueFailure{JobID: jobID, Op: op, Err: pkgerrors.Wrap(ErrInvalidBatch, "stored record")}
		}
		if batch.Status != from {
			return &StateConflict{JobID: jobID, Expected: []string{string(from)}, Actual: string(batch.Status)}
		}
		if owner != nil && (batch.AggregatorID == nil || *batch.AggregatorID != *owner) {
			return &StateConflict{JobID: jobID, Expected: []string{fmt.Sprintf("%s claimed by %s", from, owner)},
				Actual: claimedBy(batch.AggregatorID)}
		}

		if err := mutate(batch); err != nil {
			return &QueueFailure{JobID: jobID, Op: op, Err: err}
		}
		batch.UpdateTime = q.now().UTC()
		if !batch.IsValid() {
			return &QueueFailure{JobID: jobID, Op: op, Err: pkgerrors.Wrap(ErrInvalidBatch, "after mutation")}
		}

		if err := r.UpdateBatch(ctx, batch, from); err != nil {
			if errors.Is(err, repository.ErrJobNotUpdated) {
				return &StateConflict{JobID: jobID, Expected: []string{string(from)}, Actual: "changed concurrently"}
			}
			return &QueueFailure{JobID: jobID, Op: op, Err: err}
		}

		result = batch
		return nil
	})
	if err != nil {
		var (
			conflict *StateConflict
			failure  *QueueFailure
		)
		if !errors.As(err, &conflict) && !errors.As(err, &failure) {
			// Begin or commit failed outside the callback.
			err = &QueueFailure{JobID: jobID, Op: op, Err: err}
		}
		return nil, err
	}
	return result, nil
}

func validateSubmission(b *models.JobQueueBatch) error {
	if b.OrganizationID == uuid.Nil {
		return pkgerrors.Wrap(ErrInvalidBatch, "organization id is required")
	}
	if len(b.ResourceTypes) == 0 {
		return pkgerrors.Wrap(ErrInvalidBatch, "at least one resource type is required")
	}
	for _, rt := range b.ResourceTypes {
		if !rt.IsValid() {
			return pkgerrors.Wrapf(ErrInvalidBatch, "unsupported resource type %q", rt)
		}
	}
	return nil
}

func claimedBy(id *uuid.UUID) string {
	if id == nil {
		return "unclaimed"
	}
	return fmt.Sprintf("claimed by %s", id)
}

// notBefore guards timestamp ordering against clock skew between processes.
func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}
