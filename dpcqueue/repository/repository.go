// package repository contains the methods needed to persist job queue batches
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/google/uuid"
)

type Repository interface {
	CreateBatch(ctx context.Context, batch *models.JobQueueBatch) error

	GetBatch(ctx context.Context, jobID uuid.UUID) (*models.JobQueueBatch, error)

	// UpdateBatch saves every mutable field of batch iff the stored status
	// still matches current.
	UpdateBatch(ctx context.Context, batch *models.JobQueueBatch, current models.JobStatus) error

	// GetBatchesByStatus returns the batches in status whose last update
	// happened before the given time.
	GetBatchesByStatus(ctx context.Context, status models.JobStatus, before time.Time) ([]*models.JobQueueBatch, error)
}

// Store is a Repository that can also run a group of calls atomically.
type Store interface {
	Repository

	// WithTx runs fn against a transaction scoped Repository. The transaction
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Repository) error) error
}

var (
	ErrJobNotUpdated = errors.New("job was not updated, no match found")
	ErrJobNotFound   = errors.New("no job found for given id")
)
