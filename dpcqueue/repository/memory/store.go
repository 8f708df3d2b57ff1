// Package memory is an in-process repository.Store used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/dpcqueue/repository"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var _ repository.Store = &Store{}

// Store keeps cloned batches in a map. WithTx holds the store lock for the
// whole callback, so transactions are serialized.
type Store struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*models.JobQueueBatch
}

func NewStore() *Store {
	return &Store{batches: make(map[uuid.UUID]*models.JobQueueBatch)}
}

func (s *Store) CreateBatch(ctx context.Context, batch *models.JobQueueBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked().CreateBatch(ctx, batch)
}

func (s *Store) GetBatch(ctx context.Context, jobID uuid.UUID) (*models.JobQueueBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked().GetBatch(ctx, jobID)
}

func (s *Store) UpdateBatch(ctx context.Context, batch *models.JobQueueBatch, current models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked().UpdateBatch(ctx, batch, current)
}

func (s *Store) GetBatchesByStatus(ctx context.Context, status models.JobStatus, before time.Time) ([]*models.JobQueueBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked().GetBatchesByStatus(ctx, status, before)
}

// WithTx applies fn's writes only when it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(repository.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[uuid.UUID]*models.JobQueueBatch, len(s.batches))
	for id, b := range s.batches {
		staged[id] = b
	}

	if err := fn(&txRepository{batches: staged}); err != nil {
		return err
	}

	s.batches = staged
	return nil
}

// Len is the number of stored batches.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *Store) unlocked() *txRepository {
	return &txRepository{batches: s.batches}
}

// txRepository works on a map the caller has already locked.
type txRepository struct {
	batches map[uuid.UUID]*models.JobQueueBatch
}

func (r *txRepository) CreateBatch(ctx context.Context, batch *models.JobQueueBatch) error {
	if _, ok := r.batches[batch.JobID]; ok {
		return errors.Errorf("batch %s already exists", batch.JobID)
	}
	r.batches[batch.JobID] = batch.Clone()
	return nil
}

func (r *txRepository) GetBatch(ctx context.Context, jobID uuid.UUID) (*models.JobQueueBatch, error) {
	b, ok := r.batches[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	return b.Clone(), nil
}

func (r *txRepository) UpdateBatch(ctx context.Context, batch *models.JobQueueBatch, current models.JobStatus) error {
	b, ok := r.batches[batch.JobID]
	if !ok || b.Status != current {
		return repository.ErrJobNotUpdated
	}
	r.batches[batch.JobID] = batch.Clone()
	return nil
}

func (r *txRepository) GetBatchesByStatus(ctx context.Context, status models.JobStatus, before time.Time) ([]*models.JobQueueBatch, error) {
	var batches []*models.JobQueueBatch
	for _, b := range r.batches {
		if b.Status == status && b.UpdateTime.Before(before) {
			batches = append(batches, b.Clone())
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].UpdateTime.Before(batches[j].UpdateTime) })
	return batches, nil
}
