package distribution

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

var (
	_ Queue    = &MemoryQueue{}
	_ Searcher = &MemoryQueue{}
)

// MemoryQueue is a process local Queue for tests and single node runs.
type MemoryQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Add(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *MemoryQueue) Poll(ctx context.Context) (uuid.UUID, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return uuid.Nil, false, nil
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true, nil
}

func (q *MemoryQueue) Size(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ids)), nil
}

func (q *MemoryQueue) Contains(ctx context.Context, jobID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.ids {
		if id == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Type() string {
	return "in-memory queue"
}
