// Package distribution hands batch ids to aggregation engines. It never holds
// batch state; the record store is authoritative.
package distribution

import (
	"context"

	"github.com/google/uuid"
)

// Queue is a FIFO of job ids shared by every engine.
type Queue interface {
	// Add publishes jobID for a future Poll.
	Add(ctx context.Context, jobID uuid.UUID) error

	// Poll removes and returns the oldest id without blocking. The boolean is
	// false when the queue is empty. An id is returned to at most one caller.
	Poll(ctx context.Context) (uuid.UUID, bool, error)

	Size(ctx context.Context) (int64, error)

	// Type describes the backend for monitoring.
	Type() string
}

// Searcher is implemented by backends that can report whether an id is
// waiting without removing it.
type Searcher interface {
	Contains(ctx context.Context, jobID uuid.UUID) (bool, error)
}
