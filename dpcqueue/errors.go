package dpcqueue

import (
	"fmt"

	"github.com/google/uuid"
)

// SubmissionFailure is returned when a batch could not be persisted or
// published. When Persisted is true the record exists but was never
// published and is left for the reconciliation sweep.
type SubmissionFailure struct {
	JobID     uuid.UUID
	Persisted bool
	Err       error
}

func (e *SubmissionFailure) Error() string {
	if e.Persisted {
		return fmt.Sprintf("batch %s persisted but not published: %s", e.JobID, e.Err)
	}
	return fmt.Sprintf("failed to persist batch %s: %s", e.JobID, e.Err)
}

func (e *SubmissionFailure) Unwrap() error { return e.Err }

// StateConflict is returned when a batch is not in the status an operation
// requires, or another caller changed it first.
type StateConflict struct {
	JobID    uuid.UUID
	Expected []string
	Actual   string
}

func (e *StateConflict) Error() string {
	return fmt.Sprintf("batch %s is %s, expected %v", e.JobID, e.Actual, e.Expected)
}

// QueueFailure wraps errors from the record store or distribution queue, and
// errors returned by an update mutator.
type QueueFailure struct {
	JobID uuid.UUID
	Op    string
	Err   error
}

func (e *QueueFailure) Error() string {
	if e.JobID == uuid.Nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s batch %s: %s", e.Op, e.JobID, e.Err)
}

func (e *QueueFailure) Unwrap() error { return e.Err }
