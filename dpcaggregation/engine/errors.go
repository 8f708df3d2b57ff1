package engine

import (
	"fmt"

	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/google/uuid"
)

// WriteFailure means an output file could not be persisted after every
// allowed attempt. The resource type it belongs to is failed.
type WriteFailure struct {
	JobID        uuid.UUID
	ResourceType models.ResourceType
	FileName     string
	Err          error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("failed to write %s for batch %s (%s): %s", e.FileName, e.JobID, e.ResourceType, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// SchedulingFault is a failure of the polling loop itself rather than of a
// batch. It is the only error Run returns and should end the process.
type SchedulingFault struct {
	Err error
}

func (e *SchedulingFault) Error() string {
	return fmt.Sprintf("aggregation engine scheduling fault: %s", e.Err)
}

func (e *SchedulingFault) Unwrap() error { return e.Err }
