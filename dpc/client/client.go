package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CMSgov/dpc-app/dpcqueue/models"
)

// DataSource retrieves the resources of one type for one patient.
type DataSource interface {
	Fetch(ctx context.Context, resourceType models.ResourceType, patientID string) ([]json.RawMessage, error)
}

// FetchError is a failed Fetch. Transient errors may succeed when retried.
type FetchError struct {
	ResourceType models.ResourceType
	PatientID    string
	StatusCode   int
	Transient    bool
	Err          error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failure fetching %s for patient %s (status %d): %s",
			kind, e.ResourceType, e.PatientID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failure fetching %s for patient %s: %s", kind, e.ResourceType, e.PatientID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a FetchError worth retrying. Errors of
// any other type are treated as transient.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return err != nil
}
