package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether no transition may leave the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type ResourceType string

const (
	ResourceTypePatient              ResourceType = "Patient"
	ResourceTypeCoverage             ResourceType = "Coverage"
	ResourceTypeExplanationOfBenefit ResourceType = "ExplanationOfBenefit"
)

// resourceOrder is the fixed order in which a batch's resource types are processed.
var resourceOrder = map[ResourceType]int{
	ResourceTypePatient:              0,
	ResourceTypeCoverage:             1,
	ResourceTypeExplanationOfBenefit: 2,
}

func (r ResourceType) IsValid() bool {
	_, ok := resourceOrder[r]
	return ok
}

// ResourceProgress tracks the work done for one resource type of a batch.
type ResourceProgress struct {
	ResourceType ResourceType `json:"resourceType"`
	Total        int          `json:"total"`
	Processed    int          `json:"processed"`
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	Suppressed   int          `json:"suppressed"`
	Records      int          `json:"records"`
}

// JobQueueBatchFile is a manifest entry for one finalized output file.
type JobQueueBatchFile struct {
	ResourceType ResourceType `json:"resourceType"`
	Sequence     int          `json:"sequence"`
	FileName     string       `json:"fileName"`
	Location     string       `json:"location"`
	Count        int          `json:"count"`
	Checksum     string       `json:"checksum"`
	FileLength   int64        `json:"fileLength"`
}

// FormOutputFileName returns the deterministic name of an output file.
func FormOutputFileName(jobID uuid.UUID, resourceType ResourceType, sequence int) string {
	return fmt.Sprintf("%s-%s.%d.ndjson", jobID, resourceType, sequence)
}

// JobQueueBatch is the unit of work handed out by the queue.
type JobQueueBatch struct {
	JobID          uuid.UUID
	OrganizationID uuid.UUID
	ProviderID     string
	Status         JobStatus
	ResourceTypes  []ResourceType
	PatientIDs     []string
	Progress       []ResourceProgress
	Files          []JobQueueBatchFile
	RetryCount     int
	AggregatorID   *uuid.UUID

	SubmitTime   *time.Time
	StartTime    *time.Time
	CompleteTime *time.Time
	UpdateTime   time.Time
}

// NewJobQueueBatch constructs a QUEUED batch submitted at submitTime.
func NewJobQueueBatch(orgID uuid.UUID, providerID string, patientIDs []string,
	resourceTypes []ResourceType, submitTime time.Time) *JobQueueBatch {
	patients := make([]string, len(patientIDs))
	copy(patients, patientIDs)
	resources := make([]ResourceType, len(resourceTypes))
	copy(resources, resourceTypes)

	return &JobQueueBatch{
		JobID:          uuid.New(),
		OrganizationID: orgID,
		ProviderID:     providerID,
		Status:         JobStatusQueued,
		ResourceTypes:  resources,
		PatientIDs:     patients,
		SubmitTime:     &submitTime,
		UpdateTime:     submitTime,
	}
}

// IsValid checks that the populated timestamps agree with the status and
// with each other.
func (b *JobQueueBatch) IsValid() bool {
	if b.SubmitTime == nil || len(b.ResourceTypes) == 0 {
		return false
	}

	switch b.Status {
	case JobStatusQueued:
		if b.StartTime != nil || b.CompleteTime != nil {
			return false
		}
	case JobStatusRunning:
		if b.StartTime == nil || b.CompleteTime != nil {
			return false
		}
	case JobStatusCompleted, JobStatusFailed:
		if b.StartTime == nil || b.CompleteTime == nil {
			return false
		}
	default:
		return false
	}

	if b.StartTime != nil && b.StartTime.Before(*b.SubmitTime) {
		return false
	}
	if b.CompleteTime != nil && b.CompleteTime.Before(*b.StartTime) {
		return false
	}

	return true
}

// OrderedResourceTypes returns the batch's resource types in processing order.
func (b *JobQueueBatch) OrderedResourceTypes() []ResourceType {
	ordered := make([]ResourceType, len(b.ResourceTypes))
	copy(ordered, b.ResourceTypes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return resourceOrder[ordered[i]] < resourceOrder[ordered[j]]
	})
	return ordered
}

// GetProgress returns the progress entry for resourceType, creating it when missing.
func (b *JobQueueBatch) GetProgress(resourceType ResourceType) *ResourceProgress {
	for i := range b.Progress {
		if b.Progress[i].ResourceType == resourceType {
			return &b.Progress[i]
		}
	}
	b.Progress = append(b.Progress, ResourceProgress{ResourceType: resourceType, Total: len(b.PatientIDs)})
	return &b.Progress[len(b.Progress)-1]
}

// FilesFor returns the manifest entries for resourceType in sequence order.
func (b *JobQueueBatch) FilesFor(resourceType ResourceType) []JobQueueBatchFile {
	var files []JobQueueBatchFile
	for _, f := range b.Files {
		if f.ResourceType == resourceType {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Sequence < files[j].Sequence })
	return files
}

// RecordCount is the total number of records across the manifest.
func (b *JobQueueBatch) RecordCount() int {
	total := 0
	for _, f := range b.Files {
		total += f.Count
	}
	return total
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (b *JobQueueBatch) Clone() *JobQueueBatch {
	c := *b
	c.ResourceTypes = append([]ResourceType(nil), b.ResourceTypes...)
	c.PatientIDs = append([]string(nil), b.PatientIDs...)
	c.Progress = append([]ResourceProgress(nil), b.Progress...)
	c.Files = append([]JobQueueBatchFile(nil), b.Files...)
	c.SubmitTime = cloneTime(b.SubmitTime)
	c.StartTime = cloneTime(b.StartTime)
	c.CompleteTime = cloneTime(b.CompleteTime)
	if b.AggregatorID != nil {
		id := *b.AggregatorID
		c.AggregatorID = &id
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
