package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/dpcqueue/repository"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	pkgerrors "github.com/pkg/errors"
)

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type executable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	sqlFlavor = sqlbuilder.PostgreSQL

	batchTable = "job_queue_batch"
	fileTable  = "job_queue_batch_file"
)

var batchColumns = []string{"job_id", "organization_id", "provider_id", "status", "resource_types", "patients",
	"progress", "retry_count", "aggregator_id", "submit_time", "start_time", "complete_time", "update_time"}

var fileColumns = []string{"job_id", "resource_type", "sequence", "file_name", "location", "count",
	"checksum", "file_length"}

// Ensure Repository satisfies the interface
var _ repository.Repository = &Repository{}

type Repository struct {
	queryable
	executable
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db, db}
}

func NewRepositoryTx(tx *sql.Tx) *Repository {
	return &Repository{tx, tx}
}

func (r *Repository) CreateBatch(ctx context.Context, batch *models.JobQueueBatch) error {
	resourceTypes, patients, progress, err := marshalBatch(batch)
	if err != nil {
		return err
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto(batchTable)
	ib.Cols(batchColumns...).
		Values(batch.JobID.String(), batch.OrganizationID.String(), batch.ProviderID, string(batch.Status),
			resourceTypes, patients, progress, batch.RetryCount, nullUUID(batch.AggregatorID),
			nullTime(batch.SubmitTime), nullTime(batch.StartTime), nullTime(batch.CompleteTime), batch.UpdateTime)

	query, args := ib.Build()
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return pkgerrors.Wrapf(err, "failed to insert batch %s", batch.JobID)
	}

	return r.insertFiles(ctx, batch.JobID, batch.Files)
}

func (r *Repository) GetBatch(ctx context.Context, jobID uuid.UUID) (*models.JobQueueBatch, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(batchColumns...).From(batchTable).Where(sb.Equal("job_id", jobID.String()))

	query, args := sb.Build()
	batch, err := scanBatch(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrJobNotFound
		}
		return nil, err
	}

	if batch.Files, err = r.getFiles(ctx, jobID); err != nil {
		return nil, err
	}

	return batch, nil
}

func (r *Repository) UpdateBatch(ctx context.Context, batch *models.JobQueueBatch, current models.JobStatus) error {
	resourceTypes, patients, progress, err := marshalBatch(batch)
	if err != nil {
		return err
	}

	ub := sqlFlavor.NewUpdateBuilder().Update(batchTable)
	ub.Set(
		ub.Assign("status", string(batch.Status)),
		ub.Assign("resource_types", resourceTypes),
		ub.Assign("patients", patients),
		ub.Assign("progress", progress),
		ub.Assign("retry_count", batch.RetryCount),
		ub.Assign("aggregator_id", nullUUID(batch.AggregatorID)),
		ub.Assign("start_time", nullTime(batch.StartTime)),
		ub.Assign("complete_time", nullTime(batch.CompleteTime)),
		ub.Assign("update_time", batch.UpdateTime),
	)
	ub.Where(ub.Equal("job_id", batch.JobID.String()), ub.Equal("status", string(current)))

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return repository.ErrJobNotUpdated
	}

	// The manifest is small, so it is rewritten whole on every save.
	db := sqlFlavor.NewDeleteBuilder().DeleteFrom(fileTable)
	db.Where(db.Equal("job_id", batch.JobID.String()))
	query, args = db.Build()
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return pkgerrors.Wrapf(err, "failed to clear files for batch %s", batch.JobID)
	}

	return r.insertFiles(ctx, batch.JobID, batch.Files)
}

func (r *Repository) GetBatchesByStatus(ctx context.Context, status models.JobStatus, before time.Time) ([]*models.JobQueueBatch, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(batchColumns...).From(batchTable)
	sb.Where(sb.Equal("status", string(status)), sb.LessThan("update_time", before))
	sb.OrderBy("update_time").Asc()

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*models.JobQueueBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, batch := range batches {
		if batch.Files, err = r.getFiles(ctx, batch.JobID); err != nil {
			return nil, err
		}
	}

	return batches, nil
}

func (r *Repository) getFiles(ctx context.Context, jobID uuid.UUID) ([]models.JobQueueBatchFile, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(fileColumns[1:]...).From(fileTable).Where(sb.Equal("job_id", jobID.String()))
	sb.OrderBy("resource_type", "sequence").Asc()

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.JobQueueBatchFile
	for rows.Next() {
		var (
			f            models.JobQueueBatchFile
			resourceType string
		)
		if err := rows.Scan(&resourceType, &f.Sequence, &f.FileName, &f.Location, &f.Count,
			&f.Checksum, &f.FileLength); err != nil {
			return nil, err
		}
		f.ResourceType = models.ResourceType(resourceType)
		files = append(files, f)
	}

	return files, rows.Err()
}

func (r *Repository) insertFiles(ctx context.Context, jobID uuid.UUID, files []models.JobQueueBatchFile) error {
	if len(files) == 0 {
		return nil
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto(fileTable)
	ib.Cols(fileColumns...)
	for _, f := range files {
		ib.Values(jobID.String(), string(f.ResourceType), f.Sequence, f.FileName, f.Location, f.Count,
			f.Checksum, f.FileLength)
	}

	query, args := ib.Build()
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return pkgerrors.Wrapf(err, "failed to insert files for batch %s", jobID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row scanner) (*models.JobQueueBatch, error) {
	var (
		b                                   models.JobQueueBatch
		jobID, orgID, status                string
		resourceTypes, patients, progress   string
		aggregatorID                        sql.NullString
		submitTime, startTime, completeTime sql.NullTime
	)

	if err := row.Scan(&jobID, &orgID, &b.ProviderID, &status, &resourceTypes, &patients, &progress,
		&b.RetryCount, &aggregatorID, &submitTime, &startTime, &completeTime, &b.UpdateTime); err != nil {
		return nil, err
	}

	var err error
	if b.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid job id")
	}
	if b.OrganizationID, err = uuid.Parse(orgID); err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid organization id for batch %s", jobID)
	}
	if aggregatorID.Valid {
		id, err := uuid.Parse(aggregatorID.String)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "invalid aggregator id for batch %s", jobID)
		}
		b.AggregatorID = &id
	}

	b.Status = models.JobStatus(status)
	b.SubmitTime, b.StartTime, b.CompleteTime = timePtr(submitTime), timePtr(startTime), timePtr(completeTime)

	if err := json.Unmarshal([]byte(resourceTypes), &b.ResourceTypes); err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid resource types for batch %s", jobID)
	}
	if err := json.Unmarshal([]byte(patients), &b.PatientIDs); err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid patients for batch %s", jobID)
	}
	if progress != "" {
		if err := json.Unmarshal([]byte(progress), &b.Progress); err != nil {
			return nil, pkgerrors.Wrapf(err, "invalid progress for batch %s", jobID)
		}
	}

	return &b, nil
}

func marshalBatch(b *models.JobQueueBatch) (resourceTypes, patients, progress string, err error) {
	var data []byte
	if data, err = json.Marshal(b.ResourceTypes); err != nil {
		return
	}
	resourceTypes = string(data)

	if data, err = json.Marshal(b.PatientIDs); err != nil {
		return
	}
	patients = string(data)

	if data, err = json.Marshal(b.Progress); err != nil {
		return
	}
	progress = string(data)
	return
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
