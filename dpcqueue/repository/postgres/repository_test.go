package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/dpcqueue/repository"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selectBatchRegex    = `^SELECT (.+) FROM job_queue_batch WHERE job_id = \$1$`
	selectFilesRegex    = `^SELECT (.+) FROM job_queue_batch_file WHERE job_id = \$1 ORDER BY (.+)$`
	updateBatchRegex    = `^UPDATE job_queue_batch SET (.+) WHERE job_id = \$\d+ AND status = \$\d+$`
	deleteFilesRegex    = `^DELETE FROM job_queue_batch_file WHERE job_id = \$1$`
	insertFilesRegex    = `^INSERT INTO job_queue_batch_file (.+) VALUES (.+)$`
	insertBatchRegex    = `^INSERT INTO job_queue_batch (.+) VALUES (.+)$`
	selectByStatusRegex = `^SELECT (.+) FROM job_queue_batch WHERE status = \$1 AND update_time < \$2 ORDER BY update_time ASC$`
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func runningBatch() *models.JobQueueBatch {
	submit := time.Now().Add(-time.Minute).Round(time.Millisecond).UTC()
	start := submit.Add(time.Second)
	agg := uuid.New()
	return &models.JobQueueBatch{
		JobID:          uuid.New(),
		OrganizationID: uuid.New(),
		ProviderID:     "provider-1",
		Status:         models.JobStatusRunning,
		ResourceTypes:  []models.ResourceType{models.ResourceTypePatient, models.ResourceTypeCoverage},
		PatientIDs:     []string{"A", "B"},
		Progress: []models.ResourceProgress{
			{ResourceType: models.ResourceTypePatient, Total: 2, Processed: 2, Succeeded: 2, Records: 2},
		},
		Files: []models.JobQueueBatchFile{
			{ResourceType: models.ResourceTypePatient, Sequence: 0, FileName: "f.ndjson", Location: "/tmp/f.ndjson",
				Count: 2, Checksum: "abc", FileLength: 10},
		},
		AggregatorID: &agg,
		SubmitTime:   &submit,
		StartTime:    &start,
		UpdateTime:   start,
	}
}

func batchRow(b *models.JobQueueBatch) *sqlmock.Rows {
	resourceTypes, patients, progress, _ := marshalBatch(b)
	var agg interface{}
	if b.AggregatorID != nil {
		agg = b.AggregatorID.String()
	}
	var start, complete interface{}
	if b.StartTime != nil {
		start = *b.StartTime
	}
	if b.CompleteTime != nil {
		complete = *b.CompleteTime
	}
	return sqlmock.NewRows(batchColumns).AddRow(b.JobID.String(), b.OrganizationID.String(), b.ProviderID,
		string(b.Status), resourceTypes, patients, progress, b.RetryCount, agg, *b.SubmitTime, start, complete,
		b.UpdateTime)
}

func fileRows(files []models.JobQueueBatchFile) *sqlmock.Rows {
	rows := sqlmock.NewRows(fileColumns[1:])
	for _, f := range files {
		rows.AddRow(string(f.ResourceType), f.Sequence, f.FileName, f.Location, f.Count, f.Checksum, f.FileLength)
	}
	return rows
}

func TestGetBatch(t *testing.T) {
	db, mock := newMock(t)
	expected := runningBatch()

	mock.ExpectQuery(selectBatchRegex).WithArgs(expected.JobID.String()).WillReturnRows(batchRow(expected))
	mock.ExpectQuery(selectFilesRegex).WithArgs(expected.JobID.String()).WillReturnRows(fileRows(expected.Files))

	batch, err := NewRepository(db).GetBatch(context.Background(), expected.JobID)
	assert.NoError(t, err)
	assert.Equal(t, expected, batch)
}

func TestGetBatchNotFound(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(selectBatchRegex).WithArgs(id.String()).WillReturnRows(sqlmock.NewRows(batchColumns))

	batch, err := NewRepository(db).GetBatch(context.Background(), id)
	assert.Nil(t, batch)
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
}

func TestGetBatchInvalidData(t *testing.T) {
	db, mock := newMock(t)
	b := runningBatch()
	b.ProviderID = "p"

	rows := sqlmock.NewRows(batchColumns).AddRow(b.JobID.String(), b.OrganizationID.String(), b.ProviderID,
		string(b.Status), "not-json", "[]", "[]", 0, nil, *b.SubmitTime, *b.StartTime, nil, b.UpdateTime)
	mock.ExpectQuery(selectBatchRegex).WillReturnRows(rows)

	_, err := NewRepository(db).GetBatch(context.Background(), b.JobID)
	assert.ErrorContains(t, err, "invalid resource types")
}

func TestCreateBatch(t *testing.T) {
	db, mock := newMock(t)
	b := runningBatch()
	b.Files = nil

	mock.ExpectExec(insertBatchRegex).
		WithArgs(b.JobID.String(), b.OrganizationID.String(), b.ProviderID, string(b.Status),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), b.RetryCount, sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, NewRepository(db).CreateBatch(context.Background(), b))
}

func TestCreateBatchFailure(t *testing.T) {
	db, mock := newMock(t)
	b := runningBatch()

	mock.ExpectExec(insertBatchRegex).WillReturnError(errors.New("connection refused"))

	err := NewRepository(db).CreateBatch(context.Background(), b)
	assert.ErrorContains(t, err, "connection refused")
	assert.ErrorContains(t, err, b.JobID.String())
}

func TestUpdateBatch(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		expErr   error
	}{
		{"Updated", 1, nil},
		{"Status changed underneath", 0, repository.ErrJobNotUpdated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			b := runningBatch()

			mock.ExpectExec(updateBatchRegex).WillReturnResult(sqlmock.NewResult(0, tt.affected))
			if tt.expErr == nil {
				mock.ExpectExec(deleteFilesRegex).WithArgs(b.JobID.String()).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(insertFilesRegex).
					WithArgs(b.JobID.String(), "Patient", 0, "f.ndjson", "/tmp/f.ndjson", 2, "abc", int64(10)).
					WillReturnResult(sqlmock.NewResult(0, 1))
			}

			err := NewRepository(db).UpdateBatch(context.Background(), b, models.JobStatusRunning)
			if tt.expErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expErr)
			}
		})
	}
}

func TestGetBatchesByStatus(t *testing.T) {
	db, mock := newMock(t)
	first, second := runningBatch(), runningBatch()
	second.Files = nil
	before := time.Now()

	rows := batchRow(first)
	resourceTypes, patients, progress, _ := marshalBatch(second)
	rows.AddRow(second.JobID.String(), second.OrganizationID.String(), second.ProviderID, string(second.Status),
		resourceTypes, patients, progress, second.RetryCount, second.AggregatorID.String(), *second.SubmitTime,
		*second.StartTime, nil, second.UpdateTime)

	mock.ExpectQuery(selectByStatusRegex).WithArgs(string(models.JobStatusRunning), before).WillReturnRows(rows)
	mock.ExpectQuery(selectFilesRegex).WithArgs(first.JobID.String()).WillReturnRows(fileRows(first.Files))
	mock.ExpectQuery(selectFilesRegex).WithArgs(second.JobID.String()).WillReturnRows(fileRows(nil))

	batches, err := NewRepository(db).GetBatchesByStatus(context.Background(), models.JobStatusRunning, before)
	assert.NoError(t, err)
	assert.Equal(t, []*models.JobQueueBatch{first, second}, batches)
}

func TestWithTx(t *testing.T) {
	t.Run("Commit", func(t *testing.T) {
		db, mock := newMock(t)
		b := runningBatch()
		b.Files = nil

		mock.ExpectBegin()
		mock.ExpectExec(updateBatchRegex).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(deleteFilesRegex).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := NewStore(db).WithTx(context.Background(), func(r repository.Repository) error {
			return r.UpdateBatch(context.Background(), b, models.JobStatusRunning)
		})
		assert.NoError(t, err)
	})

	t.Run("Rollback", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		expErr := errors.New("mutation failed")
		err := NewStore(db).WithTx(context.Background(), func(r repository.Repository) error {
			return expErr
		})
		assert.ErrorIs(t, err, expErr)
	})

	t.Run("Begin failure", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

		err := NewStore(db).WithTx(context.Background(), func(r repository.Repository) error {
			t.Fatal("fn must not run without a transaction")
			return nil
		})
		assert.ErrorContains(t, err, "failed to start transaction")
	})
}
