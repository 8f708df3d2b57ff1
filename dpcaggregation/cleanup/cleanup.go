// Package cleanup removes exported files of batches that finished before a
// retention cutoff.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/dpcqueue/repository"
	"github.com/CMSgov/dpc-app/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Cleaner struct {
	repo      repository.Repository
	exportDir string
	logger    logrus.FieldLogger
}

func NewCleaner(repo repository.Repository, exportDir string) *Cleaner {
	return &Cleaner{repo: repo, exportDir: exportDir, logger: log.Worker}
}

// GetCutOffTime returns now minus thresholdHr hours.
func GetCutOffTime(now time.Time, thresholdHr int) time.Time {
	return now.Add(-time.Hour * time.Duration(thresholdHr))
}

// Clean removes the files of every COMPLETED or FAILED batch last updated
// before cutoff and returns how many files were removed. A failure on one
// batch does not stop the others; the last error seen is returned.
func (c *Cleaner) Clean(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, logger := log.SetCtxLogger(log.NewContext(ctx, c.logger), "transaction_id", uuid.New())

	var (
		removed int
		lastErr error
	)
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed} {
		batches, err := c.repo.GetBatchesByStatus(ctx, status, cutoff)
		if err != nil {
			return removed, errors.Wrapf(err, "could not list %s batches", status)
		}

		if len(batches) == 0 {
			logger.Infof("No %s batch files to clean", status)
			continue
		}

		for _, b := range batches {
			n, err := c.cleanupBatchFiles(b.JobID)
			removed += n
			if err != nil {
				logger.Errorf("Unable to cleanup files %s", err)
				lastErr = err
				continue
			}
			if n > 0 {
				logger.WithFields(logrus.Fields{
					"job_id":        b.JobID,
					"job_completed": b.CompleteTime,
					"files_removed": n,
				}).Infof("Files cleaned from %s", c.exportDir)
			}
		}
	}

	return removed, lastErr
}

// cleanupBatchFiles removes every file named after jobID, including
// temporary files left by an interrupted write.
func (c *Cleaner) cleanupBatchFiles(jobID uuid.UUID) (int, error) {
	matches, err := filepath.Glob(filepath.Join(c.exportDir, jobID.String()+"-*"))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range matches {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("unable to remove %s because %s", f, err)
		}
		removed++
	}
	return removed, nil
}
