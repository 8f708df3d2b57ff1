package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/CMSgov/dpc-app/dpc/monitoring"
	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// partitionWriter splits the records of one resource type into NDJSON files
// holding at most limit records each. Files are numbered from zero in the
// order they are filled.
type partitionWriter struct {
	sink    Sink
	jobID   uuid.UUID
	rt      models.ResourceType
	limit   int
	backoff func(ctx context.Context) backoff.BackOff

	buf      bytes.Buffer
	count    int
	sequence int
	written  int
}

func newPartitionWriter(sink Sink, jobID uuid.UUID, rt models.ResourceType, limit int,
	bo func(ctx context.Context) backoff.BackOff) *partitionWriter {
	if limit < 1 {
		limit = 1
	}
	return &partitionWriter{sink: sink, jobID: jobID, rt: rt, limit: limit, backoff: bo}
}

// compactRecords returns every record on a single line, or an error when any
// of them is not valid JSON.
func compactRecords(records []json.RawMessage) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(records))
	for i, r := range records {
		var buf bytes.Buffer
		if err := json.Compact(&buf, r); err != nil {
			return nil, errors.Wrapf(err, "record %d is not valid JSON", i)
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}

// add buffers records that compactRecords has already checked and returns
// the manifest entry of every file that filled up along the way.
func (w *partitionWriter) add(ctx context.Context, records []json.RawMessage) ([]models.JobQueueBatchFile, error) {
	var files []models.JobQueueBatchFile
	for _, r := range records {
		w.buf.Write(r)
		w.buf.WriteByte('\n')
		w.count++

		if w.count == w.limit {
			f, err := w.write(ctx)
			if err != nil {
				return files, err
			}
			files = append(files, f)
		}
	}
	return files, nil
}

// flush writes any partially filled file. It returns nil when nothing is buffered.
func (w *partitionWriter) flush(ctx context.Context) (*models.JobQueueBatchFile, error) {
	if w.count == 0 {
		return nil, nil
	}
	f, err := w.write(ctx)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (w *partitionWriter) write(ctx context.Context) (models.JobQueueBatchFile, error) {
	defer monitoring.StartSegment(ctx, "writeFile")()

	data := append([]byte(nil), w.buf.Bytes()...)
	sum := sha256.Sum256(data)
	name := models.FormOutputFileName(w.jobID, w.rt, w.sequence)
	logger := log.GetCtxLogger(ctx)

	var location string
	op := func() error {
		var err error
		location, err = w.sink.Put(ctx, name, data)
		return err
	}
	notify := func(err error, d time.Duration) {
		logger.Warnf("Failed to write %s, retrying in %s: %s", name, d, err)
	}
	if err := backoff.RetryNotify(op, w.backoff(ctx), notify); err != nil {
		return models.JobQueueBatchFile{}, &WriteFailure{JobID: w.jobID, ResourceType: w.rt, FileName: name, Err: err}
	}

	f := models.JobQueueBatchFile{
		ResourceType: w.rt,
		Sequence:     w.sequence,
		FileName:     name,
		Location:     location,
		Count:        w.count,
		Checksum:     hex.EncodeToString(sum[:]),
		FileLength:   int64(len(data)),
	}
	logger.WithField("file_name", name).Infof("Wrote %d records", w.count)

	w.written += w.count
	w.sequence++
	w.count = 0
	w.buf.Reset()
	return f, nil
}
