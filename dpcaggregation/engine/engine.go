// Package engine claims queued batches and aggregates the resources of every
// listed patient into partitioned NDJSON files.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/CMSgov/dpc-app/dpc/client"
	"github.com/CMSgov/dpc-app/dpc/metrics"
	"github.com/CMSgov/dpc-app/dpc/monitoring"
	"github.com/CMSgov/dpc-app/dpc/suppression"
	"github.com/CMSgov/dpc-app/dpcqueue"
	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/CMSgov/dpc-app/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateIdle      State = "IDLE"
	StateFetching  State = "FETCHING"
	StateFiltering State = "FILTERING"
	StateWriting   State = "WRITING"
	StateFailed    State = "FAILED"
)

// progressEvery is how many processed patients may pass before progress is
// saved even though no file was written.
const progressEvery = 100

type Engine struct {
	queue       dpcqueue.JobQueue
	source      client.DataSource
	suppression suppression.Engine
	sink        Sink
	cfg         OperationsConfig

	aggregatorID uuid.UUID
	logger       logrus.FieldLogger
	sampler      *metrics.Sampler
	now          func() time.Time

	running   int32
	stopped   int32
	heartbeat int64
	state     atomic.Value
}

func NewEngine(queue dpcqueue.JobQueue, source client.DataSource, suppressionEngine suppression.Engine,
	sink Sink, cfg OperationsConfig) *Engine {
	e := &Engine{
		queue:        queue,
		source:       source,
		suppression:  suppressionEngine,
		sink:         sink,
		cfg:          cfg,
		aggregatorID: uuid.New(),
		logger:       log.Worker,
		now:          time.Now,
	}
	e.state.Store(StateIdle)
	e.beat()

	if cfg.DeploymentTarget != "" {
		sampler, err := metrics.NewSampler("DPC", "Count")
		if err != nil {
			e.logger.Warnf("Failed to create metric sampler: %s", err)
		} else {
			e.sampler = sampler
		}
	}
	return e
}

func (e *Engine) AggregatorID() uuid.UUID {
	return e.aggregatorID
}

func (e *Engine) State() State {
	return e.state.Load().(State)
}

func (e *Engine) setState(s State) {
	e.state.Store(s)
}

func (e *Engine) beat() {
	atomic.StoreInt64(&e.heartbeat, e.now().UnixNano())
}

// LastHeartbeat is when the loop last finished a cycle or made progress on a batch.
func (e *Engine) LastHeartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&e.heartbeat))
}

func (e *Engine) Stopped() bool {
	return atomic.LoadInt32(&e.stopped) == 1
}

// Run polls for work until ctx is cancelled. Batch failures are contained;
// the only error returned is a *SchedulingFault.
func (e *Engine) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return &SchedulingFault{Err: errors.New("engine loop is already running")}
	}
	defer atomic.StoreInt32(&e.stopped, 1)

	e.logger.WithField("aggregator_id", e.aggregatorID).Infof("Starting aggregation engine on %s", e.queue.QueueType())
	for ctx.Err() == nil {
		if err := e.cycle(ctx); err != nil {
			e.logger.Error(err)
			return err
		}
	}
	e.logger.WithField("aggregator_id", e.aggregatorID).Info("Aggregation engine stopped")
	return nil
}

func (e *Engine) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SchedulingFault{Err: fmt.Errorf("panic in polling loop: %v", r)}
		}
	}()

	batch, err := e.queue.ClaimBatch(ctx, e.aggregatorID)
	if err != nil {
		e.beat()
		var conflict *dpcqueue.StateConflict
		if errors.As(err, &conflict) {
			// Another worker won the claim; there may be more work waiting.
			e.logger.Warn(err)
			return nil
		}
		if ctx.Err() == nil {
			e.logger.Errorf("Failed to claim batch: %s", err)
		}
		e.sleep(ctx)
		return nil
	}
	if batch == nil {
		e.beat()
		e.sleep(ctx)
		return nil
	}

	e.processBatch(ctx, batch)
	e.reportQueueSize(ctx)
	e.beat()
	return nil
}

func (e *Engine) sleep(ctx context.Context) {
	t := time.NewTimer(e.cfg.PollingFrequency)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *Engine) processBatch(ctx context.Context, batch *models.JobQueueBatch) {
	ctx = log.NewContext(ctx, e.logger)
	ctx, logger := log.SetCtxLoggerFields(ctx, logrus.Fields{
		"job_id":        batch.JobID,
		"aggregator_id": e.aggregatorID,
	})
	ctx, txn := monitoring.GetMonitor().Start(ctx, "AggregateBatch")
	defer monitoring.GetMonitor().End(txn)

	logger.Infof("Processing batch of %d patients for %v", len(batch.PatientIDs), batch.ResourceTypes)

	status, err := e.aggregate(ctx, batch)
	if ctx.Err() != nil {
		// Left RUNNING for the reconciliation sweep.
		logger.Warn("Shutdown while processing batch")
		e.setState(StateIdle)
		return
	}
	if err != nil {
		logger.Errorf("Failed to process batch: %s", err)
		e.setState(StateFailed)
		status = models.JobStatusFailed
	}

	if err := e.queue.CompleteBatch(ctx, batch.JobID, e.aggregatorID, status); err != nil {
		logger.Errorf("Failed to complete batch as %s: %s", status, err)
	}
	e.setState(StateIdle)
}

// aggregate runs every requested resource type in order and returns the
// terminal status for the batch. Errors from individual patients are folded
// into progress; an error return means the batch could not be processed.
func (e *Engine) aggregate(ctx context.Context, batch *models.JobQueueBatch) (status models.JobStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing batch: %v", r)
		}
	}()

	status = models.JobStatusCompleted
	for _, rt := range batch.OrderedResourceTypes() {
		progress, err := e.aggregateResource(ctx, batch, rt)
		if err != nil {
			var wf *WriteFailure
			if !errors.As(err, &wf) {
				return "", err
			}
			log.GetCtxLogger(ctx).Error(err)
			status = models.JobStatusFailed
			continue
		}
		if progress.Failed > 0 && progress.Succeeded == 0 {
			status = models.JobStatusFailed
		}
	}
	return status, nil
}

func (e *Engine) aggregateResource(ctx context.Context, batch *models.JobQueueBatch,
	rt models.ResourceType) (models.ResourceProgress, error) {
	ctx, logger := log.SetCtxLogger(ctx, "resource_type", rt)
	defer monitoring.StartSegment(ctx, fmt.Sprintf("aggregate%s", rt))()

	progress := models.ResourceProgress{ResourceType: rt, Total: len(batch.PatientIDs)}
	w := newPartitionWriter(e.sink, batch.JobID, rt, e.cfg.ResourcesPerFile, e.retryPolicy)

	for _, patientID := range batch.PatientIDs {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		records, outcome := e.collect(ctx, rt, patientID)
		metrics.FetchesTotal.WithLabelValues(string(rt), outcome).Inc()
		switch outcome {
		case outcomeSuppressed:
			progress.Suppressed++
		case outcomeFailed:
			progress.Failed++
		default:
			progress.Succeeded++
		}
		progress.Processed++

		e.setState(StateWriting)
		files, err := w.add(ctx, records)
		if len(files) > 0 || progress.Processed%progressEvery == 0 {
			if rerr := e.recordFiles(ctx, batch.JobID, files, progress, w.written); rerr != nil {
				return progress, rerr
			}
		}
		if err != nil {
			return progress, err
		}
		e.beat()
	}

	e.setState(StateWriting)
	f, err := w.flush(ctx)
	if err != nil {
		if rerr := e.recordFiles(ctx, batch.JobID, nil, progress, w.written); rerr != nil {
			logger.Errorf("Failed to save progress after write failure: %s", rerr)
		}
		return progress, err
	}
	var files []models.JobQueueBatchFile
	if f != nil {
		files = append(files, *f)
	}
	if err := e.recordFiles(ctx, batch.JobID, files, progress, w.written); err != nil {
		return progress, err
	}

	logger.WithFields(logrus.Fields{
		"succeeded":  progress.Succeeded,
		"failed":     progress.Failed,
		"suppressed": progress.Suppressed,
		"records":    w.written,
	}).Info("Finished resource type")
	return progress, nil
}

const (
	outcomeSuccess    = "success"
	outcomeSuppressed = "suppressed"
	outcomeFailed     = "failed"
)

// collect checks suppression and then fetches. A failed suppression lookup
// fails the item rather than risk exporting an opted-out patient.
func (e *Engine) collect(ctx context.Context, rt models.ResourceType, patientID string) ([]json.RawMessage, string) {
	logger := log.GetCtxLogger(ctx).WithField("patient_id", patientID)

	e.setState(StateFiltering)
	suppressed, err := e.suppression.IsSuppressed(ctx, patientID)
	if err != nil {
		logger.Errorf("Failed to check suppression: %s", err)
		return nil, outcomeFailed
	}
	if suppressed {
		logger.Debug("Skipping suppressed patient")
		return nil, outcomeSuppressed
	}

	e.setState(StateFetching)
	records, err := e.fetch(ctx, rt, patientID)
	if err != nil {
		logger.Errorf("Failed to fetch: %s", err)
		return nil, outcomeFailed
	}
	records, err = compactRecords(records)
	if err != nil {
		logger.Errorf("Malformed %s response: %s", rt, err)
		return nil, outcomeFailed
	}
	return records, outcomeSuccess
}

// recordFiles appends finished files to the manifest and saves progress in
// one update.
func (e *Engine) recordFiles(ctx context.Context, jobID uuid.UUID, files []models.JobQueueBatchFile,
	progress models.ResourceProgress, records int) error {
	if len(files) == 0 && progress.Processed == 0 {
		return nil
	}
	_, err := e.queue.UpdateBatch(ctx, jobID, e.aggregatorID, func(b *models.JobQueueBatch) error {
		b.Files = append(b.Files, files...)
		p := b.GetProgress(progress.ResourceType)
		*p = progress
		p.Records = records
		return nil
	})
	if err != nil {
		return err
	}
	for _, f := range files {
		metrics.RecordsWrittenTotal.WithLabelValues(string(f.ResourceType)).Add(float64(f.Count))
	}
	return nil
}

// fetch retries transient failures up to RetryCount times with exponential
// backoff. Permanent failures return immediately.
func (e *Engine) fetch(ctx context.Context, rt models.ResourceType, patientID string) ([]json.RawMessage, error) {
	defer monitoring.StartSegment(ctx, "fetch")()
	logger := log.GetCtxLogger(ctx)

	var records []json.RawMessage
	op := func() error {
		r, err := e.source.Fetch(ctx, rt, patientID)
		if err != nil {
			if client.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		records = r
		return nil
	}
	notify := func(err error, d time.Duration) {
		logger.Warnf("Transient failure fetching %s for %s, retrying in %s: %s", rt, patientID, d, err)
	}
	if err := backoff.RetryNotify(op, e.retryPolicy(ctx), notify); err != nil {
		return nil, err
	}
	return records, nil
}

func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.RetryInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.cfg.RetryCount)), ctx)
}

func (e *Engine) reportQueueSize(ctx context.Context) {
	size, err := e.queue.QueueSize(ctx)
	if err != nil {
		e.logger.Warnf("Failed to read queue size: %s", err)
		return
	}
	metrics.QueueLength.WithLabelValues(e.queue.QueueType()).Set(float64(size))

	if e.sampler != nil {
		err := e.sampler.PutSample("JobQueueCount", float64(size), []metrics.Dimension{
			{Name: "Environment", Value: e.cfg.DeploymentTarget},
		})
		if err != nil {
			e.logger.Error(err)
		}
	}
}
