package distribution

import (
	"context"
	"encoding/json"

	"github.com/CMSgov/dpc-app/log"
	"github.com/bgentry/que-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx"
	"github.com/pkg/errors"
)

const QUE_AGGREGATE_BATCH = "AggregateBatch"

var (
	_ Queue    = &QueQueue{}
	_ Searcher = &QueQueue{}
)

type batchArgs struct {
	JobID uuid.UUID `json:"jobID"`
}

// QueQueue stores ids as que-go jobs. A polled job is locked with an
// advisory lock and deleted before its id is returned.
type QueQueue struct {
	client *que.Client
	pool   *pgx.ConnPool
}

func NewQueQueue(pool *pgx.ConnPool) *QueQueue {
	return &QueQueue{client: que.NewClient(pool), pool: pool}
}

// NewQueConnPool opens a pgx pool with the statements que-go expects.
func NewQueConnPool(queueDatabaseURL string) (*pgx.ConnPool, error) {
	cfg, err := pgx.ParseURI(queueDatabaseURL)
	if err != nil {
		return nil, err
	}

	return pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:   cfg,
		AfterConnect: que.PrepareStatements,
	})
}

func (q *QueQueue) Add(ctx context.Context, jobID uuid.UUID) error {
	args, err := json.Marshal(batchArgs{JobID: jobID})
	if err != nil {
		return err
	}

	j := &que.Job{
		Type: QUE_AGGREGATE_BATCH,
		Args: args,
	}
	return errors.Wrapf(q.client.Enqueue(j), "failed to enqueue job %s", jobID)
}

func (q *QueQueue) Poll(ctx context.Context) (uuid.UUID, bool, error) {
	j, err := q.client.LockJob("")
	if err != nil {
		return uuid.Nil, false, errors.Wrap(err, "failed to lock que job")
	}
	if j == nil {
		return uuid.Nil, false, nil
	}
	defer j.Done()

	var args batchArgs
	unmarshalErr := json.Unmarshal(j.Args, &args)

	if err := j.Delete(); err != nil {
		return uuid.Nil, false, errors.Wrapf(err, "failed to delete que job %d", j.ID)
	}

	if unmarshalErr != nil {
		log.Queue.Warnf("Discarded que job %d with unreadable args %s", j.ID, string(j.Args))
		return uuid.Nil, false, errors.Wrapf(unmarshalErr, "invalid args for que job %d", j.ID)
	}
	return args.JobID, true, nil
}

func (q *QueQueue) Size(ctx context.Context) (int64, error) {
	var count int64
	err := q.pool.QueryRowEx(ctx, `select count(*) from que_jobs where job_class = $1`, nil,
		QUE_AGGREGATE_BATCH).Scan(&count)
	return count, err
}

func (q *QueQueue) Contains(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var count int64
	err := q.pool.QueryRowEx(ctx, `select count(*) from que_jobs where job_class = $1 and args->>'jobID' = $2`, nil,
		QUE_AGGREGATE_BATCH, jobID.String()).Scan(&count)
	return count > 0, err
}

func (q *QueQueue) Type() string {
	return "que-go Postgres queue"
}

func (q *QueQueue) Close() {
	q.pool.Close()
}
