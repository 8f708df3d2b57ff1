package cli

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/CMSgov/dpc-app/conf"
	"github.com/CMSgov/dpc-app/dpc/database"
	"github.com/CMSgov/dpc-app/dpc/suppression"
	"github.com/CMSgov/dpc-app/dpcqueue"
	"github.com/CMSgov/dpc-app/dpcqueue/distribution"
	"github.com/CMSgov/dpc-app/dpcqueue/repository"
	"github.com/CMSgov/dpc-app/dpcqueue/repository/memory"
	"github.com/CMSgov/dpc-app/dpcqueue/repository/postgres"
	"github.com/CMSgov/dpc-app/log"
	"github.com/pkg/errors"
)

const (
	backendRedis  = "redis"
	backendQue    = "que"
	backendMemory = "memory"
)

type workerConfig struct {
	DistributionQueue string        `conf:"DPC_DISTRIBUTION_QUEUE" conf_default:"que"`
	RedisURL          string        `conf:"REDIS_URL" conf_default:"redis://localhost:6379/0"`
	RedisKey          string        `conf:"DPC_REDIS_KEY" conf_default:"dpc:job_queue"`
	HealthAddr        string        `conf:"WORKER_HEALTH_ADDR" conf_default:":9900"`
	HealthIntervalSec int           `conf:"WORKER_HEALTH_INT_SEC"`
	ReconcileInterval time.Duration `conf:"DPC_RECONCILE_INTERVAL" conf_default:"0s"`
}

func loadWorkerConfig() (*workerConfig, error) {
	cfg := &workerConfig{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, errors.Wrap(err, "could not load worker config")
	}
	return cfg, nil
}

// components are the stores shared by every command.
type components struct {
	db          *sql.DB
	store       repository.Store
	queue       *dpcqueue.DistributedQueue
	suppression suppression.Engine
	closers     []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func buildComponents(cfg *workerConfig) (*components, error) {
	if cfg.DistributionQueue == backendMemory {
		log.Worker.Warn("Using in-memory job queue; batches do not survive a restart")
		store := memory.NewStore()
		return &components{
			store:       store,
			queue:       dpcqueue.NewDistributedQueue(store, distribution.NewMemoryQueue()),
			suppression: suppression.NewStaticEngine(),
		}, nil
	}

	var dist distribution.Queue
	c := &components{}
	dbCfg, err := database.LoadConfig()
	if err != nil {
		return nil, err
	}

	switch cfg.DistributionQueue {
	case backendRedis:
		q, err := distribution.NewRedisQueueFromURL(cfg.RedisURL, cfg.RedisKey)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = q.Close() })
		dist = q
	case backendQue:
		pool, err := distribution.NewQueConnPool(dbCfg.QueueDatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "could not connect to queue database")
		}
		q := distribution.NewQueQueue(pool)
		c.closers = append(c.closers, q.Close)
		dist = q
	default:
		return nil, fmt.Errorf("unknown distribution queue %q, expected %s, %s or %s",
			cfg.DistributionQueue, backendRedis, backendQue, backendMemory)
	}

	c.db = database.Connection(dbCfg)
	c.closers = append(c.closers, func() { _ = c.db.Close() })

	c.store = postgres.NewStore(c.db)
	c.queue = dpcqueue.NewDistributedQueue(c.store, dist)

	supCfg := suppression.Config{}
	if err := conf.Checkout(&supCfg); err != nil {
		c.Close()
		return nil, err
	}
	c.suppression = suppression.NewRepositoryEngine(c.db, supCfg)

	return c, nil
}
