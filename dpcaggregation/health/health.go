// Package health exposes the aggregation engine's liveness over HTTP and in
// the periodic health log.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/CMSgov/dpc-app/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reporter is satisfied by engine.HealthReporter.
type Reporter interface {
	Check() (bool, string)
}

// QueueSizer is satisfied by dpcqueue.JobQueue.
type QueueSizer interface {
	QueueSize(ctx context.Context) (int64, error)
}

type HealthChecker interface {
	IsEngineOK() (string, bool)
	IsDatabaseOK() (string, bool)
	IsQueueOK() (string, bool)
}

var _ HealthChecker = healthChecker{}

type healthChecker struct {
	reporter Reporter
	db       *sql.DB
	queue    QueueSizer
}

// NewHealthChecker checks whichever of reporter, db and queue are non-nil.
// Missing dependencies report ok.
func NewHealthChecker(reporter Reporter, db *sql.DB, queue QueueSizer) HealthChecker {
	return healthChecker{reporter: reporter, db: db, queue: queue}
}

func (h healthChecker) IsEngineOK() (string, bool) {
	if h.reporter == nil {
		return "ok", true
	}
	ok, msg := h.reporter.Check()
	return msg, ok
}

func (h healthChecker) IsDatabaseOK() (string, bool) {
	if h.db == nil {
		return "ok", true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		log.Health.Error("Health check: database ping error: ", err.Error())
		return "database ping error", false
	}
	return "ok", true
}

func (h healthChecker) IsQueueOK() (string, bool) {
	if h.queue == nil {
		return "ok", true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.queue.QueueSize(ctx); err != nil {
		log.Health.Error("Health check: distribution queue error: ", err.Error())
		return "distribution queue error", false
	}
	return "ok", true
}

// NewRouter serves /_health and the Prometheus /metrics endpoint.
func NewRouter(h HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/_health", healthCheck(h))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func healthCheck(h HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := make(map[string]string)
		engine, engineOK := h.IsEngineOK()
		m["engine"] = engine

		// Dependency failures are reported but only the engine loop decides liveness.
		db, _ := h.IsDatabaseOK()
		m["database"] = db
		queue, _ := h.IsQueueOK()
		m["queue"] = queue

		if engineOK {
			render.Status(r, http.StatusOK)
		} else {
			render.Status(r, http.StatusServiceUnavailable)
		}
		render.JSON(w, r, m)
	}
}
