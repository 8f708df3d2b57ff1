package engine

import (
	"fmt"
	"time"
)

// HealthReporter reports whether an engine's loop is still cycling. It says
// nothing about whether batches succeed.
type HealthReporter struct {
	engine    *Engine
	freshness time.Duration
	now       func() time.Time
}

func NewHealthReporter(e *Engine) *HealthReporter {
	return &HealthReporter{engine: e, freshness: e.cfg.HealthFreshness, now: time.Now}
}

func (h *HealthReporter) Check() (bool, string) {
	if h.engine.Stopped() {
		return false, "aggregation engine loop has stopped"
	}

	last := h.engine.LastHeartbeat()
	if age := h.now().Sub(last); age > h.freshness {
		return false, fmt.Sprintf("aggregation engine last polled %s ago, longer than %s", age.Round(time.Second), h.freshness)
	}
	return true, fmt.Sprintf("aggregation engine %s is %s", h.engine.AggregatorID(), h.engine.State())
}
