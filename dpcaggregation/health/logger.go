package health

import (
	"context"
	"time"

	"github.com/CMSgov/dpc-app/log"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
)

type HealthLogger struct {
	Logger  logrus.FieldLogger
	checker HealthChecker
}

func NewHealthLogger(checker HealthChecker) *HealthLogger {
	return &HealthLogger{Logger: log.Health, checker: checker}
}

// Log writes one health entry and reports whether every check passed.
func (l *HealthLogger) Log() bool {
	logFields := logrus.Fields{}
	logFields["type"] = "health"
	logFields["id"] = uuid.NewRandom()

	healthy := true
	for name, check := range map[string]func() (string, bool){
		"engine": l.checker.IsEngineOK,
		"db":     l.checker.IsDatabaseOK,
		"queue":  l.checker.IsQueueOK,
	} {
		msg, ok := check()
		if ok {
			logFields[name] = "ok"
		} else {
			logFields[name] = "error"
			logFields[name+"_reason"] = msg
			healthy = false
		}
	}

	l.Logger.WithFields(logFields).Info()
	return healthy
}

// Run logs every interval until ctx is done.
func (l *HealthLogger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Log()
		case <-ctx.Done():
			return
		}
	}
}
