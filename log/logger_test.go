package log

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/CMSgov/dpc-app/conf"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

// TestLoggers verifies that all of our loggers are set up
// with the expected parameters and write to the expected files.
func TestLoggers(t *testing.T) {
	env := uuid.New()
	oldEnv := conf.GetEnv("DEPLOYMENT_TARGET")
	assert.NoError(t, conf.SetEnv(t, "DEPLOYMENT_TARGET", env))
	t.Cleanup(func() {
		assert.NoError(t, conf.SetEnv(t, "DEPLOYMENT_TARGET", oldEnv))
		SetupLoggers()
	})

	tests := []struct {
		logEnv string
		// Use a supplier since the logger's reference will be updated everytime we call
		// setup func. This allows us to retrieve the refreshed logger
		logSupplier func() logrus.FieldLogger
		application string
	}{
		{"DPC_WORKER_ERROR_LOG", func() logrus.FieldLogger { return Worker }, "worker"},
		{"DPC_QUEUE_LOG", func() logrus.FieldLogger { return Queue }, "queue"},
		{"DPC_BB_LOG", func() logrus.FieldLogger { return BFDWorker }, "worker"},
		{"WORKER_HEALTH_LOG", func() logrus.FieldLogger { return Health }, "worker"},
	}
	for _, tt := range tests {
		t.Run(tt.logEnv, func(t *testing.T) {
			logFile, err := os.CreateTemp("", "*")
			assert.NoError(t, err)
			old := conf.GetEnv(tt.logEnv)
			t.Cleanup(func() {
				assert.NoError(t, os.Remove(logFile.Name()))
				assert.NoError(t, conf.SetEnv(t, tt.logEnv, old))
			})

			assert.NoError(t, conf.SetEnv(t, tt.logEnv, logFile.Name()))

			// Refresh the logger to reference the new configs
			SetupLoggers()

			msg := uuid.New()
			tt.logSupplier().Info(msg)
			verifyLogs(t, env, msg, tt.application, logFile)
		})
	}
}

func verifyLogs(t *testing.T, env, msg, application string, logFile *os.File) {
	data, err := io.ReadAll(logFile)
	assert.NoError(t, err)

	res := strings.Split(string(data), "\n")
	// msg + new line
	assert.Len(t, res, 2)
	var fields logrus.Fields
	assert.NoError(t, json.Unmarshal([]byte(res[0]), &fields))
	assert.Equal(t, application, fields["application"])
	assert.Equal(t, env, fields["environment"])
	assert.Equal(t, msg, fields["msg"])
	assert.Equal(t, "dpc", fields["source_app"])
	assert.Equal(t, Version, fields["version"])
	_, err = time.Parse(time.RFC3339Nano, fields["time"].(string))
	assert.NoError(t, err)
}

func TestCtxLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx := NewContext(context.Background(), logger)

	ctx, _ = SetCtxLogger(ctx, "job_id", "123456")
	_, entryLogger := SetCtxLoggerFields(ctx, logrus.Fields{"resource_type": "Patient"})

	entryLogger.Error("test-msg")
	entry := hook.LastEntry()
	assert.Equal(t, "test-msg", entry.Message)
	assert.Equal(t, "123456", entry.Data["job_id"])
	assert.Equal(t, "Patient", entry.Data["resource_type"])

	// The parent context does not carry fields added afterwards
	GetCtxLogger(ctx).Warn("parent")
	entry = hook.LastEntry()
	assert.Equal(t, "123456", entry.Data["job_id"])
	assert.NotContains(t, entry.Data, "resource_type")
}

func TestCtxLoggerDefault(t *testing.T) {
	assert.Equal(t, Worker, GetCtxLogger(context.Background()))
}
