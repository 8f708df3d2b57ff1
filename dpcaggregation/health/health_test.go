package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticReporter struct {
	ok     bool
	reason string
}

func (r staticReporter) Check() (bool, string) { return r.ok, r.reason }

type sizer struct{ err error }

func (s sizer) QueueSize(ctx context.Context) (int64, error) { return 3, s.err }

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		checker  HealthChecker
		code     int
		expected map[string]string
	}{
		{"Healthy", MockHealthChecker{EngineOk: true, DbOk: true, QueueOk: true}, http.StatusOK,
			map[string]string{"engine": "ok", "database": "", "queue": ""}},
		{"Engine stopped", MockHealthChecker{DbOk: true, QueueOk: true}, http.StatusServiceUnavailable,
			map[string]string{"engine": "aggregation engine loop has stopped", "database": "", "queue": ""}},
		{"Dependency down does not fail liveness", MockHealthChecker{EngineOk: true}, http.StatusOK,
			map[string]string{"engine": "ok", "database": "", "queue": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewRouter(tt.checker).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/_health", nil))

			assert.Equal(t, tt.code, rr.Code)
			assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.expected, body)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter(MockHealthChecker{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestHealthChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	h := NewHealthChecker(staticReporter{true, "engine is IDLE"}, db, sizer{})
	mock.ExpectPing()
	msg, ok := h.IsDatabaseOK()
	assert.True(t, ok)
	assert.Equal(t, "ok", msg)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	msg, ok = h.IsDatabaseOK()
	assert.False(t, ok)
	assert.Equal(t, "database ping error", msg)
	assert.NoError(t, mock.ExpectationsWereMet())

	msg, ok = h.IsEngineOK()
	assert.True(t, ok)
	assert.Equal(t, "engine is IDLE", msg)

	_, ok = h.IsQueueOK()
	assert.True(t, ok)
	_, ok = NewHealthChecker(nil, nil, sizer{errors.New("redis down")}).IsQueueOK()
	assert.False(t, ok)

	empty := NewHealthChecker(nil, nil, nil)
	_, engineOK := empty.IsEngineOK()
	_, dbOK := empty.IsDatabaseOK()
	_, queueOK := empty.IsQueueOK()
	assert.True(t, engineOK && dbOK && queueOK)
}

func TestHealthLogger(t *testing.T) {
	tests := []struct {
		name            string
		checker         MockHealthChecker
		expectedHealthy bool
	}{
		{"All healthy", MockHealthChecker{EngineOk: true, DbOk: true, QueueOk: true}, true},
		{"Engine unhealthy", MockHealthChecker{DbOk: true, QueueOk: true}, false},
		{"Database unhealthy", MockHealthChecker{EngineOk: true, QueueOk: true}, false},
		{"Queue unhealthy", MockHealthChecker{EngineOk: true, DbOk: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			l := NewHealthLogger(tt.checker)
			l.Logger = logger

			assert.Equal(t, tt.expectedHealthy, l.Log())
			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, logrus.InfoLevel, entry.Level)
			assert.Equal(t, "health", entry.Data["type"])
			assert.NotEmpty(t, entry.Data["id"])
		})
	}
}

func TestHealthLoggerRun(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := NewHealthLogger(MockHealthChecker{EngineOk: true, DbOk: true, QueueOk: true})
	l.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 1)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(hook.AllEntries()) > 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
