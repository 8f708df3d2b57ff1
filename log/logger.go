package log

import (
	"os"
	"path/filepath"

	"github.com/CMSgov/dpc-app/conf"
	"github.com/sirupsen/logrus"
)

const (
	sourceApp = "dpc"
	Version   = "1.0.0"
)

var (
	Worker    logrus.FieldLogger
	Queue     logrus.FieldLogger
	BFDWorker logrus.FieldLogger
	Health    logrus.FieldLogger
)

func init() {
	SetupLoggers()
}

// SetupLoggers (re)creates the package loggers from the current configuration.
// It is safe to call again after the log file variables change.
func SetupLoggers() {
	env := conf.GetEnv("DEPLOYMENT_TARGET")

	Worker = Logger(logrus.New(), conf.GetEnv("DPC_WORKER_ERROR_LOG"), "worker", env)
	Queue = Logger(logrus.New(), conf.GetEnv("DPC_QUEUE_LOG"), "queue", env)
	BFDWorker = Logger(logrus.New(), conf.GetEnv("DPC_BB_LOG"), "worker", env)
	Health = Logger(logrus.New(), conf.GetEnv("WORKER_HEALTH_LOG"), "worker", env)
}

func Logger(logger *logrus.Logger, outputFile string,
	application, environment string) logrus.FieldLogger {

	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetReportCaller(true)

	if outputFile != "" {
		/* #nosec -- 0640 permissions required for Splunk ingestion */
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			logger.SetOutput(file)
		} else {
			logger.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return logger.WithFields(logrus.Fields{
		"application": application,
		"environment": environment,
		"source_app":  sourceApp,
		"version":     Version})
}
