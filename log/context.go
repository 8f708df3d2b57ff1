package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxLoggerKeyType string

const ctxLoggerKey ctxLoggerKeyType = "ctxLogger"

// NewContext stores logger in ctx so downstream calls can log with the
// fields accumulated so far.
func NewContext(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey, logger)
}

// GetCtxLogger returns the logger stored in ctx, or Worker if none was set.
func GetCtxLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(ctxLoggerKey).(logrus.FieldLogger); ok {
		return logger
	}
	return Worker
}

// SetCtxLogger adds a field to the logger carried by ctx and returns both the
// updated context and logger.
func SetCtxLogger(ctx context.Context, key string, value interface{}) (context.Context, logrus.FieldLogger) {
	logger := GetCtxLogger(ctx).WithField(key, value)
	return NewContext(ctx, logger), logger
}

// SetCtxLoggerFields is SetCtxLogger for several fields at once.
func SetCtxLoggerFields(ctx context.Context, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	logger := GetCtxLogger(ctx).WithFields(fields)
	return NewContext(ctx, logger), logger
}
