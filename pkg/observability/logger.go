package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a JSON logrus logger writing to output, or stdout when
// output is nil
func NewLogger(level logrus.Level, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}
	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	return logger
}

// ParseLogLevel maps CLUBHOUSE_LOG_LEVEL to a logrus level. Unknown values
// fall back to info.
func ParseLogLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	runIDKey
	loggerKey
)

func stringValue(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithRequestID tags ctx with the admin API request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request ID, or "" outside a request
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithRunID tags ctx with the billing job run ID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID returns the run ID, or "" outside a billing run
func GetRunID(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

// WithLogger stores logger in ctx
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger returns the logger stored in ctx, or the logrus standard logger
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(loggerKey).(logrus.FieldLogger); ok {
		return logger
	}
	return logrus.StandardLogger()
}

// FromContext is GetLogger with the request and run IDs attached
func FromContext(ctx context.Context) logrus.FieldLogger {
	fields := logrus.Fields{}
	if id := GetRequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	if id := GetRunID(ctx); id != "" {
		fields["run_id"] = id
	}

	logger := GetLogger(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.WithFields(fields)
}
