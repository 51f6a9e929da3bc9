package shared

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID tags the context so every log line emitted while
// handling a request can be tied back to it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the context's correlation ID, minting one when
// the caller arrived without it.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return NewID()
}

// LogWithContext logs at info level with the correlation ID attached.
func LogWithContext(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	fields = append(fields, zap.String("correlation_id", GetCorrelationID(ctx)))
	logger.Info(msg, fields...)
}

// LogErrorWithContext logs at error level with the correlation ID attached.
func LogErrorWithContext(ctx context.Context, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	fields = append(fields, zap.String("correlation_id", GetCorrelationID(ctx)), zap.Error(err))
	logger.Error(msg, fields...)
}
