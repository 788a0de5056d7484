// Package log provides structured logging utilities.
package log

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	jobIDKey      ctxKey = "job_id"
	transferIDKey ctxKey = "transfer_id"
)

// ContextWithJobID stores the provided job ID in the context.
func ContextWithJobID(ctx context.Context, id int64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// ContextWithTransferID stores the provided transfer correlation ID in the context.
func ContextWithTransferID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, transferIDKey, id)
}

// JobIDFromContext extracts the job ID from context, or -1 if absent.
func JobIDFromContext(ctx context.Context) int64 {
	if ctx == nil {
		return -1
	}
	if v, ok := ctx.Value(jobIDKey).(int64); ok {
		return v
	}
	return -1
}

// TransferIDFromContext extracts the transfer correlation ID from context if present.
func TransferIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(transferIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if jid := JobIDFromContext(ctx); jid >= 0 {
		builder = builder.Str(FieldJobID, strconv.FormatInt(jid, 10))
		added = true
	}
	if tid := TransferIDFromContext(ctx); tid != "" {
		builder = builder.Str(FieldTransferID, tid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}
