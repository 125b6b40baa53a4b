// Package requestctx carries per-request logging and trace metadata through context.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
)

var noop = zap.NewNop()

// TraceInfo is the trace a request belongs to. ProjectID is set when traces are exported to
// Cloud Trace so log entries can link to them.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores logger on ctx. A nil logger clears any logger set upstream.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LookupLogger returns the logger stored on ctx, if any.
func LookupLogger(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	logger, ok := ctx.Value(loggerKey{}).(*zap.Logger)
	return logger, ok && logger != nil
}

// Logger returns the request logger, or a no-op logger when none is set.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := LookupLogger(ctx); ok {
		return logger
	}
	return noop
}

// WithTrace stores trace metadata on ctx.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

// Trace returns the trace metadata stored on ctx.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID returns the trace id stored on ctx, or "".
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
