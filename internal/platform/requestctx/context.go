// Package requestctx holds the per-request values the HTTP middleware stack
// threads through context: the request-scoped logger and trace metadata.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

type traceKey struct{}

var noopLogger = zap.NewNop()

// TraceInfo is the distributed-trace position of the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger binds a logger to the context. A nil logger binds the shared
// no-op so Logger never hands back nil.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the bound logger, or the shared no-op when none is bound.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return noopLogger
}

// NoopLogger returns the shared no-op instance, letting callers detect that
// no real logger was bound.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace binds trace metadata to the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

// Trace returns the bound trace metadata, reporting whether any was set.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}
