package requestctx

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/listing-auditor/api/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/listing-auditor/api/internal/platform/requestctx/trace"
	shopContextKey   contextKey = "github.com/listing-auditor/api/internal/platform/requestctx/shop"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithShop records the shop domain a webhook was delivered for.
func WithShop(ctx context.Context, shopDomain string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	shopDomain = strings.TrimSpace(shopDomain)
	if shopDomain == "" {
		return ctx
	}
	return context.WithValue(ctx, shopContextKey, shopDomain)
}

// Shop returns the shop domain stored by WithShop.
func Shop(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	shop, _ := ctx.Value(shopContextKey).(string)
	return shop
}
