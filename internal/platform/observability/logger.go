package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/listing-auditor/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger constructs a zap logger emitting Cloud Logging compatible JSON.
// The level comes from AUDITOR_LOG_LEVEL, then LOG_LEVEL.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	raw := os.Getenv("AUDITOR_LOG_LEVEL")
	if strings.TrimSpace(raw) == "" {
		raw = os.Getenv("LOG_LEVEL")
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(raw)))); err != nil || strings.TrimSpace(raw) == "" {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// WithRequestFields augments the logger with request-scoped fields.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}

// EventLogger adapts zap to the callback loggers used by the services
// package. The level is chosen from the event name: ".failed" and ".error"
// suffixes log at error, ".warn", ".skipped" and ".degraded" at warn, and
// everything else at info. Fields are emitted in key order.
func EventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		zFields := make([]zap.Field, 0, len(keys)+2)
		zFields = append(zFields, zap.String("event", event))
		if traceID := requestctx.TraceID(ctx); traceID != "" {
			zFields = append(zFields, zap.String("trace_id", traceID))
		}
		for _, k := range keys {
			if err, ok := fields[k].(error); ok {
				zFields = append(zFields, zap.NamedError(k, err))
				continue
			}
			zFields = append(zFields, zap.Any(k, fields[k]))
		}

		switch eventLevel(event) {
		case zapcore.ErrorLevel:
			logger.Error(event, zFields...)
		case zapcore.WarnLevel:
			logger.Warn(event, zFields...)
		default:
			logger.Info(event, zFields...)
		}
	}
}

func eventLevel(event string) zapcore.Level {
	event = strings.ToLower(event)
	switch {
	case strings.HasSuffix(event, ".failed"), strings.HasSuffix(event, ".error"):
		return zapcore.ErrorLevel
	case strings.HasSuffix(event, ".warn"), strings.HasSuffix(event, ".skipped"), strings.HasSuffix(event, ".degraded"):
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
