package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kroypata/checkout/internal/platform/requestctx"
)

// LoggerOption adjusts NewLogger.
type LoggerOption func(*loggerSettings)

type loggerSettings struct {
	level   string
	console bool
	output  zapcore.WriteSyncer
}

// WithLogLevel sets the minimum level. Unknown names fall back to info.
func WithLogLevel(level string) LoggerOption {
	return func(s *loggerSettings) { s.level = level }
}

// WithLogOutput redirects log lines, mainly for tests.
func WithLogOutput(w zapcore.WriteSyncer) LoggerOption {
	return func(s *loggerSettings) { s.output = w }
}

// NewLogger builds the process logger. Its JSON keys (severity, message, timestamp) are the ones
// Cloud Logging parses. Defaults come from LOG_LEVEL and LOG_FORMAT=console.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	settings := loggerSettings{
		level:   os.Getenv("LOG_LEVEL"),
		console: strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "console"),
		output:  zapcore.Lock(os.Stdout),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(settings.level)))
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	if settings.console {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, settings.output, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

// ServiceContext tags entries for Error Reporting grouping.
func ServiceContext(service, version string) zap.Field {
	return zap.Object("serviceContext", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("service", service)
		if version != "" {
			enc.AddString("version", version)
		}
		return nil
	}))
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the event style logger hooks used by services and the orchestrator.
// The request scoped logger wins over fallback so events carry request_id and trace fields.
// Events ending in "_failed" or "_error" log at warn level.
func EventLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger, ok := requestctx.LookupLogger(ctx)
		if !ok {
			logger = fallback
		}
		zapFields := make([]zap.Field, 0, len(fields)+1)
		zapFields = append(zapFields, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}
		if strings.HasSuffix(event, "_failed") || strings.HasSuffix(event, "_error") {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

// WithRequestFields augments the logger with standard request-scoped fields.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}
