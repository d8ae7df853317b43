package logger

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements the ports.Logger interface on top of zap's structured
// JSON encoder.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a production (JSON) zap logger at the given level.
func NewZapLogger(level LogLevel) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{logger: l}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(l *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: l}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func zapFields(fields []map[string]interface{}, extra ...zap.Field) []zap.Field {
	merged := mergeFields(fields)
	out := make([]zap.Field, 0, len(merged)+len(extra))
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.Any(k, merged[k]))
	}
	return append(out, extra...)
}

// Debug logs a message at Debug level.
func (z *ZapLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	if ce := z.logger.Check(zapcore.DebugLevel, msg); ce != nil {
		ce.Write(zapFields(fields)...)
	}
}

// Info logs a message at Info level.
func (z *ZapLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	z.logger.Info(msg, zapFields(fields)...)
}

// Warn logs a message at Warning level.
func (z *ZapLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	z.logger.Warn(msg, zapFields(fields)...)
}

// Error logs an error message at Error level.
func (z *ZapLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	z.logger.Error(msg, zapFields(fields, zap.Error(err))...)
}
