// Package zapadapter provides a logger that writes to a go.uber.org/zap.Logger.
package zapadapter

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pgsync"
)

// Logger adapts a zap.Logger to the pgsync.Logger interface.
type Logger struct {
	logger *zap.Logger
}

// NewLogger returns a pgsync logging facade backed by logger.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (pl *Logger) Log(level pgsync.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zapcore.Field, len(data))
	i := 0
	for k, v := range data {
		fields[i] = zap.Any(k, v)
		i++
	}

	switch level {
	case pgsync.LogLevelTrace:
		pl.logger.Debug(msg, append(fields, zap.Stringer("PGSYNC_LOG_LEVEL", level))...)
	case pgsync.LogLevelDebug:
		pl.logger.Debug(msg, fields...)
	case pgsync.LogLevelInfo:
		pl.logger.Info(msg, fields...)
	case pgsync.LogLevelWarn:
		pl.logger.Warn(msg, fields...)
	case pgsync.LogLevelError:
		pl.logger.Error(msg, fields...)
	default:
		pl.logger.Error(msg, append(fields, zap.Stringer("INVALID_PGSYNC_LOG_LEVEL", level))...)
	}
}
