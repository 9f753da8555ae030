// Package kitlogadapter provides a logger that writes to a
// github.com/go-kit/log.Logger.
package kitlogadapter

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"pgsync"
)

// Logger adapts a go-kit logger to the pgsync.Logger interface.
type Logger struct {
	l log.Logger
}

// NewLogger returns a pgsync logging facade backed by l.
func NewLogger(l log.Logger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(logLevel pgsync.LogLevel, msg string, data map[string]interface{}) {
	logger := l.l
	for k, v := range data {
		logger = log.With(logger, k, v)
	}

	switch logLevel {
	case pgsync.LogLevelTrace:
		logger = log.With(logger, "PGSYNC_LOG_LEVEL", logLevel)
		level.Debug(logger).Log("msg", msg)
	case pgsync.LogLevelDebug:
		level.Debug(logger).Log("msg", msg)
	case pgsync.LogLevelInfo:
		level.Info(logger).Log("msg", msg)
	case pgsync.LogLevelWarn:
		level.Warn(logger).Log("msg", msg)
	case pgsync.LogLevelError:
		level.Error(logger).Log("msg", msg)
	default:
		logger = log.With(logger, "INVALID_PGSYNC_LOG_LEVEL", logLevel)
		level.Error(logger).Log("msg", msg)
	}
}
