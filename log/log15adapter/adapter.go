// Package log15adapter provides a logger that writes to a
// gopkg.in/inconshreveable/log15.v2.Logger log.
package log15adapter

import (
	log15 "gopkg.in/inconshreveable/log15.v2"

	"pgsync"
)

// Logger adapts a log15 logger to the pgsync.Logger interface.
type Logger struct {
	l log15.Logger
}

// NewLogger returns a pgsync logging facade backed by l.
func NewLogger(l log15.Logger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(level pgsync.LogLevel, msg string, data map[string]interface{}) {
	logArgs := make([]interface{}, 0, len(data)*2)
	for k, v := range data {
		logArgs = append(logArgs, k, v)
	}

	switch level {
	case pgsync.LogLevelTrace:
		l.l.Debug(msg, append(logArgs, "PGSYNC_LOG_LEVEL", level)...)
	case pgsync.LogLevelDebug:
		l.l.Debug(msg, logArgs...)
	case pgsync.LogLevelInfo:
		l.l.Info(msg, logArgs...)
	case pgsync.LogLevelWarn:
		l.l.Warn(msg, logArgs...)
	case pgsync.LogLevelError:
		l.l.Error(msg, logArgs...)
	default:
		l.l.Error(msg, append(logArgs, "INVALID_PGSYNC_LOG_LEVEL", level)...)
	}
}
