// Package logrusadapter provides a logger that writes to a
// github.com/sirupsen/logrus.Logger log.
package logrusadapter

import (
	"github.com/sirupsen/logrus"

	"pgsync"
)

// Logger adapts a logrus logger to the pgsync.Logger interface.
type Logger struct {
	l logrus.FieldLogger
}

// NewLogger returns a pgsync logging facade backed by l.
func NewLogger(l logrus.FieldLogger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(level pgsync.LogLevel, msg string, data map[string]interface{}) {
	var logger logrus.FieldLogger
	if data != nil {
		logger = l.l.WithFields(data)
	} else {
		logger = l.l
	}

	switch level {
	case pgsync.LogLevelTrace:
		logger.WithField("PGSYNC_LOG_LEVEL", level).Debug(msg)
	case pgsync.LogLevelDebug:
		logger.Debug(msg)
	case pgsync.LogLevelInfo:
		logger.Info(msg)
	case pgsync.LogLevelWarn:
		logger.Warn(msg)
	case pgsync.LogLevelError:
		logger.Error(msg)
	default:
		logger.WithField("INVALID_PGSYNC_LOG_LEVEL", level).Error(msg)
	}
}
