// Package zerologadapter provides a logger that writes to a
// github.com/rs/zerolog.
package zerologadapter

import (
	"github.com/rs/zerolog"

	"pgsync"
)

// Logger adapts a zerolog.Logger to the pgsync.Logger interface.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger accepts a zerolog.Logger as input and returns a new custom pgsync
// logging facade as output.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("module", "pgsync").Logger(),
	}
}

func (pl *Logger) Log(level pgsync.LogLevel, msg string, data map[string]interface{}) {
	var zlevel zerolog.Level
	switch level {
	case pgsync.LogLevelNone:
		zlevel = zerolog.NoLevel
	case pgsync.LogLevelError:
		zlevel = zerolog.ErrorLevel
	case pgsync.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case pgsync.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	case pgsync.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	default:
		zlevel = zerolog.DebugLevel
	}

	pl.logger.WithLevel(zlevel).Fields(data).Msg(msg)
}
