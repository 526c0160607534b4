// Package zerologadapter provides a logger that writes to a
// github.com/rs/zerolog.
package zerologadapter

import (
	"github.com/rs/zerolog"

	"github.com/quilldb/quill"
)

type Logger struct {
	logger zerolog.Logger
}

// NewLogger accepts a zerolog.Logger as input and returns a new custom quill
// logging facade as output.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("module", "quill").Logger(),
	}
}

func (l *Logger) Log(level quill.LogLevel, msg string, data map[string]interface{}) {
	var zlevel zerolog.Level
	switch level {
	case quill.LogLevelNone:
		zlevel = zerolog.NoLevel
	case quill.LogLevelError:
		zlevel = zerolog.ErrorLevel
	case quill.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case quill.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	case quill.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	default:
		zlevel = zerolog.DebugLevel
	}

	qlog := l.logger.With().Fields(data).Logger()
	qlog.WithLevel(zlevel).Msg(msg)
}
