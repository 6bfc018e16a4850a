package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger defines a standard interface for logging.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	With(component string) Logger
}

// ZerologLogger is a wrapper around a zerolog logger.
type ZerologLogger struct {
	l zerolog.Logger
}

// NewLogger creates a new logger instance based on the specified level,
// writing JSON lines to stdout.
func NewLogger(level string) Logger {
	return NewLoggerTo(os.Stdout, level)
}

// NewLoggerTo creates a new logger writing to the given writer. Tests pass
// an in-memory buffer or io.Discard here.
func NewLoggerTo(w io.Writer, level string) Logger {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		lvl = parsed
	}

	l := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &ZerologLogger{l: l}
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	return &ZerologLogger{l: zerolog.Nop()}
}

// With returns a child logger tagged with a component name.
func (l *ZerologLogger) With(component string) Logger {
	return &ZerologLogger{l: l.l.With().Str("component", component).Logger()}
}

// Debugf logs a message at the debug level.
func (l *ZerologLogger) Debugf(format string, v ...interface{}) {
	l.l.Debug().Msg(fmt.Sprintf(format, v...))
}

// Infof logs a message at the info level.
func (l *ZerologLogger) Infof(format string, v ...interface{}) {
	l.l.Info().Msg(fmt.Sprintf(format, v...))
}

// Warnf logs a message at the warn level.
func (l *ZerologLogger) Warnf(format string, v ...interface{}) {
	l.l.Warn().Msg(fmt.Sprintf(format, v...))
}

// Errorf logs a message at the error level.
func (l *ZerologLogger) Errorf(format string, v ...interface{}) {
	l.l.Error().Msg(fmt.Sprintf(format, v...))
}
