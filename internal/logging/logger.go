// Package logging provides structured logging for the upload agent.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog so the rest of the agent never imports it directly.
type Logger struct {
	zlog   zerolog.Logger
	output io.Writer
}

// NewConsoleLogger creates a human-readable logger for interactive use
// (the `start` command): a timestamped console writer on stderr,
// leaving stdout free for any CLI output the command itself prints.
func NewConsoleLogger() *Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return &Logger{
		zlog:   zerolog.New(out).With().Timestamp().Logger(),
		output: out,
	}
}

// NewWriterLogger creates a structured JSON logger writing to w; the tests
// use it with io.Discard.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{
		zlog:   zerolog.New(w).With().Timestamp().Logger(),
		output: w,
	}
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// With creates a child logger context, e.g. logger.With().Str("upload_id", id).Logger().
func (l *Logger) With() zerolog.Context { return l.zlog.With() }

// Output returns the underlying writer, useful for tests.
func (l *Logger) Output() io.Writer { return l.output }

// SetGlobalLevel sets the process-wide minimum log level.
func SetGlobalLevel(level zerolog.Level) { zerolog.SetGlobalLevel(level) }

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
