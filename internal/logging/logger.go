// Package logging constructs the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a configured log level name.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON   Format = "json"   // machine-readable, one JSON object per line
	FormatPretty Format = "pretty" // human-readable console output for local runs
)

// Options configures New.
type Options struct {
	Level  Level
	Format Format
}

// New returns a zerolog logger writing to stdout with a timestamp and a
// service field on every event. Unknown levels fall back to info.
func New(opts Options) zerolog.Logger {
	var level zerolog.Level
	switch opts.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelInfo:
		level = zerolog.InfoLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if opts.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "chatrelay").
		Logger()
}
