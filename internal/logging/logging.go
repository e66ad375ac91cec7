package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures logger construction.
type Options struct {
	Level  string // debug | info | warn | error
	Format string // json | pretty
	// Tee, when set, additionally receives every log line (the admin
	// ring log sits here).
	Tee io.Writer
}

// New creates the process logger. JSON by default; pretty console output
// for development.
func New(opts Options) zerolog.Logger {
	var level zerolog.Level
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if opts.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if opts.Tee != nil {
		out = zerolog.MultiLevelWriter(out, opts.Tee)
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "p3d").
		Logger()
}
