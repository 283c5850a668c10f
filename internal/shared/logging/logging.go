// Package logging configures the zerolog root logger for the service.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func toZerologLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds the root logger. Pretty output is for local development; JSON
// otherwise. Components derive child loggers from this one via With().
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(toZerologLevel(level)).With().Timestamp().Logger()
}
