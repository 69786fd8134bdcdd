package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates the root structured logger.
//
// Format "json" emits one JSON object per line (aggregator-friendly),
// "pretty" uses zerolog's console writer for local development.
// Components derive child loggers with .With().Str("component", ...).
func NewLogger(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	lvl := zerolog.InfoLevel
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "smppgc").
		Logger()
}
