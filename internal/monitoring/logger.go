// Package monitoring carries the gateway's observability surface:
// structured logging, Prometheus metrics, host sampling, and the audit
// trail.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects the log output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, for aggregation
	LogFormatPretty LogFormat = "pretty" // human-readable, for local dev
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // debug | info | warn | error
	Format LogFormat
}

// NewLogger creates the root structured logger. Components derive child
// loggers via logger.With().Str("component", ...).
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout
	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "gateway").
		Logger()
}
