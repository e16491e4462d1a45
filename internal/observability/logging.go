package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger for a component. Every line
// carries the service and component fields so guard logs can be filtered
// out of a shared stream.
// Production default: info. Set via GUARD_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(parseLogLevel(os.Getenv("GUARD_LOG_LEVEL"))).
		With().
		Timestamp().
		Str("service", "perpguard").
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	// Timestamps in RFC3339 with sub-second precision.
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
