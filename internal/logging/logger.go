// Package logging builds the process-wide zerolog root logger. Every
// component derives its own logger from this one with a component field.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"solana-wallet-tracker/config"
)

// New builds the root logger from configuration. JSON is the default so
// container log collectors get structured lines; console mode is for
// local development.
func New(cfg config.LoggingConfig) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel maps a configured level name to a zerolog level. Unknown
// names fall back to info rather than failing startup.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
