package di

import (
	"context"
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

// ProvideLogger creates a new zerolog.Logger configured for the runtime environment.
// In CI (when CI or GITHUB_ACTIONS is set), it uses JSON format.
// In a terminal, it uses console format with pretty printing.
// The level comes from LOG_LEVEL; a truthy LOGFLAG forces debug.
func ProvideLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && v != zerolog.NoLevel {
		level = v
	}
	if debug, _ := strconv.ParseBool(os.Getenv("LOGFLAG")); debug {
		level = zerolog.DebugLevel
	}

	if os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "" {
		return zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// ProvideContext returns a background context carrying the logger
func ProvideContext(logger zerolog.Logger) context.Context {
	return logger.WithContext(context.Background())
}
