// Package logging configures zerolog for the harvester and hands out
// component-scoped loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs per-attempt detail and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs entity outcomes and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries, refresh failures and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs exhausted entities and fatal job errors only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `yaml:"level"`

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool `yaml:"pretty"`

	// Output is the writer logs go to (default: os.Stderr).
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level, defaulting to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithEntity tags a logger with the target entity being discovered.
func WithEntity(logger zerolog.Logger, entity string) zerolog.Logger {
	return logger.With().Str("entity", entity).Logger()
}

// Log Level Guidelines:
//
// Debug: per-attempt detail
//   - credential acquire/release, session creation
//   - throttle delays and penalties
//   - page fetches and cursor advances
//
// Info: normal operation events
//   - strategy completion with item counts
//   - entity outcome (success/partial)
//   - token refreshes
//
// Warn: degraded but continuing
//   - retry attempts and classified errors
//   - soft-throttle detections
//   - token refresh failures (stale token kept)
//   - pool exhaustion
//
// Error: needs attention
//   - entity exhausted (zero items after every strategy)
//   - configuration errors
//
// Context Fields:
//   - component: package-level component name
//   - entity: target entity reference
//   - strategy: discovery strategy name
//   - session_id / credential_id: identity in use
//   - attempt: retry attempt number
//   - error_class: rate_limited, blocked, server_or_network, non_retryable,
//     malformed_response, pool_exhausted
