// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvLevel  = "LOG_LEVEL"
	EnvPretty = "LOG_PRETTY"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies LOG_LEVEL and
// LOG_PRETTY. Unparsable values keep the default.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if level := os.Getenv(EnvLevel); level != "" && ValidLevel(level) {
		cfg.Level = LogLevel(strings.ToLower(level))
	}

	if pretty, err := strconv.ParseBool(os.Getenv(EnvPretty)); err == nil {
		cfg.Pretty = pretty
	}

	return cfg
}

// ValidLevel reports whether s names a supported level.
func ValidLevel(s string) bool {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var output io.Writer = out
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// SetLevel changes the global level without rebuilding the logger.
func SetLevel(level LogLevel) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
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

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hit/miss per operation
//   - Batch dispatch and demultiplexing
//   - Rate limit state updates (healthy)
//
// Info: Normal operation events
//   - Tag invalidations
//   - Requests that succeeded after retry
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limit throttling
//   - Transport errors failing a batch
//   - Cache errors (fallback to upstream)
//
// Error: Error conditions requiring attention
//   - Critical rate limit blocks
//   - Network failures
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package
//   - batch_id, batch_size, trigger: batch dispatch
//   - operation, category, tag, ttl: classification and caching
//   - status, error_class: upstream HTTP failures
//   - remaining: upstream rate limit budget
