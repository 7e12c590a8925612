// Package hclog sets up H-Conductor's structured logging. Translates
// original_source/orchestrator/logging_config.py's setup_logging to
// log/slog: a text handler for development, a JSON handler for
// production, level and format both controlled by environment
// variables. Grounded on the teacher's own
// slog.New(slog.NewTextHandler(...)) usage in cmd/semspec/main.go.
package hclog

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Environment variables read by New when an explicit Option isn't
// supplied, matching logging_config.py's LOG_FORMAT/LOG_LEVEL.
const (
	EnvFormat = "LOG_FORMAT"
	EnvLevel  = "LOG_LEVEL"
)

// Option configures the logger New builds.
type Option func(*settings)

type settings struct {
	format string
	level  slog.Level
	output io.Writer
}

// WithFormat overrides the handler format ("json" or "text").
func WithFormat(format string) Option {
	return func(s *settings) { s.format = format }
}

// WithLevel overrides the minimum log level.
func WithLevel(level slog.Level) Option {
	return func(s *settings) { s.level = level }
}

// WithOutput overrides the log destination. Defaults to os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(s *settings) { s.output = w }
}

// New builds a structured logger. Format and level default to the
// LOG_FORMAT and LOG_LEVEL environment variables ("text"/INFO if
// unset or unrecognized), overridable via opts.
func New(opts ...Option) *slog.Logger {
	s := &settings{
		format: strings.ToLower(os.Getenv(EnvFormat)),
		level:  parseLevel(os.Getenv(EnvLevel)),
		output: os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}

	handlerOpts := &slog.HandlerOptions{Level: s.level}

	var handler slog.Handler
	if s.format == "json" {
		handler = slog.NewJSONHandler(s.output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(s.output, handlerOpts)
	}

	return slog.New(handler)
}

// parseLevel maps LOG_LEVEL's Python-style names (DEBUG/INFO/WARNING/
// ERROR, case-insensitive) onto slog.Level, defaulting to Info for an
// empty or unrecognized value.
func parseLevel(raw string) slog.Level {
	switch strings.ToUpper(raw) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
