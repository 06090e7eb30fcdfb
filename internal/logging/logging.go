// Package logging sets up structured slog logging for histd. The
// daemon logs to stderr by default; a supervisor or service manager
// owns persistence and rotation.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level is the minimum level to output.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config holds the logging configuration.
type Config struct {
	Level  slog.Leveler
	Format string // "text" or "json"
	Output io.Writer
}

// New creates a logger with the given configuration.
func New(cfg Config) *slog.Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// processLevel backs the default logger so SetLevel can adjust it
// while the daemon runs.
var processLevel slog.LevelVar

// Setup creates the process logger from config strings and installs
// it as the slog default. The level stays adjustable via SetLevel.
func Setup(level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	processLevel.Set(lvl)
	log := New(Config{Level: &processLevel, Format: format})
	slog.SetDefault(log)
	return log, nil
}

// SetLevel changes the minimum level of the logger installed by Setup.
func SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	processLevel.Set(lvl)
	return nil
}

// ParseLevel parses a level string.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}
