// Package logging configures structured slog logging for sessiond
// components: JSON to stderr, module and version attributes on every
// record, level from the LOG_LEVEL environment variable unless set
// explicitly, and source locations when debug is enabled.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level string (case-insensitive) to a slog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewStructuredLogger returns a JSON logger writing to stderr with module
// and version context attached.
func NewStructuredLogger(module, version, level string) *slog.Logger {
	lvl := ParseLevel(level)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})
	return slog.New(handler).With(
		slog.String("module", module),
		slog.String("version", version),
	)
}

// SetDefaultStructuredLogger installs the structured logger as the process
// default, taking the level from LOG_LEVEL.
func SetDefaultStructuredLogger(module, version string) {
	SetDefaultStructuredLoggerWithLevel(module, version, os.Getenv("LOG_LEVEL"))
}

// SetDefaultStructuredLoggerWithLevel installs the structured logger as the
// process default with an explicit level.
func SetDefaultStructuredLoggerWithLevel(module, version, level string) {
	slog.SetDefault(NewStructuredLogger(module, version, level))
}
