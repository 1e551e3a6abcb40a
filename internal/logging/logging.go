// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"listing-ops/internal/config"
)

// New returns a logger writing to stderr at cfg.LogLevel. Development and
// LOG_FORMAT=text get the text handler; everything else logs JSON.
func New(cfg config.Config) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat == "text" || cfg.IsDevelopment())
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(w io.Writer, level string, text bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if text {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps debug/warn/error to slog levels; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
