// Package logger provides structured logging for the application using
// the standard library's log/slog package, plus helpers for carrying a
// request- or job-scoped logger through a context.Context.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup initializes the application's logging system. It creates a
// structured JSON logger at the configured level, sets it as the process
// default, and returns it.
func Setup(level string) *slog.Logger {
	return SetupWithWriter(level, os.Stdout)
}

// SetupWithWriter is Setup with an explicit output writer, used by tests.
func SetupWithWriter(level string, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	log := slog.New(slog.NewJSONHandler(out, opts))
	slog.SetDefault(log)
	return log
}

// parseLevel maps a configured level string to a slog.Level,
// defaulting to info for unknown values.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("invalid log level configured, using default level",
			"configured_level", level,
			"default_level", "info")
		return slog.LevelInfo
	}
}
