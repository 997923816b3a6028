// Package logging builds the slog logger shared by tokenkeeper components.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

func New(level, format string, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: stringToLogLevel(level),
	}

	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything; tests use it to keep
// output quiet.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func stringToLogLevel(levelStr string) slog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
