package main

import (
	"io"
	"log/slog"
	"os"
)

// newLogger builds the daemon logger. *slog.Logger satisfies the Logger
// interfaces declared by the engine packages.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLogLevel converts string to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// firstNonEmpty returns the first non-empty value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveLogging applies flag > LOG_LEVEL/LOG_FORMAT > config precedence.
func resolveLogging(flagLevel, flagFormat, cfgLevel, cfgFormat string) (string, string) {
	level := firstNonEmpty(flagLevel, os.Getenv("LOG_LEVEL"), cfgLevel, "info")
	format := firstNonEmpty(flagFormat, os.Getenv("LOG_FORMAT"), cfgFormat, "json")
	return level, format
}
