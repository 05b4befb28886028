package runtime

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger writes JSON to stdout, or text when LOG_FORMAT=text. LOG_LEVEL
// picks the minimum level.
func NewLogger(service string) *slog.Logger {
	return newLogger(os.Stdout, service, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))
}

func newLogger(w io.Writer, service, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", service)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
