package logging

import (
	"io"
	"log/slog"
	"os"
)

// Setup installs a JSON logger on stdout as the slog default and returns its
// handler so callers can fan it out alongside other sinks.
func Setup(debug bool) slog.Handler {
	handler := NewJSONHandler(os.Stdout, debug)
	slog.SetDefault(slog.New(handler))
	return handler
}

func NewJSONHandler(w io.Writer, debug bool) slog.Handler {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}
