package events

import (
	"context"
	"log/slog"
	"os"
)

// LogHandler tees structured log records to stderr as text. It exists as
// its own type (rather than slog.NewTextHandler directly) so a future
// sink can be added without touching every call site that holds a
// slog.Handler.
type LogHandler struct {
	inner slog.Handler
	level slog.Leveler
}

func NewLogHandler(level slog.Leveler) *LogHandler {
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs), level: h.level}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{inner: h.inner.WithGroup(name), level: h.level}
}
