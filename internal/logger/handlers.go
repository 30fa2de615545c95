package logger

import (
	"context"
	"io"
	"log/slog"
)

// colorHandler prefixes the message with an ANSI-colored level tag so daemon
// logs are scannable on a terminal.
type colorHandler struct {
	*slog.TextHandler
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) *colorHandler {
	return &colorHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	var color string
	switch {
	case r.Level >= slog.LevelError:
		color = "\033[31m" // red
	case r.Level >= slog.LevelWarn:
		color = "\033[33m" // yellow
	case r.Level >= slog.LevelInfo:
		color = "\033[32m" // green
	default:
		color = "\033[36m" // cyan
	}
	r.Message = color + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

// teeHandler fans a record out to two handlers; used for console+file.
type teeHandler struct {
	a, b slog.Handler
}

func newTeeHandler(a, b slog.Handler) *teeHandler { return &teeHandler{a: a, b: b} }

func (t *teeHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return t.a.Enabled(ctx, lvl) || t.b.Enabled(ctx, lvl)
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	if t.a.Enabled(ctx, r.Level) {
		firstErr = t.a.Handle(ctx, r.Clone())
	}
	if t.b.Enabled(ctx, r.Level) {
		if err := t.b.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{a: t.a.WithAttrs(attrs), b: t.b.WithAttrs(attrs)}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{a: t.a.WithGroup(name), b: t.b.WithGroup(name)}
}
