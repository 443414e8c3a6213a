package logging

import (
	"context"
	"errors"
	"log/slog"
)

// MultiHandler sends each record to every handler enabled for its level.
type MultiHandler []slog.Handler

// NewMultiHandler drops nil handlers.
func NewMultiHandler(handlers ...slog.Handler) MultiHandler {
	m := make(MultiHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			m = append(m, h)
		}
	}
	return m
}

func (m MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers r to all enabled handlers. A failing handler does not stop
// the others; their errors are joined.
func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return m
	}
	return m.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m MultiHandler) each(fn func(slog.Handler) slog.Handler) MultiHandler {
	out := make(MultiHandler, len(m))
	for i, h := range m {
		out[i] = fn(h)
	}
	return out
}
