package logging

import (
	"context"
	"log/slog"
)

// ContextProvider returns attrs describing process state at log time, such
// as the number of open map connections.
type ContextProvider func() []slog.Attr

// ContextHandler appends the provider's attrs to every record it handles.
type ContextHandler struct {
	slog.Handler
	provider ContextProvider
}

// NewContextHandler wraps inner. A nil provider adds nothing.
func NewContextHandler(inner slog.Handler, provider ContextProvider) *ContextHandler {
	return &ContextHandler{Handler: inner, provider: provider}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.provider != nil {
		if attrs := h.provider(); len(attrs) > 0 {
			r = r.Clone()
			r.AddAttrs(attrs...)
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs), provider: h.provider}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ContextHandler{Handler: h.Handler.WithGroup(name), provider: h.provider}
}
