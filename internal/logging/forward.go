package logging

import (
	"context"
	"log/slog"
)

// Sink receives a forwarded log record. Implementations must not log through
// the forwarding logger themselves.
type Sink func(level, message string, fields map[string]any) error

// ForwardHandler is a slog.Handler that flattens each record into a field map
// and hands it to a Sink. Nested groups become dotted keys.
type ForwardHandler struct {
	sink   Sink
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

// NewForwardHandler creates a ForwardHandler that drops records below level.
func NewForwardHandler(sink Sink, level slog.Leveler) *ForwardHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &ForwardHandler{sink: sink, level: level}
}

// Enabled implements slog.Handler.
func (h *ForwardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler. Sink errors are returned to slog, which
// discards them; a worker that lost its channel is about to stop anyway.
func (h *ForwardHandler) Handle(_ context.Context, rec slog.Record) error {
	fields := make(map[string]any, len(h.attrs)+rec.NumAttrs())
	for _, a := range h.attrs {
		addAttr(fields, "", a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		addAttr(fields, h.prefix, a)
		return true
	})
	return h.sink(levelName(rec.Level), rec.Message, fields)
}

// WithAttrs implements slog.Handler.
func (h *ForwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

// WithGroup implements slog.Handler.
func (h *ForwardHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func addAttr(fields map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			addAttr(fields, prefix+a.Key+".", ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	val := v.Any()
	if err, ok := val.(error); ok {
		val = err.Error()
	}
	fields[prefix+a.Key] = val
}
