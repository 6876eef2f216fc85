package logging

import (
	"context"
	"log/slog"

	"github.com/rollbar/rollbar-go"
)

// Reporter receives error records; *rollbar.Client satisfies it
type Reporter interface {
	MessageWithExtras(level string, msg string, extras map[string]interface{})
}

// ReportingHandler forwards error-level records to a Reporter before passing them on
type ReportingHandler struct {
	next     slog.Handler
	reporter Reporter
	attrs    []slog.Attr
	group    string
}

func NewReportingHandler(next slog.Handler, reporter Reporter) *ReportingHandler {
	return &ReportingHandler{next: next, reporter: reporter}
}

func (h *ReportingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ReportingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		extras := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			extras[h.key(a.Key)] = a.Value.Resolve().Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			extras[h.key(a.Key)] = a.Value.Resolve().Any()
			return true
		})
		h.reporter.MessageWithExtras(rollbar.ERR, r.Message, extras)
	}
	return h.next.Handle(ctx, r)
}

func (h *ReportingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ReportingHandler{next: h.next.WithAttrs(attrs), reporter: h.reporter, attrs: merged, group: h.group}
}

func (h *ReportingHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &ReportingHandler{next: h.next.WithGroup(name), reporter: h.reporter, attrs: h.attrs, group: group}
}

func (h *ReportingHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}
