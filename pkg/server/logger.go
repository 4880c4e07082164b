package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// JobLogHandler is a slog.Handler that writes records to the job store and
// passes them on to next, if set.
type JobLogHandler struct {
	Store JobStore
	JobID uuid.UUID

	next  slog.Handler
	attrs []slog.Attr
	group string
}

func NewJobLogHandler(store JobStore, jobID uuid.UUID, next slog.Handler) *JobLogHandler {
	return &JobLogHandler{
		Store: store,
		JobID: jobID,
		next:  next,
	}
}

func (h *JobLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || (h.next != nil && h.next.Enabled(ctx, level))
}

func (h *JobLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		_ = h.next.Handle(ctx, r.Clone())
	}
	if r.Level < slog.LevelInfo {
		return nil
	}

	// Extract attributes to JSON
	attrs := make(map[string]interface{})
	for _, a := range h.attrs {
		attrs[a.Key] = attrValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = attrValue(a.Value)
		return true
	})

	metaJSON, err := json.Marshal(attrs)
	if err != nil {
		metaJSON = []byte("{}")
	}

	// Records outlive the request, so the insert must not be cancelled with it
	return h.Store.AppendLog(context.WithoutCancel(ctx), h.JobID, LogEntry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Metadata:  metaJSON,
	})
}

func (h *JobLogHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *JobLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	if h.next != nil {
		cp.next = h.next.WithAttrs(attrs)
	}
	return &cp
}

func (h *JobLogHandler) WithGroup(name string) slog.Handler {
	cp := *h
	if cp.group != "" {
		cp.group += "." + name
	} else {
		cp.group = name
	}
	if h.next != nil {
		cp.next = h.next.WithGroup(name)
	}
	return &cp
}

func attrValue(v slog.Value) interface{} {
	val := v.Resolve().Any()
	if err, ok := val.(error); ok {
		return err.Error()
	}
	return val
}
