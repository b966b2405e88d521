package log

import (
	"context"
	"log/slog"
	"sync"
)

// CaptureHandler is a slog.Handler that records every emitted record in
// memory. Tests use it to assert on the engine's logging contract without
// parsing JSON output.
type CaptureHandler struct {
	mu      sync.Mutex
	records []slog.Record
	attrs   []slog.Attr
}

// NewCaptureHandler creates an empty CaptureHandler.
func NewCaptureHandler() *CaptureHandler {
	return &CaptureHandler{}
}

// Enabled always reports true; filtering is the test's job.
func (h *CaptureHandler) Enabled(context.Context, slog.Level) bool { return true }

// Handle stores a copy of the record.
func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

// WithAttrs returns the same handler; captured records keep their own attrs.
func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attrs = append(h.attrs, attrs...)
	return h
}

// WithGroup returns the same handler; groups are not tracked.
func (h *CaptureHandler) WithGroup(string) slog.Handler { return h }

// Records returns a snapshot of everything captured so far.
func (h *CaptureHandler) Records() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]slog.Record, len(h.records))
	copy(out, h.records)
	return out
}

// Messages returns the captured messages in emission order.
func (h *CaptureHandler) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, r.Message)
	}
	return out
}
