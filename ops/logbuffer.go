// Package ops holds operational plumbing for the feed daemon: an in-memory
// log ring consulted by the /logs endpoint.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single captured log record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Attrs   string    `json:"attrs,omitempty"`
}

// LogBuffer is a fixed-capacity ring of recent log entries.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	size    int
	bufCap  int
}

// NewLogBuffer allocates a ring buffer with the given capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, capacity),
		bufCap:  capacity,
	}
}

// Add appends an entry, evicting the oldest once the ring is full.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % lb.bufCap
	if lb.size < lb.bufCap {
		lb.size++
	}
}

// Recent returns the last n entries in chronological order.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n > lb.size {
		n = lb.size
	}
	if n == 0 {
		return nil
	}

	result := make([]LogEntry, n)
	start := (lb.head - n + lb.bufCap) % lb.bufCap
	for i := 0; i < n; i++ {
		result[i] = lb.entries[(start+i)%lb.bufCap]
	}
	return result
}

// Len returns the number of entries currently held.
func (lb *LogBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.size
}

// TeeHandler wraps an slog.Handler and copies every record to a LogBuffer.
type TeeHandler struct {
	inner slog.Handler
	buf   *LogBuffer
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler creates a handler that tees records to both inner and buf.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

// Enabled delegates to the inner handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle flattens the record's attrs, adds a LogEntry to the buffer, and
// delegates to inner.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var attrs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&attrs, "%s=%v ", a.Key, a.Value.Any())
		return true
	})

	h.buf.Add(LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   strings.TrimSpace(attrs.String()),
	})

	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new TeeHandler whose inner handler has the given attrs.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf}
}

// WithGroup returns a new TeeHandler whose inner handler uses the given group.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{inner: h.inner.WithGroup(name), buf: h.buf}
}
