package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultLogCapacity is how many records the log buffer keeps.
const DefaultLogCapacity = 1000

// LogEntry is one captured log record.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Component string            `json:"component,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// logRing is the storage shared by a LogBuffer and its derived handlers.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns entries newest first.
func (r *logRing) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.entries)
	}
	out := make([]LogEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// LogBuffer is a slog.Handler that keeps the most recent records in memory
// and passes every record on to the wrapped handler.
type LogBuffer struct {
	ring   *logRing
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

// NewLogBuffer wraps next. A capacity <= 0 uses DefaultLogCapacity; next
// may be nil to only buffer.
func NewLogBuffer(capacity int, next slog.Handler) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{
		ring: &logRing{entries: make([]LogEntry, capacity)},
		next: next,
	}
}

// Enabled defers to the wrapped handler. Without one every level is kept.
func (b *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	if b.next == nil {
		return true
	}
	return b.next.Enabled(ctx, level)
}

// Handle records r and forwards it.
func (b *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Timestamp: r.Time.UTC(),
		Level:     r.Level.String(),
		Message:   r.Message,
		Attrs:     make(map[string]string),
	}
	add := func(a slog.Attr) {
		if a.Key == "component" {
			entry.Component = a.Value.String()
			return
		}
		key := a.Key
		if len(b.groups) > 0 {
			key = strings.Join(b.groups, ".") + "." + key
		}
		entry.Attrs[key] = a.Value.String()
	}
	for _, a := range b.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})
	if len(entry.Attrs) == 0 {
		entry.Attrs = nil
	}
	b.ring.add(entry)

	if b.next != nil {
		return b.next.Handle(ctx, r)
	}
	return nil
}

// WithAttrs returns a handler sharing this buffer.
func (b *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	nb := *b
	nb.attrs = append(append([]slog.Attr(nil), b.attrs...), attrs...)
	if b.next != nil {
		nb.next = b.next.WithAttrs(attrs)
	}
	return &nb
}

// WithGroup returns a handler sharing this buffer.
func (b *LogBuffer) WithGroup(name string) slog.Handler {
	nb := *b
	nb.groups = append(append([]string(nil), b.groups...), name)
	if b.next != nil {
		nb.next = b.next.WithGroup(name)
	}
	return &nb
}

// LogQuery filters Entries.
type LogQuery struct {
	Level string // exact level name, case-insensitive; empty for all
	Start time.Time
	End   time.Time
	Limit int
}

// Entries returns matching records, newest first.
func (b *LogBuffer) Entries(q LogQuery) []LogEntry {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	level := normalizeLevel(q.Level)

	out := []LogEntry{}
	for _, e := range b.ring.snapshot() {
		if level != "" && e.Level != level {
			continue
		}
		if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && e.Timestamp.After(q.End) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// normalizeLevel maps "warning" and other spellings to slog level names.
func normalizeLevel(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		return slog.LevelWarn.String()
	}
	return s
}

func parseLevelFilter(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.Replace(strings.ToLower(s), "warning", "warn", 1))); err != nil {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return level.String(), nil
}
