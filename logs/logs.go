// Package logs holds the slog plumbing shared by the commands: a handler
// that fans records out to several others, and a ring of the most recent
// records for the control surface.
package logs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// Multi fans out records to every handler that accepts their level.
type Multi struct {
	handlers []slog.Handler
}

// NewMulti returns a handler writing to each of hs.
func NewMulti(hs ...slog.Handler) *Multi {
	return &Multi{handlers: hs}
}

func (m *Multi) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle passes r to every enabled handler, even when an earlier one fails.
func (m *Multi) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &Multi{handlers: hs}
}

func (m *Multi) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &Multi{handlers: hs}
}

// Ring keeps the last few log lines written to it. slog's built-in
// handlers write each record with a single Write, so every Write is kept
// as one line.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRing returns a ring holding up to n lines.
func NewRing(n int) *Ring {
	if n < 1 {
		n = 1
	}
	return &Ring{lines: make([]string, n)}
}

func (r *Ring) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// Handler renders records as JSON into r.
func (r *Ring) Handler(level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(r, &slog.HandlerOptions{Level: level})
}

// Lines returns the kept lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// String joins Lines with newlines.
func (r *Ring) String() string {
	return strings.Join(r.Lines(), "\n")
}
