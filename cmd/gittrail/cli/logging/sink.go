package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
)

// sinkTimeFormat is UTC with millisecond precision and a literal Z.
const sinkTimeFormat = "2006-01-02T15:04:05.000Z"

// Sink is a per-session log file attached to the process-wide handler.
type Sink struct {
	path  string
	level slog.Level

	restore    bool
	levelAtAdd slog.Level

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// Attach opens (appending) the log file at path and routes every record that
// passes the process-wide level into it. When lvl is non-nil, the sink only
// receives records at or above lvl and the process-wide level is set to lvl
// until the sink is closed, at which point the previous level is restored.
func Attach(path string, lvl *slog.Level) (*Sink, error) {
	//nolint:gosec // G302: session logs are part of the tracked data directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	s := &Sink{path: path, level: levelAll, file: f}

	mu.Lock()
	if lvl != nil {
		s.level = *lvl
		s.restore = true
		s.levelAtAdd = level.Level()
		level.Set(*lvl)
	}
	sinks = append(sinks, s)
	mu.Unlock()

	Debug(WithComponent(context.Background(), "logging"), "routing logs to session log",
		slog.String("path", path))
	return s, nil
}

// Path returns the log file path.
func (s *Sink) Path() string {
	return s.path
}

// Write appends raw bytes to the log file, e.g. a child process's output.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	n, err := s.file.Write(p)
	if err != nil {
		return n, fmt.Errorf("write session log: %w", err)
	}
	return n, nil
}

// Close detaches the sink, restores the process-wide level if Attach changed
// it, and closes the file. Closing twice is a no-op.
func (s *Sink) Close() error {
	mu.Lock()
	idx := slices.Index(sinks, s)
	if idx >= 0 {
		sinks = slices.Delete(sinks, idx, idx+1)
		if s.restore {
			level.Set(s.levelAtAdd)
		}
	}
	mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close session log: %w", err)
	}
	return nil
}

// sinkHandler renders one line per record:
//
//	L<TAB>timestamp<TAB>file:line<TAB>message key=value...
type sinkHandler struct {
	sink   *Sink
	attrs  []slog.Attr
	groups []string
}

func (h *sinkHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.sink.level
}

func (h *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Level.String()[:1])
	b.WriteByte('\t')
	b.WriteString(r.Time.UTC().Format(sinkTimeFormat))
	b.WriteByte('\t')
	b.WriteString(source(r.PC))
	b.WriteByte('\t')
	b.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, prefix, a)
		return true
	})
	b.WriteByte('\n')

	_, err := h.sink.Write([]byte(b.String()))
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	next := &sinkHandler{sink: h.sink, groups: h.groups}
	next.attrs = append(slices.Clone(h.attrs), prefixed(prefix, attrs)...)
	return next
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	return &sinkHandler{sink: h.sink, attrs: h.attrs, groups: append(slices.Clone(h.groups), name)}
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", ga)
		}
		return
	}
	fmt.Fprintf(b, " %s%s=%v", prefix, a.Key, a.Value.Any())
}

func source(pc uintptr) string {
	if pc == 0 {
		return "-:0"
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	f, _ := frames.Next()
	return fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}
