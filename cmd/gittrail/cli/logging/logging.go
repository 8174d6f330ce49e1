// Package logging is gittrail's structured logging on top of log/slog.
//
// One process-wide handler fans every record out to a base destination
// (stderr by default) and to any attached session sinks. The process-wide
// minimum severity is a single slog.LevelVar shared by all destinations.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// levelAll lets every record through a destination's own filter.
const levelAll = slog.Level(math.MinInt32)

type ctxKey int

const (
	componentKey ctxKey = iota
	sessionKey
)

var (
	mu             sync.RWMutex
	level          = new(slog.LevelVar)
	base           = newBaseHandler(os.Stderr)
	sinks          []*Sink
	logLevelGetter func() string
	logger         = slog.New(&dispatchHandler{})
)

func newBaseHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelAll})
}

// SetLogLevelGetter registers a fallback for the level when Init gets none.
func SetLogLevelGetter(fn func() string) {
	mu.Lock()
	defer mu.Unlock()
	logLevelGetter = fn
}

// Init sets the process-wide level and installs the gittrail handler as the
// slog default, so code that logs through slog is routed to session sinks.
// An empty name falls back to the registered getter, then to info.
func Init(levelName string) error {
	mu.RLock()
	getter := logLevelGetter
	mu.RUnlock()

	if levelName == "" && getter != nil {
		levelName = getter()
	}
	lvl := slog.LevelInfo
	if levelName != "" {
		parsed, err := ParseLevel(levelName)
		if err != nil {
			return err
		}
		lvl = parsed
	}
	level.Set(lvl)
	slog.SetDefault(logger)
	return nil
}

// SetOutput replaces the base destination. Used by the CLI and tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = newBaseHandler(w)
}

// SetLevel sets the process-wide minimum severity.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the process-wide minimum severity.
func Level() slog.Level {
	return level.Level()
}

// Logger returns the process-wide logger.
func Logger() *slog.Logger {
	return logger
}

// Close detaches every sink that is still attached.
func Close() {
	mu.RLock()
	attached := append([]*Sink(nil), sinks...)
	mu.RUnlock()
	for i := len(attached) - 1; i >= 0; i-- {
		_ = attached[i].Close()
	}
}

// ParseLevel parses debug, info, warn/warning or error (any case, with
// optional offsets such as "info+2").
func ParseLevel(name string) (slog.Level, error) {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return l, nil
}

// WithComponent tags log records emitted with ctx by component name.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// WithSession tags log records emitted with ctx by session number.
func WithSession(ctx context.Context, session int) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// Debug logs at debug level.
func Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAt(ctx, slog.LevelDebug, msg, attrs)
}

// Info logs at info level.
func Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAt(ctx, slog.LevelInfo, msg, attrs)
}

// Warn logs at warn level.
func Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAt(ctx, slog.LevelWarn, msg, attrs)
}

// Error logs at error level.
func Error(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAt(ctx, slog.LevelError, msg, attrs)
}

// Log logs at an arbitrary level.
func Log(ctx context.Context, l slog.Level, msg string, attrs ...slog.Attr) {
	logAt(ctx, l, msg, attrs)
}

func logAt(ctx context.Context, l slog.Level, msg string, attrs []slog.Attr) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !logger.Enabled(ctx, l) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip Callers, logAt and the exported wrapper
	r := slog.NewRecord(time.Now(), l, msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = logger.Handler().Handle(ctx, r)
}

// dispatchHandler fans records out to the base handler and all sinks.
// Handler derivations are replayed on each destination at Handle time
// because sinks come and go.
type dispatchHandler struct {
	derive []func(slog.Handler) slog.Handler
}

func (h *dispatchHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

func (h *dispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if c, ok := ctx.Value(componentKey).(string); ok {
		r.AddAttrs(slog.String("component", c))
	}
	if s, ok := ctx.Value(sessionKey).(int); ok {
		r.AddAttrs(slog.Int("session", s))
	}

	mu.RLock()
	targets := make([]slog.Handler, 0, len(sinks)+1)
	targets = append(targets, base)
	for _, s := range sinks {
		if r.Level >= s.level {
			targets = append(targets, &sinkHandler{sink: s})
		}
	}
	mu.RUnlock()

	var firstErr error
	for _, t := range targets {
		for _, d := range h.derive {
			t = d(t)
		}
		if err := t.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *dispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithAttrs(attrs) })
}

func (h *dispatchHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(t slog.Handler) slog.Handler { return t.WithGroup(name) })
}

func (h *dispatchHandler) with(d func(slog.Handler) slog.Handler) *dispatchHandler {
	derive := make([]func(slog.Handler) slog.Handler, 0, len(h.derive)+1)
	derive = append(derive, h.derive...)
	derive = append(derive, d)
	return &dispatchHandler{derive: derive}
}
