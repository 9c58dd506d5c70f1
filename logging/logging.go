// Package logging provides the minimal structured logging surface used by
// the bridge, the store, and the CLI.
//
// Library code depends only on the Logger interface and stays silent by
// default (NoOp); callers that want output inject the slog-backed JSON
// implementation or any adapter of their own.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface injected into library components.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a Logger that attaches the given key/value pairs to
	// every subsequent entry.
	With(args ...any) Logger
}

// New creates a JSON Logger writing to w at the given level. Output
// defaults to os.Stderr if w is nil.
func New(w io.Writer, level slog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &slogLogger{inner: slog.New(handler)}
}

// FromSlog wraps an existing *slog.Logger.
func FromSlog(l *slog.Logger) Logger {
	return &slogLogger{inner: l}
}

// NoOp returns a Logger that discards everything.
func NoOp() Logger { return noopLogger{} }

// ParseLevel maps a configuration string to a slog level. Unrecognized
// values fall back to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type slogLogger struct {
	inner *slog.Logger
}

func (l *slogLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{inner: l.inner.With(args...)}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func (noopLogger) With(...any) Logger { return noopLogger{} }
