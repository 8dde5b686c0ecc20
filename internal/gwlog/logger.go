// Package gwlog provides the structured logger used across the gateway and
// a slog-backed implementation matching the log line shape of the original CLI's
// CLI logger.
package gwlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger is the structured-logging interface consumed by every component.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards all output. Used in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// gwHandler formats log records as:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t<key=value ...>
type gwHandler struct {
	w     io.Writer
	opID  string
	attrs []slog.Attr
	min   slog.Level
}

func (h *gwHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.min }

func (h *gwHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	level := r.Level.String()

	if _, err := fmt.Fprintf(h.w, "%s\t%s\t%s\t%s", ts, level, h.opID, r.Message); err != nil {
		return err
	}
	for _, a := range h.attrs {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.w)
	return err
}

func (h *gwHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &gwHandler{
		w:     h.w,
		opID:  h.opID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
		min:   h.min,
	}
}

func (h *gwHandler) WithGroup(string) slog.Handler { return h }

// ParseLevel maps a log_level config string onto a slog level, defaulting
// to Info for anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a Logger that writes to w, tagged with opID and filtered to the
// given level.
func New(w io.Writer, opID string, level slog.Level) *slogAdapter {
	handler := &gwHandler{w: w, opID: opID, min: level}
	return &slogAdapter{l: slog.New(handler)}
}

// NewStderr is a convenience constructor writing to os.Stderr.
func NewStderr(opID string, level slog.Level) *slogAdapter {
	return New(os.Stderr, opID, level)
}

// slogAdapter wraps *slog.Logger to satisfy Logger.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
