// Package logging provides audit logging for privileged storage operations.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
)

// Call results recorded in the audit log.
const (
	ResultOK       = "ok"
	ResultDenied   = "denied"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Logger wraps slog for structured audit logging.
type Logger struct {
	*slog.Logger
}

// New creates a new audit logger that writes JSON to stderr.
func New(level slog.Level) *Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter creates an audit logger writing JSON to w.
func NewWithWriter(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// Call describes one dispatched D-Bus method call.
type Call struct {
	RequestID string
	Method    string
	Action    string
	Sender    string
	UID       uint32
	Username  string
	Args      map[string]any

	// Identified is set once the caller's uid has been resolved.
	Identified bool
}

// LogCall logs a dispatched method call with its result.
func (l *Logger) LogCall(ctx context.Context, c Call, result string, err error) {
	attrs := []slog.Attr{
		slog.String("request_id", c.RequestID),
		slog.String("method", c.Method),
		slog.String("sender", c.Sender),
		slog.String("result", result),
	}
	if c.Action != "" {
		attrs = append(attrs, slog.String("action", c.Action))
	}
	if c.Identified {
		attrs = append(attrs, slog.Uint64("uid", uint64(c.UID)))
	}
	if c.Username != "" {
		attrs = append(attrs, slog.String("username", c.Username))
	}

	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, c.Args[k]))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	level := slog.LevelInfo
	if result == ResultDenied || result == ResultError {
		level = slog.LevelWarn
	}
	l.LogAttrs(ctx, level, "storage_call", attrs...)
}
