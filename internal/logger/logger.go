// Package logger builds the service's slog loggers and carries a per-session
// trace ID through context.Context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type ctxKey struct{}

// Format selects the handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat maps LOG_FORMAT onto a Format. Anything but "text" is JSON.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}

// New returns a logger writing to w, tagged with service.
func New(w io.Writer, service string, level slog.Level, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == FormatText {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", service))
}

// Init builds the process logger on stdout with LOG_FORMAT applied and
// installs it as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	l := New(os.Stdout, service, level, ParseFormat(os.Getenv("LOG_FORMAT")))
	slog.SetDefault(l)
	return l
}

// ParseLevel maps LOG_LEVEL values (debug, info, warn, error) onto slog levels.
// Unknown or empty values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Component returns l (or the default logger when l is nil) tagged with a
// component attribute.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", name))
}

// WithTraceID stores a trace ID in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// TraceID returns the trace ID stored in ctx, or "".
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// GenerateTraceID returns "{session}-{unixNano}". Each feed connection gets
// one so all of its log lines can be grouped.
func GenerateTraceID(session string, ts time.Time) string {
	return session + "-" + strconv.FormatInt(ts.UnixNano(), 10)
}

// LogWithTrace returns the trace_id attribute for ctx, or nil.
//
//	log.Info("connected", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	if tid := TraceID(ctx); tid != "" {
		return []any{slog.String("trace_id", tid)}
	}
	return nil
}
