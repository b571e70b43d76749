package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is a slog.Logger whose records carry trace_id and span_id when the
// context holds a recording span.
type Logger struct {
	*slog.Logger
}

// NewLogger writes to stdout.
func NewLogger(level, format string) *Logger {
	return NewLoggerWithWriter(os.Stdout, level, format)
}

// NewLoggerWithWriter writes to w. format is "text" or "json" (default).
func NewLoggerWithWriter(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level), AddSource: true}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(traceHandler{h})}
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return NewLoggerWithWriter(io.Discard, "error", "json")
}

// Component tags every record with component=name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", name))}
}

// ParseLogLevel maps debug, info, warn and error to slog levels. Unknown
// values mean info.
func ParseLogLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LogError logs msg at error level with err attached.
func (l *Logger) LogError(ctx context.Context, msg string, err error, fields ...any) {
	l.ErrorContext(ctx, msg, append(fields, slog.Any("error", err))...)
}

func (l *Logger) LogWarn(ctx context.Context, msg string, fields ...any) {
	l.WarnContext(ctx, msg, fields...)
}

func (l *Logger) LogInfo(ctx context.Context, msg string, fields ...any) {
	l.InfoContext(ctx, msg, fields...)
}

func (l *Logger) LogDebug(ctx context.Context, msg string, fields ...any) {
	l.DebugContext(ctx, msg, fields...)
}

// traceHandler adds the span ids found in the record's context.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}
