package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-chi/traceid"
)

type Level uint8

const (
	LogLevel_DEBUG Level = iota
	LogLevel_INFO
	LogLevel_WARN
	LogLevel_ERROR
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevel_DEBUG, nil
	case "", "info":
		return LogLevel_INFO, nil
	case "warn", "warning":
		return LogLevel_WARN, nil
	case "error":
		return LogLevel_ERROR, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LogLevel_DEBUG:
		return slog.LevelDebug
	case LogLevel_WARN:
		return slog.LevelWarn
	case LogLevel_ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a slog logger writing text or json records to out.
// Records logged with a context carrying a trace id get a traceId attr.
func NewLogger(out io.Writer, level Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.slogLevel()}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(&traceHandler{Handler: h})
}

type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := traceid.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("traceId", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}
