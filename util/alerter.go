package util

import (
	"context"
	"fmt"
	"log/slog"
)

type Alerter interface {
	Alert(ctx context.Context, format string, v ...interface{})
}

func NoopAlerter() Alerter {
	return noopAlerter{}
}

type noopAlerter struct{}

func (noopAlerter) Alert(ctx context.Context, format string, v ...interface{}) {}

// LogAlerter reports alerts as error level log records.
func LogAlerter(log *slog.Logger) Alerter {
	return logAlerter{log: log}
}

type logAlerter struct {
	log *slog.Logger
}

func (a logAlerter) Alert(ctx context.Context, format string, v ...interface{}) {
	a.log.ErrorContext(ctx, fmt.Sprintf(format, v...), slog.Bool("alert", true))
}
