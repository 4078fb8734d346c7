package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
)

// NewLogger returns a logger writing text lines to sink and records to lp.
// Records below level are dropped for both.
func NewLogger(sink io.Writer, level slog.Leveler, lp log.LoggerProvider) *slog.Logger {
	return slog.New(&fanout{
		level: level,
		handlers: []slog.Handler{
			slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level}),
			otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(lp)),
		},
	})
}

type fanout struct {
	level    slog.Leveler
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	if level < f.level.Level() {
		return false
	}
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			err = errors.Join(err, h.Handle(ctx, r.Clone()))
		}
	}
	return err
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &fanout{level: f.level, handlers: handlers}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &fanout{level: f.level, handlers: handlers}
}
