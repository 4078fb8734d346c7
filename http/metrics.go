package http

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/freekieb7/pebble/http"

type metrics struct {
	accepted metric.Int64Counter
	active   metric.Int64UpDownCounter
	closed   metric.Int64Counter
	parsed   metric.Int64Counter
	sent     metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var m metrics
	var err error

	if m.accepted, err = meter.Int64Counter("pebble.connections.accepted",
		metric.WithDescription("Connections accepted by this worker"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("pebble.connections.active",
		metric.WithDescription("Connections currently owned by this worker"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.closed, err = meter.Int64Counter("pebble.connections.closed",
		metric.WithDescription("Connections torn down, by final state"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.parsed, err = meter.Int64Counter("pebble.requests.parsed",
		metric.WithDescription("Requests fully parsed"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.sent, err = meter.Int64Counter("pebble.response.bytes",
		metric.WithDescription("Response bytes written to clients"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *metrics) connClosed(ctx context.Context, state State) {
	m.active.Add(ctx, -1)
	m.closed.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}
