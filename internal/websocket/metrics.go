package websocket

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "licensecore.websocket"

type hubMetrics struct {
	connectionsActive metric.Int64UpDownCounter
	connectionsTotal  metric.Int64Counter
	messagesTotal     metric.Int64Counter
	slowClients       metric.Int64Counter
}

func newHubMetrics(meter metric.Meter) (*hubMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}

	m := &hubMetrics{}

	var err error

	m.connectionsActive, err = meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active connections counter: %w", err)
	}

	m.connectionsTotal, err = meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	m.messagesTotal, err = meter.Int64Counter(
		"websocket_messages_total",
		metric.WithDescription("Total number of messages broadcast by event type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages counter: %w", err)
	}

	m.slowClients, err = meter.Int64Counter(
		"websocket_slow_clients_total",
		metric.WithDescription("Total number of clients disconnected because their send buffer was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create slow clients counter: %w", err)
	}

	return m, nil
}

func (m *hubMetrics) connected(ctx context.Context) {
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

func (m *hubMetrics) disconnected(ctx context.Context, reason string) {
	m.connectionsActive.Add(ctx, -1)
	if reason == "slow" {
		m.slowClients.Add(ctx, 1)
	}
}

func (m *hubMetrics) published(ctx context.Context, eventType string) {
	m.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
