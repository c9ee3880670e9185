// Package notify carries named notifications from the licensing core to
// whatever transports are attached: logs, websocket clients or a bus.
package notify

import (
	"context"
	"log/slog"
)

// Publisher accepts a named notification with an optional value.
// Implementations must not block for long; slow transports belong behind a
// Dispatcher.
type Publisher interface {
	Publish(ctx context.Context, name string, value any)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, name string, value any)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, name string, value any) { f(ctx, name, value) }

// Discard drops every notification.
var Discard Publisher = PublisherFunc(func(context.Context, string, any) {})

// Multi fans a notification out to several publishers in order.
type Multi []Publisher

// Publish forwards to every non-nil publisher.
func (m Multi) Publish(ctx context.Context, name string, value any) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, name, value)
		}
	}
}

// LogPublisher writes notifications to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogPublisher logs at level through logger, or slog.Default when nil.
func NewLogPublisher(logger *slog.Logger, level slog.Level) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "notify"), level: level}
}

// Publish logs the notification name and value.
func (p *LogPublisher) Publish(ctx context.Context, name string, value any) {
	attrs := []slog.Attr{slog.String("event", name)}
	if value != nil {
		attrs = append(attrs, slog.Any("value", value))
	}
	p.logger.LogAttrs(ctx, p.level, "notification published", attrs...)
}
