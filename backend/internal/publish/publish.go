// Package publish sends sensor events to the broker.
package publish

import (
	"context"
	"fmt"
	"log/slog"

	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/mqtt"
)

// DefaultTopic is the topic pattern sensor events are published on.
const DefaultTopic = "sensors/{deviceID}/events"

// Transport publishes raw payloads. *mqtt.Client implements it.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Publisher binds a transport to the sensor topic and wire format.
type Publisher struct {
	l         *slog.Logger
	transport Transport
	topic     string
}

// New creates a publisher for the given topic pattern, which may contain a
// {deviceID} parameter.
func New(l *slog.Logger, transport Transport, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}

	return &Publisher{
		l:         l.With(slog.String("component", "publisher")),
		transport: transport,
		topic:     topic,
	}
}

// Send encodes e and publishes it with QoS 1. A nil error means the broker
// acknowledged the message. Failures wrap mqtt.ErrNotConnected or
// mqtt.ErrTransportFailure.
func (p *Publisher) Send(ctx context.Context, e telemetry.SensorEvent) error {
	topic, err := mqtt.ExpandTopic(p.topic, map[string]string{"deviceID": e.DeviceID()})
	if err != nil {
		return fmt.Errorf("failed to build topic: %w", err)
	}

	payload, err := telemetry.Encode(e)
	if err != nil {
		return err
	}

	if err := p.transport.Publish(ctx, topic, payload); err != nil {
		return err
	}

	p.l.Debug("Published sensor event",
		slog.String("topic", topic),
		slog.String("eventID", e.ID()),
		slog.String("event", string(e.Kind())),
	)

	return nil
}
