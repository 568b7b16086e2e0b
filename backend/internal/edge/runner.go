// Package edge runs the sensor node loop: poll the event source, publish
// what it produces and keep what could not be published.
package edge

import (
	"context"
	"log/slog"
	"time"

	"edge-telemetry/backend/internal/metrics"
	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/utils"
)

const DefaultPollInterval = 100 * time.Millisecond

// Source produces at most one event per poll.
type Source interface {
	Poll() *telemetry.SensorEvent
}

// Sender publishes an event and returns once the broker acknowledged it.
type Sender interface {
	Send(ctx context.Context, e telemetry.SensorEvent) error
}

// Journal keeps events that could not be sent.
type Journal interface {
	Append(e telemetry.SensorEvent, reason string) error
}

// Runner is the single foreground loop of a sensor node.
type Runner struct {
	l            *slog.Logger
	source       Source
	sender       Sender
	journal      Journal
	metrics      *metrics.Sensor
	pollInterval time.Duration
	fatal        <-chan error
}

// Option configures a Runner.
type Option func(*Runner)

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func WithMetrics(m *metrics.Sensor) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithFatal makes Run return the first error received on ch, typically
// mqtt.Client.Fatal.
func WithFatal(ch <-chan error) Option {
	return func(r *Runner) { r.fatal = ch }
}

func NewRunner(l *slog.Logger, source Source, sender Sender, journal Journal, opts ...Option) *Runner {
	r := &Runner{
		l:            l.With(slog.String("component", "edge")),
		source:       source,
		sender:       sender,
		journal:      journal,
		metrics:      metrics.NopSensor(),
		pollInterval: DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run polls the source every poll interval until ctx is done, returning nil,
// or a fatal transport error arrives, returning that error.
func (r *Runner) Run(ctx context.Context) error {
	r.l.Info("Sensor loop started", slog.Duration("pollInterval", r.pollInterval))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.l.Info("Sensor loop stopped")

			return nil
		case err := <-r.fatal:
			r.l.Error("Transport failed permanently, stopping sensor loop", utils.ErrAttr(err))

			return err
		case <-ticker.C:
			r.Step(ctx)
		}
	}
}

// Step polls once and sends the event, if any. A failed send is journaled.
// It reports whether an event was produced.
func (r *Runner) Step(ctx context.Context) bool {
	e := r.source.Poll()
	if e == nil {
		return false
	}

	r.metrics.Events.WithLabelValues(string(e.Kind())).Inc()

	l := r.l.With(slog.String("eventID", e.ID()), slog.String("kind", string(e.Kind())))

	err := r.sender.Send(ctx, *e)
	if err == nil {
		r.metrics.Published.Inc()
		l.Info("Event published")

		return true
	}

	l.Warn("Failed to publish event, journaling it", utils.ErrAttr(err))

	if jErr := r.journal.Append(*e, err.Error()); jErr != nil {
		l.Error("Failed to journal event, event lost", utils.ErrAttr(jErr))

		return true
	}

	r.metrics.Journaled.Inc()

	return true
}
