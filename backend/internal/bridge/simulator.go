package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"edge-telemetry/backend/internal/sensor"
	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/mqtt"
	"edge-telemetry/backend/pkg/utils"
)

const DefaultSampleInterval = 10 * time.Second

// SimulatedSensor is one development-mode sensor and its value ranges.
type SimulatedSensor struct {
	ID     string
	Ranges map[string]sensor.Range
}

// EnvironmentRanges builds the temperature, humidity and pressure ranges of
// a simulated sensor.
func EnvironmentRanges(tempMin, tempMax, humMin, humMax, presMin, presMax float64) map[string]sensor.Range {
	return map[string]sensor.Range{
		"temperature": {Min: tempMin, Max: tempMax, Unit: "celsius"},
		"humidity":    {Min: humMin, Max: humMax, Unit: "percent"},
		"pressure":    {Min: presMin, Max: presMax, Unit: "hPa"},
	}
}

// DefaultSimulatedSensors are used when development mode has none configured.
func DefaultSimulatedSensors() []SimulatedSensor {
	return []SimulatedSensor{
		{ID: "sensor001", Ranges: EnvironmentRanges(18, 28, 30, 80, 980, 1020)},
		{ID: "sensor002", Ranges: EnvironmentRanges(20, 25, 40, 70, 990, 1010)},
	}
}

type simulated struct {
	id      string
	topic   string
	sampler *sensor.RangeSampler
}

// Simulator feeds generated events into a Consumer without a broker.
type Simulator struct {
	l        *slog.Logger
	consumer *Consumer
	interval time.Duration
	sensors  []simulated
	now      func() time.Time
}

// NewSimulator creates a simulator emitting one regular reading per sensor
// every interval. seed makes the generated values repeatable.
func NewSimulator(l *slog.Logger, c *Consumer, interval time.Duration, sensors []SimulatedSensor, seed uint64) (*Simulator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sample interval must be positive, got %s", interval)
	}

	if len(sensors) == 0 {
		sensors = DefaultSimulatedSensors()
	}

	s := &Simulator{
		l:        l.With(slog.String("component", "simulator")),
		consumer: c,
		interval: interval,
		now:      time.Now,
	}

	for i, cfg := range sensors {
		if cfg.ID == "" {
			return nil, fmt.Errorf("simulated sensor %d: id is required", i)
		}

		topic, err := mqtt.ExpandTopic(c.topic, map[string]string{"deviceID": cfg.ID})
		if err != nil {
			return nil, fmt.Errorf("simulated sensor %s: %w", cfg.ID, err)
		}

		sampler, err := sensor.NewRangeSampler(cfg.Ranges, seed+uint64(i))
		if err != nil {
			return nil, fmt.Errorf("simulated sensor %s: %w", cfg.ID, err)
		}

		s.sensors = append(s.sensors, simulated{id: cfg.ID, topic: topic, sampler: sampler})
	}

	return s, nil
}

// Run emits a round immediately and then every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	s.l.Info("Starting development mode", slog.Int("sensors", len(s.sensors)), slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return nil
			}

			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick submits one event per simulated sensor.
func (s *Simulator) Tick(ctx context.Context) error {
	for _, sim := range s.sensors {
		e := telemetry.NewSensorEvent(utils.NewUUID(), telemetry.KindRegularReading, sim.id, s.now().UTC(), nil, sim.sampler.Sample()...)

		payload, err := telemetry.Encode(e)
		if err != nil {
			return err
		}

		if err := s.consumer.Submit(ctx, sim.topic, payload, nil); err != nil {
			return fmt.Errorf("failed to submit simulated event for %s: %w", sim.id, err)
		}
	}

	return nil
}
