// Package sensor turns motion and environmental sensor reads into
// timestamped sensor events.
package sensor

import (
	"log/slog"
	"time"

	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/utils"
)

// DefaultReadingInterval is the time between periodic readings.
const DefaultReadingInterval = 5 * time.Second

// MotionSensor reports the current level of a motion signal (e.g. a PIR pin).
type MotionSensor interface {
	MotionDetected() (bool, error)
}

// Sampler reads every environmental sensor once. A sensor that fails to read
// is returned as a reading with an error marker, never omitted.
type Sampler interface {
	Sample() []telemetry.Reading
}

// Source produces sensor events from a motion sensor and a sampler. It is
// polled by a single host loop and is not safe for concurrent use.
type Source struct {
	l        *slog.Logger
	deviceID string
	location *telemetry.GeoInfo
	motion   MotionSensor
	sampler  Sampler
	interval time.Duration
	now      func() time.Time
	newID    func() string

	motionActive bool
	lastReading  time.Time
}

// Option configures a Source.
type Option func(*Source)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithInterval sets the periodic reading interval.
func WithInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLocation attaches a resolved location to every event.
func WithLocation(g *telemetry.GeoInfo) Option {
	return func(s *Source) { s.location = g }
}

// WithIDGenerator replaces the event id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Source) { s.newID = fn }
}

// NewSource creates a source. The first periodic reading is due one interval
// after creation.
func NewSource(l *slog.Logger, deviceID string, motion MotionSensor, sampler Sampler, opts ...Option) *Source {
	s := &Source{
		l:        l.With(slog.String("component", "event-source")),
		deviceID: deviceID,
		motion:   motion,
		sampler:  sampler,
		interval: DefaultReadingInterval,
		now:      time.Now,
		newID:    utils.NewUUID,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.lastReading = s.now()

	return s
}

// Poll checks the sensors once and returns at most one event, or nil.
//
// Motion is reported on the rising edge only and takes priority. A periodic
// reading that is due while motion is reported is emitted on the next poll.
func (s *Source) Poll() *telemetry.SensorEvent {
	if e := s.checkMotion(); e != nil {
		return e
	}

	return s.checkReading()
}

func (s *Source) checkMotion() *telemetry.SensorEvent {
	active, err := s.motion.MotionDetected()
	if err != nil {
		// A failed read leaves the edge state untouched.
		s.l.Warn("Failed to read motion sensor", utils.ErrAttr(err))

		return nil
	}

	if !active {
		s.motionActive = false

		return nil
	}

	if s.motionActive {
		return nil
	}

	s.motionActive = true
	e := s.event(telemetry.KindMotionDetected, s.now())
	s.l.Info("Motion detected", slog.Time("timestamp", e.Timestamp()))

	return &e
}

func (s *Source) checkReading() *telemetry.SensorEvent {
	now := s.now()
	if now.Sub(s.lastReading) <= s.interval {
		return nil
	}

	s.lastReading = now
	e := s.event(telemetry.KindRegularReading, now)

	return &e
}

func (s *Source) event(kind telemetry.Kind, at time.Time) telemetry.SensorEvent {
	readings := s.sampler.Sample()
	for _, r := range readings {
		if r.Failed() {
			s.l.Warn("Sensor read failed", slog.String("sensor", r.Name), slog.String("reason", r.Err))
		}
	}

	return telemetry.NewSensorEvent(s.newID(), kind, s.deviceID, at, s.location, readings...)
}
