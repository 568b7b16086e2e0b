package sensor

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"edge-telemetry/backend/internal/telemetry"
)

// Range bounds the values a simulated sensor produces.
type Range struct {
	Min  float64
	Max  float64
	Unit string
}

// RangeSampler returns uniformly distributed values within per-sensor ranges.
type RangeSampler struct {
	mu     sync.Mutex
	rng    *rand.Rand
	ranges map[string]Range
	names  []string
}

// NewRangeSampler creates a sampler over ranges. seed makes runs repeatable.
func NewRangeSampler(ranges map[string]Range, seed uint64) (*RangeSampler, error) {
	if len(ranges) == 0 {
		return nil, errors.New("at least one sensor range is required")
	}

	names := make([]string, 0, len(ranges))

	for name, r := range ranges {
		if name == "" {
			return nil, errors.New("sensor name cannot be empty")
		}

		if r.Min > r.Max {
			return nil, errors.New("sensor " + name + ": min is greater than max")
		}

		names = append(names, name)
	}

	sort.Strings(names)

	return &RangeSampler{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		ranges: ranges,
		names:  names,
	}, nil
}

// Sample implements Sampler.
func (s *RangeSampler) Sample() []telemetry.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]telemetry.Reading, 0, len(s.names))

	for _, name := range s.names {
		r := s.ranges[name]
		v := r.Min + s.rng.Float64()*(r.Max-r.Min)
		out = append(out, telemetry.NewReading(name, math.Round(v*100)/100, r.Unit))
	}

	return out
}

// EnvironmentRanges are plausible indoor ranges for the simulated
// temperature, humidity and pressure sensors.
func EnvironmentRanges() map[string]Range {
	return map[string]Range{
		"temperature": {Min: 18, Max: 28, Unit: "celsius"},
		"humidity":    {Min: 30, Max: 80, Unit: "percent"},
		"pressure":    {Min: 980, Max: 1020, Unit: "hPa"},
	}
}

// FailingSampler reports every configured sensor as failed with Reason.
type FailingSampler struct {
	Names  []string
	Reason string
}

// Sample implements Sampler.
func (f FailingSampler) Sample() []telemetry.Reading {
	out := make([]telemetry.Reading, 0, len(f.Names))
	for _, name := range f.Names {
		out = append(out, telemetry.FailedReading(name, f.Reason))
	}

	return out
}

// RandomMotion simulates a PIR sensor: each idle read starts motion with
// probability P, which then stays high for Hold.
type RandomMotion struct {
	mu      sync.Mutex
	rng     *rand.Rand
	p       float64
	hold    time.Duration
	now     func() time.Time
	highTil time.Time
}

// NewRandomMotion creates a simulated motion sensor.
func NewRandomMotion(p float64, hold time.Duration, seed uint64, now func() time.Time) *RandomMotion {
	if now == nil {
		now = time.Now
	}

	return &RandomMotion{
		rng:  rand.New(rand.NewPCG(seed, seed+1)),
		p:    p,
		hold: hold,
		now:  now,
	}
}

// MotionDetected implements MotionSensor.
func (m *RandomMotion) MotionDetected() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Before(m.highTil) {
		return true, nil
	}

	if m.rng.Float64() < m.p {
		m.highTil = now.Add(m.hold)

		return true, nil
	}

	return false, nil
}
