// Package telemetry holds the sensor event model shared by the edge node and
// the bridge, together with its JSON wire format and the row model written to
// the time-series store.
package telemetry

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Kind is the type of a SensorEvent.
type Kind string

const (
	// KindMotionDetected is emitted on the rising edge of the motion signal.
	KindMotionDetected Kind = "motion_detected"
	// KindRegularReading is emitted by the periodic sampler.
	KindRegularReading Kind = "regular_reading"
)

// Validate reports whether k is a known event kind.
func (k Kind) Validate() error {
	switch k {
	case KindMotionDetected, KindRegularReading:
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", string(k))
	}
}

// Reading is a single sensor measurement. A failed read keeps its name and
// carries the failure reason instead of a value.
type Reading struct {
	Name  string
	Value float64
	Unit  string
	// Err is the error marker. Non-empty means Value and Unit are meaningless.
	Err string
}

// NewReading returns a successful reading.
func NewReading(name string, value float64, unit string) Reading {
	return Reading{Name: name, Value: value, Unit: unit}
}

// FailedReading returns a reading carrying an error marker.
func FailedReading(name, reason string) Reading {
	if reason == "" {
		reason = "unknown error"
	}

	return Reading{Name: name, Err: reason}
}

// Failed reports whether the reading carries an error marker.
func (r Reading) Failed() bool {
	return r.Err != ""
}

// GeoInfo is the approximate location of a sensor node.
type GeoInfo struct {
	City        string
	Region      string
	Country     string
	Coordinates string
	// Err is set when the location could not be resolved.
	Err string
}

// Failed reports whether the location lookup failed.
func (g GeoInfo) Failed() bool {
	return g.Err != ""
}

// LocationID derives the store's location_id column from the location.
// Unknown or failed locations map to "default".
func (g *GeoInfo) LocationID() string {
	if g == nil || g.Failed() {
		return DefaultLocationID
	}

	parts := []string{g.Country, g.Region, g.City}
	known := false

	for i, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || p == "unknown" {
			p = "unknown"
		} else {
			known = true
		}

		parts[i] = strings.Join(strings.Fields(p), "-")
	}

	if !known {
		return DefaultLocationID
	}

	return strings.Join(parts, "/")
}

// DefaultLocationID is used when a sensor's location is not known.
const DefaultLocationID = "default"

// SensorEvent is an immutable, timestamped set of readings produced by one device.
type SensorEvent struct {
	id        string
	timestamp time.Time
	kind      Kind
	deviceID  string
	location  *GeoInfo
	metrics   map[string]Reading
}

// NewSensorEvent builds an event. Readings are keyed by name; a later reading
// with the same name replaces an earlier one.
func NewSensorEvent(id string, kind Kind, deviceID string, ts time.Time, location *GeoInfo, readings ...Reading) SensorEvent {
	metrics := make(map[string]Reading, len(readings))
	for _, r := range readings {
		metrics[r.Name] = r
	}

	var loc *GeoInfo
	if location != nil {
		l := *location
		loc = &l
	}

	return SensorEvent{
		id:        id,
		timestamp: ts,
		kind:      kind,
		deviceID:  deviceID,
		location:  loc,
		metrics:   metrics,
	}
}

func (e SensorEvent) ID() string           { return e.id }
func (e SensorEvent) Timestamp() time.Time { return e.timestamp }
func (e SensorEvent) Kind() Kind           { return e.kind }
func (e SensorEvent) DeviceID() string     { return e.deviceID }

// Location returns a copy of the event location, or nil when none was attached.
func (e SensorEvent) Location() *GeoInfo {
	if e.location == nil {
		return nil
	}

	l := *e.location

	return &l
}

// Metrics returns a copy of the readings keyed by sensor name.
func (e SensorEvent) Metrics() map[string]Reading {
	return maps.Clone(e.metrics)
}

// Reading returns the named reading.
func (e SensorEvent) Reading(name string) (Reading, bool) {
	r, ok := e.metrics[name]

	return r, ok
}

// Names returns the sensor names in sorted order.
func (e SensorEvent) Names() []string {
	return slices.Sorted(maps.Keys(e.metrics))
}

// WithDeviceID returns a copy of e attributed to deviceID.
func (e SensorEvent) WithDeviceID(deviceID string) SensorEvent {
	e.deviceID = deviceID

	return e
}

// Equal reports whether two events carry the same data.
func (e SensorEvent) Equal(o SensorEvent) bool {
	if e.id != o.id || e.kind != o.kind || e.deviceID != o.deviceID || !e.timestamp.Equal(o.timestamp) {
		return false
	}

	if (e.location == nil) != (o.location == nil) {
		return false
	}

	if e.location != nil && *e.location != *o.location {
		return false
	}

	return maps.Equal(e.metrics, o.metrics)
}
