package telemetry

import (
	"errors"
	"fmt"
	"time"

	"edge-telemetry/backend/pkg/utils"
)

// legacyTimeLayout is the local "%Y-%m-%d %H:%M:%S" format older sensor
// firmware used. It is parsed as UTC.
const legacyTimeLayout = "2006-01-02 15:04:05"

// Payload is the JSON document published on the sensor topic.
type Payload struct {
	// ID uniquely identifies the event, used to correlate redeliveries in logs
	ID string `json:"id,omitempty"`
	// Timestamp is when the event was generated (RFC 3339)
	Timestamp string `json:"timestamp"`
	// Event is the event kind
	Event Kind `json:"event"`
	// DeviceID identifies the publishing node; the topic segment is used when empty
	DeviceID string `json:"device_id,omitempty"`
	// Location is the node location resolved at startup
	Location *LocationPayload `json:"location,omitempty"`
	// SensorData maps sensor name to its reading or error marker
	SensorData map[string]ReadingPayload `json:"sensor_data"`
}

// ReadingPayload is either {"value","unit"} or {"error"}.
type ReadingPayload struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
	Error string   `json:"error,omitempty"`
}

// LocationPayload mirrors GeoInfo on the wire.
type LocationPayload struct {
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
	Loc     string `json:"loc,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DecodeError reports a payload that cannot be turned into a SensorEvent.
// It is never retryable.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode sensor event: %s: %v", e.Reason, e.Err)
	}

	return "decode sensor event: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ToPayload converts an event into its wire form.
func ToPayload(e SensorEvent) Payload {
	p := Payload{
		ID:         e.id,
		Timestamp:  e.timestamp.UTC().Format(time.RFC3339Nano),
		Event:      e.kind,
		DeviceID:   e.deviceID,
		SensorData: make(map[string]ReadingPayload, len(e.metrics)),
	}

	if e.location != nil {
		p.Location = &LocationPayload{
			City:    e.location.City,
			Region:  e.location.Region,
			Country: e.location.Country,
			Loc:     e.location.Coordinates,
			Error:   e.location.Err,
		}
	}

	for name, r := range e.metrics {
		if r.Failed() {
			p.SensorData[name] = ReadingPayload{Error: r.Err}

			continue
		}

		p.SensorData[name] = ReadingPayload{Value: utils.Ptr(r.Value), Unit: r.Unit}
	}

	return p
}

// FromPayload validates p and converts it into an event.
func FromPayload(p Payload) (SensorEvent, error) {
	if p.Timestamp == "" {
		return SensorEvent{}, &DecodeError{Reason: "missing timestamp"}
	}

	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return SensorEvent{}, &DecodeError{Reason: "invalid timestamp", Err: err}
	}

	if err := p.Event.Validate(); err != nil {
		return SensorEvent{}, &DecodeError{Reason: "invalid event", Err: err}
	}

	readings := make([]Reading, 0, len(p.SensorData))

	for name, r := range p.SensorData {
		if name == "" {
			return SensorEvent{}, &DecodeError{Reason: "empty sensor name"}
		}

		switch {
		case r.Error != "" && r.Value != nil:
			return SensorEvent{}, &DecodeError{Reason: fmt.Sprintf("sensor %q has both value and error", name)}
		case r.Error != "":
			readings = append(readings, FailedReading(name, r.Error))
		case r.Value != nil:
			readings = append(readings, NewReading(name, *r.Value, r.Unit))
		default:
			return SensorEvent{}, &DecodeError{Reason: fmt.Sprintf("sensor %q has neither value nor error", name)}
		}
	}

	var loc *GeoInfo
	if p.Location != nil {
		loc = &GeoInfo{
			City:        p.Location.City,
			Region:      p.Location.Region,
			Country:     p.Location.Country,
			Coordinates: p.Location.Loc,
			Err:         p.Location.Error,
		}
	}

	return NewSensorEvent(p.ID, p.Event, p.DeviceID, ts, loc, readings...), nil
}

// Encode serialises an event to the wire format.
func Encode(e SensorEvent) ([]byte, error) {
	data, err := utils.ToJSON(ToPayload(e))
	if err != nil {
		return nil, fmt.Errorf("failed to encode sensor event: %w", err)
	}

	return data, nil
}

// Decode parses a wire payload. All failures are *DecodeError.
func Decode(data []byte) (SensorEvent, error) {
	if len(data) == 0 {
		return SensorEvent{}, &DecodeError{Reason: "empty payload"}
	}

	p, err := utils.FromJSON[Payload](data)
	if err != nil {
		return SensorEvent{}, &DecodeError{Reason: "malformed json", Err: err}
	}

	return FromPayload(p)
}

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError

	return errors.As(err, &de)
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}

	return time.ParseInLocation(legacyTimeLayout, s, time.UTC)
}
