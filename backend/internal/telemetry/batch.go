package telemetry

import "time"

// Row is one sensor_data row.
type Row struct {
	Time       time.Time
	DeviceID   string
	SensorType string
	Value      float64
	LocationID string
}

// IngestBatch is the set of rows derived from one SensorEvent. All rows share
// the event timestamp and must be committed together.
type IngestBatch struct {
	EventID  string
	DeviceID string
	Time     time.Time
	Rows     []Row
	// Skipped lists sensors whose reading carried an error marker.
	Skipped []string
}

// Empty reports whether the batch has nothing to write.
func (b IngestBatch) Empty() bool {
	return len(b.Rows) == 0
}

// NewIngestBatch derives the rows for e, one per successful reading, in
// sensor name order. The timestamp is truncated to microseconds, the
// precision of the store's time column, so redeliveries of the same event
// map onto the same unique key.
func NewIngestBatch(e SensorEvent) IngestBatch {
	ts := e.Timestamp().UTC().Truncate(time.Microsecond)
	locationID := e.location.LocationID()

	b := IngestBatch{
		EventID:  e.ID(),
		DeviceID: e.DeviceID(),
		Time:     ts,
	}

	for _, name := range e.Names() {
		r := e.metrics[name]
		if r.Failed() {
			b.Skipped = append(b.Skipped, name)

			continue
		}

		b.Rows = append(b.Rows, Row{
			Time:       ts,
			DeviceID:   e.DeviceID(),
			SensorType: name,
			Value:      r.Value,
			LocationID: locationID,
		})
	}

	return b
}
