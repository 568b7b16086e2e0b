// Package metrics holds the Prometheus collectors of the sensor and bridge
// processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edge_telemetry"

// Ingest outcome labels.
const (
	OutcomeInserted  = "inserted"
	OutcomeDuplicate = "duplicate"
	OutcomeEmpty     = "empty"
	OutcomeDecode    = "decode_error"
	OutcomeRejected  = "constraint_violation"
	OutcomeJournaled = "journaled"
	// OutcomeAbandoned leaves the message unacknowledged for redelivery.
	OutcomeAbandoned = "abandoned"
)

// Bridge counts what happened to consumed messages.
type Bridge struct {
	Received     prometheus.Counter
	Outcomes     *prometheus.CounterVec
	RowsInserted prometheus.Counter
	StoreRetries prometheus.Counter
	QueueDepth   prometheus.Gauge
}

// Sensor counts what happened to produced events.
type Sensor struct {
	Events    *prometheus.CounterVec
	Published prometheus.Counter
	Journaled prometheus.Counter
}

// Registry is a private Prometheus registry with the process collectors.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a registry with Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{reg: reg}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// NewBridge registers the bridge collectors.
func (r *Registry) NewBridge() *Bridge {
	b := &Bridge{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "messages_received_total",
			Help: "MQTT messages received on the sensor topic.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "messages_handled_total",
			Help: "Handled messages by outcome.",
		}, []string{"outcome"}),
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "rows_inserted_total",
			Help: "sensor_data rows written.",
		}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "store_retries_total",
			Help: "Batch writes retried after the store was unavailable.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "queue_depth",
			Help: "Messages waiting for the ingest worker.",
		}),
	}

	r.reg.MustRegister(b.Received, b.Outcomes, b.RowsInserted, b.StoreRetries, b.QueueDepth)

	return b
}

// NewSensor registers the sensor collectors.
func (r *Registry) NewSensor() *Sensor {
	s := &Sensor{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "events_total",
			Help: "Sensor events produced by kind.",
		}, []string{"kind"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "published_total",
			Help: "Events acknowledged by the broker.",
		}),
		Journaled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "journaled_total",
			Help: "Events written to the local fallback journal.",
		}),
	}

	r.reg.MustRegister(s.Events, s.Published, s.Journaled)

	return s
}

// NopBridge returns bridge collectors on a throwaway registry.
func NopBridge() *Bridge {
	return NewRegistry().NewBridge()
}

// NopSensor returns sensor collectors on a throwaway registry.
func NopSensor() *Sensor {
	return NewRegistry().NewSensor()
}
