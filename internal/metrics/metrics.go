package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flightlog"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	deliveries     prometheus.Counter
	drops          prometheus.Counter
	clients        prometheus.Gauge
	statistics     *prometheus.CounterVec
	counterErrors  *prometheus.CounterVec
	deviceDBSize   prometheus.Gauge
	ingestMessages *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Telemetry events processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolutions_total",
			Help:      "Device identity resolutions, by resolving source.",
		}, []string{"source"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Messages queued to WebSocket subscribers.",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_clients_total",
			Help:      "Subscribers removed because their connection was closed or full.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Currently connected WebSocket subscribers.",
		}),
		statistics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flight_statistics_total",
			Help:      "Flight statistics computations, by outcome.",
		}, []string{"outcome"}),
		counterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_update_errors_total",
			Help:      "Failed aircraft or pilot counter updates, by counter.",
		}, []string{"counter"}),
		deviceDBSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_database_entries",
			Help:      "Entries in the loaded external device database.",
		}),
		ingestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Messages read from the telemetry event topic, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.resolutions,
		m.deliveries,
		m.drops,
		m.clients,
		m.statistics,
		m.counterErrors,
		m.deviceDBSize,
		m.ingestMessages,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventProcessed(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IdentityResolved(source string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(source).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.Add(float64(n))
}

func (m *Metrics) ClientsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drops.Add(float64(n))
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

func (m *Metrics) StatisticsComputed(outcome string) {
	if m == nil {
		return
	}
	m.statistics.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CounterFailed(counter string) {
	if m == nil {
		return
	}
	m.counterErrors.WithLabelValues(counter).Inc()
}

func (m *Metrics) SetDeviceDatabaseSize(n int) {
	if m == nil {
		return
	}
	m.deviceDBSize.Set(float64(n))
}

func (m *Metrics) IngestMessage(outcome string) {
	if m == nil {
		return
	}
	m.ingestMessages.WithLabelValues(outcome).Inc()
}
