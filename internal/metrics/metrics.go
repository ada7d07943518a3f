// Package metrics exposes sync server activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docsync"

// Metrics holds the collectors registered for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions        prometheus.Gauge
	ActiveConnections     prometheus.Gauge
	MaterializationsTotal *prometheus.CounterVec
	UpdatesTotal          prometheus.Counter
	PersistsTotal         *prometheus.CounterVec
	RejectionsTotal       *prometheus.CounterVec
	SchemaRelaysTotal     prometheus.Counter
}

// New registers the collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of live document sessions",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of attached connections",
		}),
		MaterializationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materializations_total",
			Help:      "Sessions materialized, by source representation",
		}, []string{"source"}),
		UpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Client updates merged into live sessions",
		}),
		PersistsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persists_total",
			Help:      "Persist attempts against the gateway, by result",
		}, []string{"result"}),
		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentication_rejections_total",
			Help:      "Rejected connection attempts, by reason",
		}, []string{"reason"}),
		SchemaRelaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_relays_total",
			Help:      "Schema versions received from peer instances",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionOpened(fromState bool) {
	if m == nil {
		return
	}
	source := "html"
	if fromState {
		source = "state"
	}
	m.ActiveSessions.Inc()
	m.MaterializationsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) ConnectionAttached() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionDetached() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) UpdateApplied() {
	if m == nil {
		return
	}
	m.UpdatesTotal.Inc()
}

func (m *Metrics) Persisted(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PersistsTotal.WithLabelValues(result).Inc()
}

// Rejected counts an authentication rejection.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// SchemaRelayed counts a schema version received from another instance.
func (m *Metrics) SchemaRelayed() {
	if m == nil {
		return
	}
	m.SchemaRelaysTotal.Inc()
}
