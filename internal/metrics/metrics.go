// Package metrics holds the Prometheus collectors of one framework instance.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	resolutionsTotal   *prometheus.CounterVec
	resolutionDuration prometheus.Histogram
	unresolved         prometheus.Gauge
	transitionsTotal   *prometheus.CounterVec
	bundles            *prometheus.GaugeVec
	servicesRegistered prometheus.Gauge
	serviceEventsTotal *prometheus.CounterVec
	deliveriesTotal    *prometheus.CounterVec
	listenerFailures   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_resolutions_total",
				Help: "Number of resolve-and-apply runs by outcome.",
			},
			[]string{"outcome"},
		),
		resolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "modrt_resolution_duration_seconds",
				Help:    "Time taken to compute and apply a wiring.",
				Buckets: prometheus.DefBuckets,
			},
		),
		unresolved: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modrt_unresolved_bundles",
				Help: "Number of installed bundles left unresolved by the last resolution.",
			},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_bundle_transitions_total",
				Help: "Number of bundle state transitions by target state.",
			},
			[]string{"state"},
		),
		bundles: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modrt_bundles",
				Help: "Number of bundles per state.",
			},
			[]string{"state"},
		),
		servicesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modrt_services_registered",
				Help: "Number of currently registered services.",
			},
		),
		serviceEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_service_events_total",
				Help: "Number of service events fired by type.",
			},
			[]string{"type"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_event_deliveries_total",
				Help: "Number of listener invocations by event kind.",
			},
			[]string{"kind"},
		),
		listenerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_listener_failures_total",
				Help: "Number of listener or hook invocations that failed, by event kind.",
			},
			[]string{"kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.resolutionsTotal,
			m.resolutionDuration,
			m.unresolved,
			m.transitionsTotal,
			m.bundles,
			m.servicesRegistered,
			m.serviceEventsTotal,
			m.deliveriesTotal,
			m.listenerFailures,
		)
	}
	return m
}

func (m *Metrics) ObserveResolution(success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.resolutionsTotal.WithLabelValues(outcome).Inc()
	m.resolutionDuration.Observe(d.Seconds())
}

func (m *Metrics) SetUnresolved(n int) {
	if m == nil {
		return
	}
	m.unresolved.Set(float64(n))
}

// Transition records a bundle moving from one state to another.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
	if from != "" {
		m.bundles.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.bundles.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) ServiceRegistered() {
	if m == nil {
		return
	}
	m.servicesRegistered.Inc()
}

func (m *Metrics) ServiceUnregistered() {
	if m == nil {
		return
	}
	m.servicesRegistered.Dec()
}

func (m *Metrics) ServiceEvent(typ string) {
	if m == nil {
		return
	}
	m.serviceEventsTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ListenerFailed(kind string) {
	if m == nil {
		return
	}
	m.listenerFailures.WithLabelValues(kind).Inc()
}
