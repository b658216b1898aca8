package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports the engine's counters to Prometheus. It implements the
// observer interfaces of the detection, response, emergency, firewall and
// events packages. A nil *Metrics is a valid no-op observer.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	requestsEvaluated *prometheus.CounterVec
	detections        *prometheus.CounterVec
	responses         *prometheus.CounterVec
	escalations       prometheus.Counter
	incidents         *prometheus.CounterVec
	firewallResults   *prometheus.CounterVec
	poolFallbacks     *prometheus.CounterVec
	events            *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mamoru"
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry:  registry,
		namespace: namespace,
		requestsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_evaluated_total",
			Help:      "Requests evaluated by the detection engine, by outcome",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections raised, by rule and severity",
		}, []string{"rule", "severity"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Detections handled by the response orchestrator, by severity",
		}, []string{"severity"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Sources escalated to a permanent block",
		}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Emergency incident status transitions",
		}, []string{"status"}),
		firewallResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firewall_apply_total",
			Help:      "Firewall apply calls, by backend, action and result",
		}, []string{"backend", "action", "result"}),
		poolFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_pool_caller_runs_total",
			Help:      "Response tasks executed on the caller because the pool was saturated",
		}, []string{"task"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events recorded, by type and severity",
		}, []string{"type", "severity"}),
	}

	registry.MustRegister(
		m.requestsEvaluated,
		m.detections,
		m.responses,
		m.escalations,
		m.incidents,
		m.firewallResults,
		m.poolFallbacks,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGauge exposes a value sampled at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (m *Metrics) RequestEvaluated(outcome string) {
	if m == nil {
		return
	}
	m.requestsEvaluated.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DetectionRaised(rule, severity string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(rule, severity).Inc()
}

func (m *Metrics) ResponseHandled(severity string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(severity).Inc()
}

func (m *Metrics) Escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *Metrics) IncidentStatus(status string) {
	if m == nil {
		return
	}
	m.incidents.WithLabelValues(status).Inc()
}

func (m *Metrics) FirewallResult(backend, action string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.firewallResults.WithLabelValues(backend, action, result).Inc()
}

// PoolFallback counts a worker pool caller-run.
func (m *Metrics) PoolFallback(task string) {
	if m == nil {
		return
	}
	m.poolFallbacks.WithLabelValues(task).Inc()
}

func (m *Metrics) EventRecorded(eventType, severity string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, severity).Inc()
}
