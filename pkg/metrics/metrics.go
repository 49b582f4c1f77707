package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "usef"

// Metrics provides Prometheus metrics for the planboard service.
// A disabled instance accepts every call and records nothing.
type Metrics struct {
	enabled bool

	coordinatorRuns     *prometheus.CounterVec
	coordinatorDuration *prometheus.HistogramVec
	reoptimizeCoalesced prometheus.Counter

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	businessErrors   *prometheus.CounterVec

	jobRuns *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a metrics collector with its own registry
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		enabled:  true,
		registry: registry,

		coordinatorRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coordinator_runs_total",
				Help:      "Coordinator runs by coordinator and outcome",
			},
			[]string{"coordinator", "outcome"},
		),
		coordinatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "coordinator_duration_seconds",
				Help:      "Coordinator run duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"coordinator"},
		),
		reoptimizeCoalesced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reoptimize_coalesced_total",
				Help:      "Re-optimize triggers folded into an in-flight run",
			},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Outbound messages by type and outcome",
			},
			[]string{"message_type", "outcome"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Inbound messages by type and result",
			},
			[]string{"message_type", "result"},
		),
		businessErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "business_errors_total",
				Help:      "Business validation failures by code",
			},
			[]string{"code"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Scheduled job runs by job and status",
			},
			[]string{"job", "status"},
		),
	}

	registry.MustRegister(
		m.coordinatorRuns,
		m.coordinatorDuration,
		m.reoptimizeCoalesced,
		m.messagesSent,
		m.messagesReceived,
		m.businessErrors,
		m.jobRuns,
	)

	return m
}

// Noop returns a disabled collector
func Noop() *Metrics { return New(false) }

// Enabled reports whether metrics are recorded
func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

// ObserveCoordinatorRun records one coordinator run
func (m *Metrics) ObserveCoordinatorRun(coordinator string, start time.Time, err error) {
	if !m.Enabled() {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.coordinatorRuns.WithLabelValues(coordinator, outcome).Inc()
	m.coordinatorDuration.WithLabelValues(coordinator).Observe(time.Since(start).Seconds())
}

// ReOptimizeCoalesced counts a trigger folded into a running re-optimization
func (m *Metrics) ReOptimizeCoalesced() {
	if !m.Enabled() {
		return
	}
	m.reoptimizeCoalesced.Inc()
}

// MessageSent records an outbound delivery attempt
func (m *Metrics) MessageSent(messageType string, err error) {
	if !m.Enabled() {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.messagesSent.WithLabelValues(messageType, outcome).Inc()
}

// MessageReceived records an inbound message and its result (accepted, rejected, invalid)
func (m *Metrics) MessageReceived(messageType, result string) {
	if !m.Enabled() {
		return
	}
	m.messagesReceived.WithLabelValues(messageType, result).Inc()
}

// BusinessError records a business validation failure
func (m *Metrics) BusinessError(code string) {
	if !m.Enabled() {
		return
	}
	m.businessErrors.WithLabelValues(code).Inc()
}

// JobRun records a scheduled job run
func (m *Metrics) JobRun(job string, success bool) {
	if !m.Enabled() {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
}

// Handler returns the /metrics handler
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
