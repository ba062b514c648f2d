package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	resolve     *prometheus.HistogramVec
	findings    *prometheus.GaugeVec
	outboxSent  prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Workflow transitions by event action.",
		}, []string{"action"}),
		resolve: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_resolve_duration_seconds",
			Help:    "Latency of task resolution by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		findings: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workflow_reconciliation_findings",
			Help: "Findings of the last reconciliation audit by kind.",
		}, []string{"kind"}),
		outboxSent: f.NewCounter(prometheus.CounterOpts{
			Name: "workflow_outbox_sent_total",
			Help: "Notifications relayed from the outbox.",
		}),
	}
}

func (m *Metrics) transition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Metrics) observeResolve(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.resolve.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

func (m *Metrics) setFindings(counts map[string]int) {
	if m == nil {
		return
	}
	for kind, n := range counts {
		m.findings.WithLabelValues(kind).Set(float64(n))
	}
}

// OutboxSent adds n relayed notifications.
func (m *Metrics) OutboxSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxSent.Add(float64(n))
}
