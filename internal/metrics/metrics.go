// Package metrics exposes gateway counters and latency histograms.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "proofvault"

// Recorder captures governance workflow metrics.
type Recorder interface {
	IncWorkflow(decision, outcome string)
	IncReceipt(eventType string)
	IncGuardReason(reason string)
	ObserveExecution(role, status string, durationSeconds float64)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncWorkflow(string, string)               {}
func (Noop) IncReceipt(string)                        {}
func (Noop) IncGuardReason(string)                    {}
func (Noop) ObserveExecution(string, string, float64) {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	workflows *prometheus.CounterVec
	receipts  *prometheus.CounterVec
	reasons   *prometheus.CounterVec
	execution *prometheus.HistogramVec
}

// NewProm registers the collectors on reg. A nil reg uses the default
// registerer.
func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Governance workflows by decision and outcome",
		}, []string{"decision", "outcome"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_total",
			Help:      "Audit receipts written by event type",
		}, []string{"event_type"}),
		reasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_reasons_total",
			Help:      "Guard reason codes emitted",
		}, []string{"reason"}),
		execution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed execution latency by role and status",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"role", "status"}),
	}
	for _, c := range []prometheus.Collector{p.workflows, p.receipts, p.reasons, p.execution} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) IncWorkflow(decision, outcome string) {
	p.workflows.WithLabelValues(decision, outcome).Inc()
}

func (p *Prom) IncReceipt(eventType string) {
	p.receipts.WithLabelValues(eventType).Inc()
}

// IncGuardReason counts a reason by its code. List suffixes such as
// ":a.b,c.d" are dropped to bound label cardinality.
func (p *Prom) IncGuardReason(reason string) {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		reason = reason[:i]
	}
	p.reasons.WithLabelValues(reason).Inc()
}

func (p *Prom) ObserveExecution(role, status string, durationSeconds float64) {
	p.execution.WithLabelValues(role, status).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics over g. A nil g uses the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
