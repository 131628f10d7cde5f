// Package observability exposes Prometheus metrics and a small ops HTTP
// server (/healthz, /metrics, /v1/status).
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/pacebot/pkg/pacebot/quota"
)

// Metrics groups all Prometheus instruments used by the bot. Each Metrics
// owns its registry, so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	ignored    *prometheus.CounterVec
	admissions *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	genErrors  prometheus.Counter
	genLatency prometheus.Histogram
	jobRuns    *prometheus.CounterVec
	jobLatency *prometheus.HistogramVec
}

// NewMetrics creates the instruments under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		factory:  f,

		ignored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_ignored_total",
			Help:      "Inbound messages ignored before gating, by reason.",
		}, []string{"reason"}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Rate limiter decisions by reason (none means admitted).",
		}, []string{"reason"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch results by outcome.",
		}, []string{"outcome"}),
		genErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_errors_total",
			Help:      "Failed generation calls.",
		}),
		genLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_seconds",
			Help:      "Latency of generation calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_runs_total",
			Help:      "Housekeeping job runs by job and result.",
		}, []string{"job", "result"}),
		jobLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "housekeeping_duration_seconds",
			Help:      "Housekeeping job duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"job"}),
	}
}

// Ignored counts a message dropped by the inbound filter.
func (m *Metrics) Ignored(reason string) {
	m.ignored.WithLabelValues(reason).Inc()
}

// Admission counts a rate limiter decision.
func (m *Metrics) Admission(reason quota.Reason) {
	m.admissions.WithLabelValues(string(reason)).Inc()
}

// Outcome counts a finished dispatch.
func (m *Metrics) Outcome(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}

// Generation records a generation call.
func (m *Metrics) Generation(d time.Duration, err error) {
	m.genLatency.Observe(d.Seconds())
	if err != nil {
		m.genErrors.Inc()
	}
}

// JobRun records a housekeeping run. Its signature matches
// scheduler.Observer.
func (m *Metrics) JobRun(job string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobLatency.WithLabelValues(job).Observe(d.Seconds())
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(namespace, name, help string, fn func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
