package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the judge engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Verdicts        *prometheus.CounterVec
	CaseDuration    prometheus.Histogram
	PersistFailures prometheus.Counter
	QueueDepth      prometheus.Gauge
}

// NewMetrics builds unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dwoj",
			Subsystem: "judge",
			Name:      "verdicts_total",
			Help:      "Persisted verdicts by status. Authoritative verdict count.",
		}, []string{"status"}),
		CaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dwoj",
			Subsystem: "judge",
			Name:      "case_run_seconds",
			Help:      "Wall-clock time of one test-case run.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwoj",
			Subsystem: "judge",
			Name:      "persist_failures_total",
			Help:      "Verdicts computed but not written to the submission store.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dwoj",
			Subsystem: "judge",
			Name:      "queue_depth",
			Help:      "Submissions waiting for a judge worker.",
		}),
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Verdicts, m.CaseDuration, m.PersistFailures, m.QueueDepth} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) verdict(status string) {
	if m != nil {
		m.Verdicts.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) caseRun(d time.Duration) {
	if m != nil {
		m.CaseDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) persistFailed() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) queueAdd(delta float64) {
	if m != nil {
		m.QueueDepth.Add(delta)
	}
}
