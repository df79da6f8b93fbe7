package metrics

import "github.com/prometheus/client_golang/prometheus"

// TriageMetrics exposes counters/gauges/histograms for the triage engine.
type TriageMetrics struct {
	turnsTotal       *prometheus.CounterVec
	escalationsTotal prometheus.Counter
	reportsTotal     *prometheus.CounterVec
	evictionsTotal   prometheus.Counter
	activeSessions   prometheus.Gauge
	modelLatency     *prometheus.HistogramVec
}

func NewTriageMetrics(reg prometheus.Registerer) *TriageMetrics {
	m := &TriageMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Total processed conversation turns",
		}, []string{"status"}),
		escalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "session",
			Name:      "escalations_total",
			Help:      "Total sessions escalated on an emergency signal",
		}),
		reportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "report",
			Name:      "generated_total",
			Help:      "Total report pipeline outcomes",
		}, []string{"status"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "session",
			Name:      "evictions_total",
			Help:      "Total idle sessions evicted from the registry",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "triage",
			Subsystem: "session",
			Name:      "active",
			Help:      "Live sessions currently held in the registry",
		}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "triage",
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "Latency of model gateway calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.turnsTotal,
		m.escalationsTotal,
		m.reportsTotal,
		m.evictionsTotal,
		m.activeSessions,
		m.modelLatency,
	)
	return m
}

func (m *TriageMetrics) ObserveTurn(status string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(status).Inc()
}

func (m *TriageMetrics) ObserveEscalation() {
	if m == nil {
		return
	}
	m.escalationsTotal.Inc()
}

func (m *TriageMetrics) ObserveReport(status string) {
	if m == nil {
		return
	}
	m.reportsTotal.WithLabelValues(status).Inc()
}

func (m *TriageMetrics) ObserveEviction(count int) {
	if m == nil {
		return
	}
	m.evictionsTotal.Add(float64(count))
}

func (m *TriageMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *TriageMetrics) ObserveModelLatency(role string, seconds float64) {
	if m == nil {
		return
	}
	m.modelLatency.WithLabelValues(role).Observe(seconds)
}
