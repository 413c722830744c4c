package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the vetting service.
type Metrics struct {
	Registry *prometheus.Registry

	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	TierDuration     *prometheus.HistogramVec
	Tier1Outcomes    *prometheus.CounterVec
	Tier2Timeouts    prometheus.Counter
	AnalysisErrors   *prometheus.CounterVec
	ActiveTier2      prometheus.Gauge
	QueueDepth       prometheus.Gauge
	QueueRejections  prometheus.Counter
	CacheLookups     *prometheus.CounterVec
	SyscallEvents    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	ContentSizeBytes prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		AnalysesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vetbox",
				Name:      "analyses_total",
				Help:      "Total number of analyses by threat level and decision stage.",
			},
			[]string{"level", "stage"},
		),

		AnalysisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "vetbox",
				Name:      "analysis_duration_seconds",
				Help:      "End-to-end analysis duration including queue wait.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		TierDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vetbox",
				Name:      "tier_duration_seconds",
				Help:      "Duration of each sandbox tier.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tier"},
		),

		Tier1Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vetbox",
				Name:      "tier1_outcomes_total",
				Help:      "Tier-1 run outcomes (completed, fuel_exhausted, ...).",
			},
			[]string{"outcome"},
		),

		Tier2Timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vetbox",
				Name:      "tier2_timeouts_total",
				Help:      "Tier-2 executions killed by the watchdog.",
			},
		),

		AnalysisErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vetbox",
				Name:      "analysis_errors_total",
				Help:      "Analysis errors by kind.",
			},
			[]string{"kind"},
		),

		ActiveTier2: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vetbox",
				Name:      "active_tier2_executions",
				Help:      "Number of Tier-2 children currently running.",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vetbox",
				Subsystem: "scheduler",
				Name:      "queue_depth",
				Help:      "Requests waiting for a worker.",
			},
		),

		QueueRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vetbox",
				Subsystem: "scheduler",
				Name:      "queue_full_rejected_total",
				Help:      "Requests answered fail-open because the queue was full.",
			},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vetbox",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Verdict cache lookups by result.",
			},
			[]string{"result"},
		),

		SyscallEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vetbox",
				Name:      "syscall_events_total",
				Help:      "Syscall events observed in Tier-2 by behavioural category.",
			},
			[]string{"category"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vetbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		ContentSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "vetbox",
				Name:      "content_size_bytes",
				Help:      "Size of submitted files in bytes.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),

	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.TierDuration,
		m.Tier1Outcomes,
		m.Tier2Timeouts,
		m.AnalysisErrors,
		m.ActiveTier2,
		m.QueueDepth,
		m.QueueRejections,
		m.CacheLookups,
		m.SyscallEvents,
		m.RequestsInFlight,
		m.ContentSizeBytes,
	)

	return m
}

// RecordAnalysis records metrics for a finished analysis.
func (m *Metrics) RecordAnalysis(level, stage string, durationSec float64) {
	m.AnalysesTotal.WithLabelValues(level, stage).Inc()
	m.AnalysisDuration.Observe(durationSec)
}

// RecordTier records the duration of one tier.
func (m *Metrics) RecordTier(tier string, durationSec float64) {
	m.TierDuration.WithLabelValues(tier).Observe(durationSec)
}

// RecordError records an analysis error by kind.
func (m *Metrics) RecordError(kind string) {
	m.AnalysisErrors.WithLabelValues(kind).Inc()
}

// RecordCache records a cache hit or miss.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}
