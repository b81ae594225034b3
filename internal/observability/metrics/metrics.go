package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "titration"

// RunMetrics exposes counters/histograms for a simulation run.
type RunMetrics struct {
	conversationsTotal *prometheus.CounterVec
	roundsTotal        *prometheus.CounterVec
	autoFailuresTotal  *prometheus.CounterVec
	llmCallsTotal      *prometheus.CounterVec
	llmLatency         *prometheus.HistogramVec
	schemaRetries      *prometheus.CounterVec
	weightedScore      prometheus.Histogram
	batchDuration      prometheus.Histogram
}

func NewRunMetrics(reg prometheus.Registerer) *RunMetrics {
	m := &RunMetrics{
		conversationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "conversations_total",
			Help:      "Conversations finished, by status",
		}, []string{"status"}),
		roundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "rounds_total",
			Help:      "Rounds finished, by termination reason",
		}, []string{"reason"}),
		autoFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "auto_failures_total",
			Help:      "Auto-failure labels raised, by rule",
		}, []string{"rule"}),
		llmCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Language-model calls, by role and status",
		}, []string{"role", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "Latency of language-model calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"role", "status"}),
		schemaRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "schema_retries_total",
			Help:      "Corrective retries after invalid structured output, by evaluator and result",
		}, []string{"evaluator", "result"}),
		weightedScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "weighted_score",
			Help:      "Judge weighted score per round",
			Buckets:   prometheus.LinearBuckets(0.2, 0.1, 9),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one concurrent batch",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.conversationsTotal, m.roundsTotal, m.autoFailuresTotal,
		m.llmCallsTotal, m.llmLatency, m.schemaRetries,
		m.weightedScore, m.batchDuration,
	)
	return m
}

func (m *RunMetrics) ObserveConversation(status string) {
	if m == nil {
		return
	}
	m.conversationsTotal.WithLabelValues(status).Inc()
}

func (m *RunMetrics) ObserveRound(reason string) {
	if m == nil {
		return
	}
	m.roundsTotal.WithLabelValues(reason).Inc()
}

func (m *RunMetrics) ObserveAutoFailure(rule string) {
	if m == nil {
		return
	}
	m.autoFailuresTotal.WithLabelValues(rule).Inc()
}

// ObserveLLMCall records one call; status is "ok", "cached" or "error".
func (m *RunMetrics) ObserveLLMCall(role, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmCallsTotal.WithLabelValues(role, status).Inc()
	m.llmLatency.WithLabelValues(role, status).Observe(d.Seconds())
}

// ObserveSchemaRetry records a corrective retry; degraded reports whether the
// retry also failed and a minimum-score record was used.
func (m *RunMetrics) ObserveSchemaRetry(evaluator string, degraded bool) {
	if m == nil {
		return
	}
	result := "corrected"
	if degraded {
		result = "degraded"
	}
	m.schemaRetries.WithLabelValues(evaluator, result).Inc()
}

func (m *RunMetrics) ObserveWeightedScore(score float64) {
	if m == nil {
		return
	}
	m.weightedScore.Observe(score)
}

func (m *RunMetrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}
