package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// PipelineMetrics records query pipeline behaviour.
type PipelineMetrics struct {
	service string

	sessionsTotal     *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	methodUnavailable *prometheus.CounterVec
	rerankDegraded    *prometheus.CounterVec
	tokensTotal       *prometheus.CounterVec
	fusedCandidates   *prometheus.HistogramVec
}

var _ ports.PipelineObserver = (*PipelineMetrics)(nil)

func NewPipelineMetrics(registerer prometheus.Registerer, service string) *PipelineMetrics {
	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_sessions_total",
			Help:      "Query sessions by terminal state.",
		},
		[]string{"service", "state"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 90},
		},
		[]string{"service", "stage"},
	)
	methodUnavailable := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_method_unavailable_total",
			Help:      "Retrieval calls that failed or timed out, by method.",
		},
		[]string{"service", "method"},
	)
	rerankDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_degraded_total",
			Help:      "Sessions that fell back to fusion order.",
		},
		[]string{"service"},
	)
	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_tokens_total",
			Help:      "Token events delivered to clients.",
		},
		[]string{"service"},
	)
	fusedCandidates := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fused_candidates",
			Help:      "Candidates left after fusion per session.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 30, 50, 100},
		},
		[]string{"service"},
	)

	registerer.MustRegister(
		sessionsTotal,
		stageDuration,
		methodUnavailable,
		rerankDegraded,
		tokensTotal,
		fusedCandidates,
	)

	return &PipelineMetrics{
		service:           service,
		sessionsTotal:     sessionsTotal,
		stageDuration:     stageDuration,
		methodUnavailable: methodUnavailable,
		rerankDegraded:    rerankDegraded,
		tokensTotal:       tokensTotal,
		fusedCandidates:   fusedCandidates,
	}
}

func (m *PipelineMetrics) ObserveStage(stage domain.SessionState, duration time.Duration) {
	m.stageDuration.WithLabelValues(m.service, string(stage)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveSession(final domain.SessionState) {
	m.sessionsTotal.WithLabelValues(m.service, string(final)).Inc()
}

func (m *PipelineMetrics) ObserveMethodUnavailable(method domain.RetrievalMethod) {
	m.methodUnavailable.WithLabelValues(m.service, string(method)).Inc()
}

func (m *PipelineMetrics) ObserveRerankDegraded() {
	m.rerankDegraded.WithLabelValues(m.service).Inc()
}

func (m *PipelineMetrics) ObserveFused(candidates int) {
	m.fusedCandidates.WithLabelValues(m.service).Observe(float64(candidates))
}

func (m *PipelineMetrics) ObserveTokens(tokens int) {
	if tokens <= 0 {
		return
	}
	m.tokensTotal.WithLabelValues(m.service).Add(float64(tokens))
}
