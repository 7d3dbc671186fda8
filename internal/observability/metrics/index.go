package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// IndexMetrics tracks the published snapshot and the health of the
// upstream circuit breakers.
type IndexMetrics struct {
	service string

	snapshotChunks   prometheus.Gauge
	snapshotBuiltAt  prometheus.Gauge
	publishesTotal   *prometheus.CounterVec
	reloadsTotal     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	breakerTripTotal *prometheus.CounterVec
}

func NewIndexMetrics(registerer prometheus.Registerer, service string) *IndexMetrics {
	snapshotChunks := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "snapshot_chunks",
			Help:        "Chunks in the current snapshot.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	snapshotBuiltAt := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "snapshot_built_timestamp_seconds",
			Help:        "Build time of the current snapshot.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	publishesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "snapshot_publishes_total",
			Help:      "Snapshots swapped in.",
		},
		[]string{"service"},
	)
	reloadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "snapshot_reloads_total",
			Help:      "File-triggered snapshot reloads by status.",
		},
		[]string{"service", "status"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"service", "operation"},
	)
	breakerTripTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "breaker_open_total",
			Help:      "Times a circuit breaker opened.",
		},
		[]string{"service", "operation"},
	)

	registerer.MustRegister(snapshotChunks, snapshotBuiltAt, publishesTotal, reloadsTotal, breakerState, breakerTripTotal)

	return &IndexMetrics{
		service:          service,
		snapshotChunks:   snapshotChunks,
		snapshotBuiltAt:  snapshotBuiltAt,
		publishesTotal:   publishesTotal,
		reloadsTotal:     reloadsTotal,
		breakerState:     breakerState,
		breakerTripTotal: breakerTripTotal,
	}
}

func (m *IndexMetrics) RecordSnapshotPublished(info domain.IndexInfo) {
	m.publishesTotal.WithLabelValues(m.service).Inc()
	m.snapshotChunks.Set(float64(info.Chunks))
	if !info.BuiltAt.IsZero() {
		m.snapshotBuiltAt.Set(float64(info.BuiltAt.Unix()))
	}
}

func (m *IndexMetrics) RecordSnapshotReload(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.reloadsTotal.WithLabelValues(m.service, status).Inc()
}

// RecordBreakerState matches resilience.StateListener.
func (m *IndexMetrics) RecordBreakerState(operation string, _ gobreaker.State, to gobreaker.State) {
	m.breakerState.WithLabelValues(m.service, operation).Set(float64(to))
	if to == gobreaker.StateOpen {
		m.breakerTripTotal.WithLabelValues(m.service, operation).Inc()
	}
}
