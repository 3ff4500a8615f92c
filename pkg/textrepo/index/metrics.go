package index

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-indexer outcomes
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the index collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "textrepo",
			Subsystem: "index",
			Name:      "operations_total",
			Help:      "Index operations by indexer, operation and outcome.",
		}, []string{"indexer", "op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "textrepo",
			Subsystem: "index",
			Name:      "operation_duration_seconds",
			Help:      "Duration of index operations by indexer and operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"indexer", "op"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration)
	}
	return m
}

func (m *Metrics) observe(indexer, op, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(indexer, op, outcome).Inc()
	m.duration.WithLabelValues(indexer, op).Observe(time.Since(start).Seconds())
}
