package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SafeMetrics records activity on the safe's RPC surface segmented by
// operation and outcome.
type SafeMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	safeMetricsOnce sync.Once
	safeRegistry    *SafeMetrics
)

// Metrics returns the lazily-initialised safe metrics registry.
func Metrics() *SafeMetrics {
	safeMetricsOnce.Do(func() {
		safeRegistry = &SafeMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "strongbox",
				Subsystem: "safe",
				Name:      "operations_total",
				Help:      "Total safe operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "strongbox",
				Subsystem: "safe",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for safe operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(safeRegistry.operations, safeRegistry.latency)
	})
	return safeRegistry
}

// Observe records one completed operation.
func (m *SafeMetrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
