package invoker

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MMw-Unibo/tempos4nfv/metrics"
)

// Metrics holds Prometheus metrics for one invoker.
type Metrics struct {
	invocations *prometheus.CounterVec
	execLatency *prometheus.HistogramVec
	loads       prometheus.Gauge
}

// NewMetrics registers invoker metrics labelled with nodeID. A nil registry
// yields nil metrics.
func NewMetrics(registry *metrics.Registry, nodeID uint32) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"node": strconv.FormatUint(uint64(nodeID), 10)}
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "invoker",
			Name:        "invocations_total",
			Help:        "INVOKE messages handled, by outcome",
			ConstLabels: labels,
		}, []string{"result"}),
		execLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "invoker",
			Name:        "exec_duration_seconds",
			Help:        "Guest function latency including any module load",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(10e-6, 2, 16),
		}, []string{"function"}),
		loads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "invoker",
			Name:        "module_loads",
			Help:        "Module loads since start",
			ConstLabels: labels,
		}),
	}

	if err := registry.Register(m.invocations, m.execLatency, m.loads); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observe(result string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeExec(function string, d time.Duration, loads int64) {
	if m == nil {
		return
	}
	m.execLatency.WithLabelValues(function).Observe(d.Seconds())
	m.loads.Set(float64(loads))
}
