package mom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MMw-Unibo/tempos4nfv/metrics"
)

// Metrics holds Prometheus metrics for one broker.
type Metrics struct {
	received   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	forwarded  prometheus.Counter
	sendErrors prometheus.Counter
	nodes      prometheus.Gauge
	topics     prometheus.Gauge
}

// NewMetrics creates and registers broker metrics labelled with class.
// A nil registry yields nil metrics, which the broker treats as disabled.
func NewMetrics(registry *metrics.Registry, class Class) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"class": string(class)}
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "broker",
			Name:        "messages_received_total",
			Help:        "Datagrams received, by message kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "broker",
			Name:        "messages_dropped_total",
			Help:        "Datagrams dropped, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "broker",
			Name:        "invocations_forwarded_total",
			Help:        "INVOKE datagrams forwarded to a node",
			ConstLabels: labels,
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "broker",
			Name:        "send_errors_total",
			Help:        "Failed forwards",
			ConstLabels: labels,
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "broker",
			Name:        "nodes",
			Help:        "Registered nodes",
			ConstLabels: labels,
		}),
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metrics.Namespace,
			Subsystem:   "broker",
			Name:        "topics",
			Help:        "Known topics",
			ConstLabels: labels,
		}),
	}

	if err := registry.Register(m.received, m.dropped, m.forwarded, m.sendErrors, m.nodes, m.topics); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observeReceived(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeForwarded(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sendErrors.Inc()
		return
	}
	m.forwarded.Inc()
}

func (m *Metrics) observeRegistry(r *Registry) {
	if m == nil {
		return
	}
	m.nodes.Set(float64(r.NodeCount()))
	m.topics.Set(float64(r.TopicCount()))
}
