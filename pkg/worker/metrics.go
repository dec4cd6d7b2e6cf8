package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MOV-AI/flowedit/metric"
)

// poolMetrics methods are no-ops on a nil receiver.
type poolMetrics struct {
	registry *metric.MetricsRegistry

	queueDepth prometheus.Gauge
	processed  *prometheus.CounterVec // status
	dropped    prometheus.Counter
	duration   prometheus.Histogram
}

func (m *poolMetrics) register(pool string) error {
	labels := prometheus.Labels{"pool": pool}
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowedit", Subsystem: "worker", Name: "queue_depth",
		Help: "Items waiting in the queue", ConstLabels: labels,
	})
	m.processed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowedit", Subsystem: "worker", Name: "processed_total",
		Help: "Items processed by status (ok or error)", ConstLabels: labels,
	}, []string{"status"})
	m.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowedit", Subsystem: "worker", Name: "dropped_total",
		Help: "Items refused because the queue was full", ConstLabels: labels,
	})
	m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowedit", Subsystem: "worker", Name: "processing_seconds",
		Help: "Time spent on one item", ConstLabels: labels,
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	service := "worker_" + pool
	if err := m.registry.RegisterGauge(service, "queue_depth", m.queueDepth); err != nil {
		return err
	}
	if err := m.registry.RegisterCounterVec(service, "processed", m.processed); err != nil {
		return err
	}
	if err := m.registry.RegisterCounter(service, "dropped", m.dropped); err != nil {
		return err
	}
	return m.registry.Register(service, "processing_seconds", m.duration)
}

func (m *poolMetrics) depth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *poolMetrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *poolMetrics) observe(err error, took time.Duration, depth int) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.processed.WithLabelValues(status).Inc()
	m.duration.Observe(took.Seconds())
	m.queueDepth.Set(float64(depth))
}
