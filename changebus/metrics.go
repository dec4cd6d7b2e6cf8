package changebus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MOV-AI/flowedit/metric"
)

type busMetrics struct {
	deltas  *prometheus.CounterVec // event
	dropped prometheus.Counter
	active  prometheus.Gauge
}

func newBusMetrics(registry *metric.MetricsRegistry, backend string) (*busMetrics, error) {
	labels := prometheus.Labels{"backend": backend}
	m := &busMetrics{
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "flowedit",
			Subsystem:   "changebus",
			Name:        "deltas_total",
			ConstLabels: labels,
			Help:        "Deltas delivered to subscribers by event",
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "flowedit",
			Subsystem:   "changebus",
			Name:        "malformed_total",
			ConstLabels: labels,
			Help:        "Messages dropped because they could not be decoded",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "flowedit",
			Subsystem:   "changebus",
			Name:        "subscriptions",
			ConstLabels: labels,
			Help:        "Active flow subscriptions",
		}),
	}
	if registry == nil {
		return m, nil
	}

	service := "changebus_" + backend
	if err := registry.RegisterCounterVec(service, "deltas", m.deltas); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "malformed", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "subscriptions", m.active); err != nil {
		return nil, err
	}
	return m, nil
}
