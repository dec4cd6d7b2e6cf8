package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MOV-AI/flowedit/metric"
)

type cacheMetrics struct {
	lookups   *prometheus.CounterVec // result
	evictions prometheus.Counter
	entries   prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, name string) (*cacheMetrics, error) {
	constLabels := prometheus.Labels{"cache": name}
	m := &cacheMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "flowedit",
			Subsystem:   "cache",
			Name:        "lookups_total",
			Help:        "Cache lookups by result (hit or miss)",
			ConstLabels: constLabels,
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "flowedit",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Entries dropped to stay within capacity",
			ConstLabels: constLabels,
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "flowedit",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Entries currently cached",
			ConstLabels: constLabels,
		}),
	}
	service := "cache_" + name
	for metricName, c := range map[string]prometheus.Collector{
		"lookups":   m.lookups,
		"evictions": m.evictions,
		"entries":   m.entries,
	} {
		if err := registry.Register(service, metricName, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
