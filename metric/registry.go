// Package metric owns the Prometheus registry shared by an editor process.
package metric

import (
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MOV-AI/flowedit/errors"
)

type key struct{ service, name string }

func (k key) String() string { return k.service + "." + k.name }

// MetricsRegistry is a Prometheus registry that also remembers which
// component registered each collector, so a component can drop its own
// collectors when it shuts down and two components cannot claim one name.
type MetricsRegistry struct {
	prom *prometheus.Registry

	mu    sync.Mutex
	owned map[key]prometheus.Collector
}

// NewMetricsRegistry creates a registry that already exports the Go runtime
// and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &MetricsRegistry{prom: prom, owned: map[key]prometheus.Collector{}}
}

// PrometheusRegistry returns the underlying registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry { return r.prom }

// Register adds c under service and name. Reusing a service and name, or a
// fully qualified metric name another collector already exports, is invalid.
func (r *MetricsRegistry) Register(service, name string, c prometheus.Collector) error {
	k := key{service, name}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.owned[k]; taken {
		return errors.WrapInvalid(fmt.Errorf("%s is already registered", k), "metric", "Register", "claim "+k.String())
	}
	if err := r.prom.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if errors.As(err, &dup) {
			return errors.WrapInvalid(err, "metric", "Register", "prometheus conflict for "+k.String())
		}
		return errors.WrapFatal(err, "metric", "Register", "register "+k.String())
	}
	r.owned[k] = c
	return nil
}

// RegisterCounter registers a counter.
func (r *MetricsRegistry) RegisterCounter(service, name string, c prometheus.Counter) error {
	return r.Register(service, name, c)
}

// RegisterCounterVec registers a counter vector.
func (r *MetricsRegistry) RegisterCounterVec(service, name string, c *prometheus.CounterVec) error {
	return r.Register(service, name, c)
}

// RegisterGauge registers a gauge.
func (r *MetricsRegistry) RegisterGauge(service, name string, g prometheus.Gauge) error {
	return r.Register(service, name, g)
}

// RegisterGaugeVec registers a gauge vector.
func (r *MetricsRegistry) RegisterGaugeVec(service, name string, g *prometheus.GaugeVec) error {
	return r.Register(service, name, g)
}

// Unregister drops the collector registered under service and name.
func (r *MetricsRegistry) Unregister(service, name string) bool {
	k := key{service, name}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.owned[k]
	if !ok {
		return false
	}
	delete(r.owned, k)
	return r.prom.Unregister(c)
}

// Registered lists the service.name keys in order.
func (r *MetricsRegistry) Registered() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.owned))
	for k := range r.owned {
		out = append(out, k.String())
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Handler serves the registry in the Prometheus exposition format.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true, Registry: r.prom})
}
