package flowgraph

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MOV-AI/flowedit/metric"
)

// Metrics are shared by every graph of a process. A nil *Metrics records
// nothing.
type Metrics struct {
	updates      prometheus.Counter
	creations    *prometheus.CounterVec // result: ok, error, stale
	invalidLinks prometheus.Counter
	validations  prometheus.Histogram
	frames       prometheus.Counter
	nodes        *prometheus.GaugeVec // flow
	links        *prometheus.GaugeVec // flow
}

// NewMetrics registers the graph metrics.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	m := &Metrics{
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "graph",
			Name:      "updates_total",
			Help:      "Remote flow updates reconciled",
		}),
		creations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "graph",
			Name:      "node_creations_total",
			Help:      "Asynchronous node creations by result",
		}, []string{"result"}),
		invalidLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "graph",
			Name:      "invalid_links_total",
			Help:      "Links rejected because an endpoint could not be resolved",
		}),
		validations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowedit",
			Subsystem: "graph",
			Name:      "validation_duration_seconds",
			Help:      "Time spent validating a flow",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "graph",
			Name:      "repaint_frames_total",
			Help:      "Frames that recomputed link paths",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowedit",
			Subsystem: "graph",
			Name:      "nodes",
			Help:      "Nodes held per flow",
		}, []string{"flow"}),
		links: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowedit",
			Subsystem: "graph",
			Name:      "links",
			Help:      "Links held per flow",
		}, []string{"flow"}),
	}

	const service = "flowgraph"
	if err := registry.RegisterCounter(service, "updates", m.updates); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "node_creations", m.creations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "invalid_links", m.invalidLinks); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "validation_duration_seconds", m.validations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "repaint_frames", m.frames); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(service, "nodes", m.nodes); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(service, "links", m.links); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) update() {
	if m != nil {
		m.updates.Inc()
	}
}

func (m *Metrics) creation(result string) {
	if m != nil {
		m.creations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) invalid(n int) {
	if m != nil {
		m.invalidLinks.Add(float64(n))
	}
}

func (m *Metrics) validated(seconds float64) {
	if m != nil {
		m.validations.Observe(seconds)
	}
}

func (m *Metrics) frame() {
	if m != nil {
		m.frames.Inc()
	}
}

func (m *Metrics) size(flow string, nodes, links int) {
	if m != nil {
		m.nodes.WithLabelValues(flow).Set(float64(nodes))
		m.links.WithLabelValues(flow).Set(float64(links))
	}
}

func (m *Metrics) forget(flow string) {
	if m != nil {
		m.nodes.DeleteLabelValues(flow)
		m.links.DeleteLabelValues(flow)
	}
}
