package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/errors"
)

func TestMetricsRegistry_RegisterCounterVec(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_deltas_total",
		Help: "A test counter",
	}, []string{"section"})

	require.NoError(t, registry.RegisterCounterVec("graph", "deltas", counter))
	counter.WithLabelValues("NodeInst").Inc()
	counter.WithLabelValues("NodeInst").Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	var family *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "test_deltas_total" {
			family = mf
		}
	}
	require.NotNil(t, family, "counter should be gathered")
	assert.Equal(t, dto.MetricType_COUNTER, family.GetType())
	require.Len(t, family.GetMetric(), 1)
	m := family.GetMetric()[0]
	require.Len(t, m.GetLabel(), 1)
	assert.Equal(t, "section", m.GetLabel()[0].GetName())
	assert.Equal(t, "NodeInst", m.GetLabel()[0].GetValue())
	assert.Equal(t, 2.0, m.GetCounter().GetValue())
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	g1 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_nodes", Help: "nodes"})
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_nodes", Help: "nodes"})

	require.NoError(t, registry.RegisterGauge("graph", "nodes", g1))

	err := registry.RegisterGauge("graph", "nodes", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = registry.RegisterGauge("other", "nodes", g2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")

	assert.Equal(t, []string{"graph.nodes"}, registry.Registered())
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_runs_total", Help: "runs"})

	require.NoError(t, registry.RegisterCounter("validation", "runs", c))
	assert.True(t, registry.Unregister("validation", "runs"))
	assert.False(t, registry.Unregister("validation", "runs"))
	require.NoError(t, registry.RegisterCounter("validation", "runs", c))
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_links_total", Help: "links"})
	require.NoError(t, registry.RegisterCounter("graph", "links", c))
	c.Add(3)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_links_total 3")
}
