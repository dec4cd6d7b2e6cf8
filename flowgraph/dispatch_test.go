package flowgraph

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/metric"
	"github.com/MOV-AI/flowedit/pkg/eventloop"
)

// lockedWriter records calls from the dispatcher goroutine.
type lockedWriter struct {
	mu       sync.Mutex
	rec      recordingWriter
	failures map[string]error
	attempts map[string]int
}

func newLockedWriter() *lockedWriter {
	return &lockedWriter{failures: map[string]error{}, attempts: map[string]int{}}
}

func (w *lockedWriter) calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.rec.calls...)
}

func (w *lockedWriter) try(id string) error {
	w.attempts[id]++
	if err, ok := w.failures[id]; ok {
		delete(w.failures, id)
		return err
	}
	return nil
}

func (w *lockedWriter) AddLink(ctx context.Context, flowID, id string, l flowstore.LinkData) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.try(id); err != nil {
		return err
	}
	return w.rec.AddLink(ctx, flowID, id, l)
}

func (w *lockedWriter) DeleteNode(ctx context.Context, flowID, section, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.DeleteNode(ctx, flowID, section, id)
}

func (w *lockedWriter) DeleteLink(ctx context.Context, flowID, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.DeleteLink(ctx, flowID, id)
}

func (w *lockedWriter) SetLinkDependency(ctx context.Context, flowID, id string, level int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.SetLinkDependency(ctx, flowID, id, level)
}

func (w *lockedWriter) AddNewNode(ctx context.Context, flowID, section, id string, data flowstore.NodeData) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.AddNewNode(ctx, flowID, section, id, data)
}

func (w *lockedWriter) SetNodePosition(ctx context.Context, flowID, section, id string, x, y float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.SetNodePosition(ctx, flowID, section, id, x, y)
}

func (w *lockedWriter) SetExposedPorts(ctx context.Context, flowID, tpl string, nodes map[string][]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.SetExposedPorts(ctx, flowID, tpl, nodes)
}

func startDispatcher(t *testing.T, w flowstore.Writer, registry *metric.MetricsRegistry) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(w, 16, registry, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })
	return d
}

func addLinkOp(id string) Op {
	return Op{Name: "AddLink", FlowID: "f", Run: func(ctx context.Context, w flowstore.Writer) error {
		return w.AddLink(ctx, "f", id, flowstore.LinkData{From: "a/out", To: "b/in"})
	}}
}

func TestNewDispatcher_RequiresWriter(t *testing.T) {
	_, err := NewDispatcher(nil, 1, nil, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	w := newLockedWriter()
	d := startDispatcher(t, w, nil)

	var want []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("l%d", i)
		d.Dispatch(addLinkOp(id))
		want = append(want, fmt.Sprintf("AddLink f %s a/out->b/in", id))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))
	assert.Equal(t, want, w.calls())
	assert.EqualValues(t, 10, d.Stats().Processed)
}

func TestDispatcher_RetriesTransient(t *testing.T) {
	w := newLockedWriter()
	w.failures["l1"] = errors.WrapTransient(errors.ErrConnectionLost, "test", "AddLink", "write")
	w.failures["l2"] = errors.WrapInvalid(errors.ErrInvalidLink, "test", "AddLink", "write")
	d := startDispatcher(t, w, metric.NewMetricsRegistry())

	d.Dispatch(addLinkOp("l1"))
	d.Dispatch(addLinkOp("l2"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))

	assert.Equal(t, []string{"AddLink f l1 a/out->b/in"}, w.calls())
	w.mu.Lock()
	assert.Equal(t, 2, w.attempts["l1"])
	assert.Equal(t, 1, w.attempts["l2"], "invalid writes are not retried")
	w.mu.Unlock()
	assert.EqualValues(t, 1, d.Stats().Failed)
}

func TestGraph_DispatchesThroughDispatcher(t *testing.T) {
	w := newLockedWriter()
	d := startDispatcher(t, w, nil)
	loop := eventloop.NewManual()
	g, err := New(Config{FlowID: "flow1", Templates: newTemplates(), Scheduler: loop, Outbox: d})
	require.NoError(t, err)
	g.LoadData(exampleDoc("Sub"))
	loop.Settle()

	g.OnNodeDrag("A", geometry.Point{X: 5})
	g.PersistPositions("A")
	g.DeleteLinks("l2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))
	assert.Equal(t, []string{
		"SetNodePosition flow1 NodeInst/A 305,100",
		"DeleteLink flow1 l2",
	}, w.calls())
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)
	_, err = NewMetrics(registry)
	assert.Error(t, err, "metrics register once per registry")

	loop := eventloop.NewManual()
	g, err := New(Config{FlowID: "flow1", Templates: newTemplates(), Scheduler: loop, Metrics: m})
	require.NoError(t, err)
	doc := exampleDoc("Sub")
	doc.Links["x"] = flowstore.LinkData{From: "ghost/out", To: "B/in"}
	g.LoadData(doc)
	loop.Settle()
	g.OnFlowUpdate(doc)
	g.OnNodeDrag("A", geometry.Point{X: 1})
	loop.Frame()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.creations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidLinks), "a rejected link is reported once")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.nodes.WithLabelValues("flow1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.links.WithLabelValues("flow1")))

	require.NoError(t, g.Destroy())
	assert.Zero(t, testutil.CollectAndCount(m.nodes))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.update()
		m.creation("ok")
		m.invalid(2)
		m.validated(0.1)
		m.frame()
		m.size("f", 1, 1)
		m.forget("f")
	})
}
