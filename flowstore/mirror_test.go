package flowstore

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/errors"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func newSampleMirror(t *testing.T) *Mirror {
	t.Helper()
	doc, err := ParseDocument([]byte(sampleFlow))
	require.NoError(t, err)
	return NewMirror("f1", doc, nil)
}

func TestMirror_HSetEntryMergesIncomingWins(t *testing.T) {
	m := newSampleMirror(t)

	doc, err := m.Apply(Delta{
		Event:  EventHSet,
		FlowID: "f1",
		Path:   []string{SectionNodeInst, "talker"},
		Value:  raw(t, NodeData{KeyNodeLabel: "renamed"}),
	})
	require.NoError(t, err)

	talker := doc.NodeInst["talker"]
	assert.Equal(t, "renamed", talker.Label())
	assert.Equal(t, "Talker", talker.Template(), "untouched keys survive a merge")
}

func TestMirror_HSetReplace(t *testing.T) {
	m := newSampleMirror(t)

	doc, err := m.Apply(Delta{
		Event:   EventHSet,
		FlowID:  "f1",
		Path:    []string{SectionNodeInst, "talker"},
		Value:   raw(t, NodeData{KeyTemplate: "Listener"}),
		Replace: true,
	})
	require.NoError(t, err)
	assert.Equal(t, NodeData{KeyTemplate: "Listener"}, doc.NodeInst["talker"])
}

func TestMirror_HSetField(t *testing.T) {
	m := newSampleMirror(t)

	doc, err := m.Apply(Delta{
		Event:  EventHSet,
		FlowID: "f1",
		Path:   []string{SectionNodeInst, "talker", KeyVisualization},
		Value:  raw(t, VisualizationValue(300, 400)),
	})
	require.NoError(t, err)
	x, y, ok := doc.NodeInst["talker"].Visualization()
	require.True(t, ok)
	assert.Equal(t, 300.0, x)
	assert.Equal(t, 400.0, y)

	doc, err = m.Apply(Delta{
		Event:  EventHSet,
		FlowID: "f1",
		Path:   []string{SectionLinks, "l1", "Dependency"},
		Value:  raw(t, DependencyToOnly),
	})
	require.NoError(t, err)
	assert.Equal(t, DependencyToOnly, doc.Links["l1"].Dependency)

	_, err = m.Apply(Delta{
		Event:  EventHSet,
		FlowID: "f1",
		Path:   []string{SectionNodeInst, "ghost", KeyVisualization},
		Value:  raw(t, VisualizationValue(1, 1)),
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrNodeNotFound)
}

func TestMirror_HSetSectionAndDocument(t *testing.T) {
	m := NewMirror("f1", nil, nil)

	_, err := m.Apply(Delta{
		Event:  EventHSet,
		FlowID: "f1",
		Path:   []string{SectionLinks},
		Value:  raw(t, map[string]LinkData{"l2": {From: "a/out", To: "b/in"}}),
	})
	require.NoError(t, err)

	doc, err := m.Apply(Delta{
		Event:  EventHSet,
		FlowID: "f1",
		Value:  json.RawMessage(sampleFlow),
	})
	require.NoError(t, err)
	assert.Len(t, doc.Links, 2)
	assert.Contains(t, doc.NodeInst, "talker")
	assert.Equal(t, "sample", doc.Label)
}

func TestMirror_HDel(t *testing.T) {
	m := newSampleMirror(t)

	doc, err := m.Apply(Delta{Event: EventHDel, FlowID: "f1", Path: []string{SectionNodeInst, "talker", KeyNodeLayers}})
	require.NoError(t, err)
	assert.NotContains(t, doc.NodeInst["talker"], KeyNodeLayers)

	doc, err = m.Apply(Delta{Event: EventHDel, FlowID: "f1", Path: []string{SectionNodeInst, "talker"}})
	require.NoError(t, err)
	assert.NotContains(t, doc.NodeInst, "talker")

	doc, err = m.Apply(Delta{Event: EventHDel, FlowID: "f1", Path: []string{SectionExposedPorts, "Talker", "talker"}})
	require.NoError(t, err)
	assert.Empty(t, doc.ExposedPorts)

	_, err = m.Apply(Delta{Event: EventHDel, FlowID: "f1"})
	assert.Error(t, err)
}

func TestMirror_Del(t *testing.T) {
	m := newSampleMirror(t)

	doc, err := m.Apply(Delta{Event: EventDel, FlowID: "f1", Path: []string{SectionLinks}})
	require.NoError(t, err)
	assert.Empty(t, doc.Links)
	assert.NotEmpty(t, doc.NodeInst)

	doc, err = m.Apply(Delta{Event: EventDel, FlowID: "f1"})
	require.NoError(t, err)
	assert.Empty(t, doc.NodeInst)
	assert.Empty(t, doc.Container)
}

func TestMirror_Rejects(t *testing.T) {
	m := newSampleMirror(t)
	before := m.Document()

	tests := []struct {
		name  string
		delta Delta
	}{
		{"other flow", Delta{Event: EventHDel, FlowID: "f2", Path: []string{SectionLinks, "l1"}}},
		{"unknown event", Delta{Event: "expire", FlowID: "f1"}},
		{"unknown section", Delta{Event: EventHSet, FlowID: "f1", Path: []string{"Robots", "r1"}, Value: raw(t, 1)}},
		{"bad value", Delta{Event: EventHSet, FlowID: "f1", Path: []string{SectionLinks, "l1"}, Value: json.RawMessage(`[`)}},
		{"section with one bad entry", Delta{Event: EventHSet, FlowID: "f1", Path: []string{SectionNodeInst},
			Value: json.RawMessage(`{"a":{"Template":"Relay"},"b":{"Template":"Relay"},"c":{"Template":"Relay"},"d":"not-an-object"}`)}},
		{"document with one bad link", Delta{Event: EventHSet, FlowID: "f1",
			Value: json.RawMessage(`{"NodeInst":{"a":{"Template":"Relay"}},"Links":{"l9":"not-an-object"}}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// map order decides which entries decode before the failure
			for range 5 {
				_, err := m.Apply(tt.delta)
				assert.Error(t, err)
			}
		})
	}
	if diff := cmp.Diff(before, m.Document()); diff != "" {
		t.Errorf("rejected deltas changed the document (-before +after):\n%s", diff)
	}
}

func TestMirror_ApplyReturnsCopy(t *testing.T) {
	m := newSampleMirror(t)
	doc, err := m.Apply(Delta{Event: EventHDel, FlowID: "f1", Path: []string{SectionLinks, "l1"}})
	require.NoError(t, err)

	snapshot := m.Document()
	doc.NodeInst["talker"][KeyNodeLabel] = "mutated"
	doc.Links["l9"] = LinkData{From: "a/out", To: "b/in"}
	if diff := cmp.Diff(snapshot, m.Document()); diff != "" {
		t.Errorf("mutating a returned document leaked into the mirror (-want +got):\n%s", diff)
	}
}

func TestDelta_JSON(t *testing.T) {
	d, err := ParseDelta([]byte(`{"event":"hset","flow":"f1","path":["Links","l1"],"value":{"From":"a/o","To":"b/i"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventHSet, d.Event)
	assert.Equal(t, "f1.Links.l1", d.Key())

	_, err = ParseDelta([]byte(`{"event":"hset"}`))
	assert.Error(t, err)
}
