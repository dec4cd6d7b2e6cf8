package entity

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/template"
)

type stubTemplates struct {
	nodes map[string]*template.NodeTemplate
	flows map[string]*template.FlowTemplate
}

func (s stubTemplates) GetNode(_ context.Context, name string) (*template.NodeTemplate, error) {
	if t, ok := s.nodes[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%s: %w", name, errors.ErrTemplateNotFound)
}

func (s stubTemplates) GetFlow(_ context.Context, name string) (*template.FlowTemplate, error) {
	if t, ok := s.flows[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%s: %w", name, errors.ErrTemplateNotFound)
}

var canvas = geometry.Canvas{Width: 1000, Height: 1000}

func testTemplates() stubTemplates {
	child := flowstore.NewDocument()
	child.NodeInst["n3"] = flowstore.NodeData{flowstore.KeyTemplate: "Talker"}
	child.ExposedPorts = flowstore.ExposedPorts{"Talker": {"n3": {"out", "gone"}}}
	child.Parameter["speed"] = 1.0

	outer := flowstore.NewDocument()
	outer.Container["c2"] = flowstore.NodeData{flowstore.KeyContainerFlow: "child"}
	outer.ExposedPorts = flowstore.ExposedPorts{"child": {"c2": {"n3__out"}}}

	return stubTemplates{
		nodes: map[string]*template.NodeTemplate{
			"Talker": {
				Name: "Talker",
				PortsInst: map[string]template.PortTemplate{
					"out": {Message: "T", Direction: template.DirectionOut},
					"in":  {Message: "T", Direction: template.DirectionIn},
				},
			},
		},
		flows: map[string]*template.FlowTemplate{
			"child": {Name: "child", Document: child},
			"outer": {Name: "outer", Document: outer},
		},
	}
}

func TestIsLinkeable(t *testing.T) {
	out := &Port{Direction: Out, Message: "T"}
	in := &Port{Direction: In, Message: "T"}
	inU := &Port{Direction: In, Message: "U"}
	inAny := &Port{Direction: In, Message: template.MessageAny}
	out2 := &Port{Direction: Out, Message: "T"}

	assert.True(t, IsLinkeable(out, in))
	assert.True(t, in.IsLinkeable(out), "symmetric")
	assert.False(t, IsLinkeable(out, inU))
	assert.True(t, IsLinkeable(out, inAny))
	assert.False(t, IsLinkeable(out, out2), "same direction")
	assert.False(t, IsLinkeable(out, nil))
}

func TestCreateNode_NodeInst(t *testing.T) {
	n, err := CreateNode(context.Background(), testTemplates(), canvas, "a", KindNodeInst, flowstore.NodeData{
		flowstore.KeyTemplate:      "Talker",
		flowstore.KeyVisualization: flowstore.VisualizationValue(0.5, 0.25),
		flowstore.KeyNodeLayers:    []any{3.0},
	})
	require.NoError(t, err)

	assert.Equal(t, "a", n.Label)
	assert.Equal(t, "Talker", n.TemplateRef)
	assert.Equal(t, geometry.Point{X: 500, Y: 250}, n.Position, "legacy fraction converted")
	assert.Equal(t, []int{3}, n.Layers)
	assert.Equal(t, flowstore.SectionNodeInst, n.Section())

	names := []string{}
	for _, p := range n.Ports() {
		names = append(names, p.Name)
		assert.Equal(t, "a", p.Node)
	}
	assert.Equal(t, []string{"in", "out"}, names)

	anchor, ok := n.PortAnchor("out")
	require.True(t, ok)
	assert.Equal(t, geometry.OutPort(n.Position, 0), anchor)
}

func TestCreateNode_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := CreateNode(ctx, testTemplates(), canvas, "a", KindNodeInst, flowstore.NodeData{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "missing Template is structurally invalid")

	_, err = CreateNode(ctx, testTemplates(), canvas, "a", KindNodeInst, flowstore.NodeData{flowstore.KeyTemplate: "Nope"})
	assert.ErrorIs(t, err, errors.ErrTemplateNotFound)

	_, err = CreateNode(ctx, testTemplates(), canvas, "a", Kind("Robot"), flowstore.NodeData{})
	assert.Error(t, err)
}

func TestCreateNode_ContainerSurfacesExposedPorts(t *testing.T) {
	ctx := context.Background()

	c, err := CreateNode(ctx, testTemplates(), canvas, "c1", KindContainer, flowstore.NodeData{flowstore.KeyContainerFlow: "child"})
	require.NoError(t, err)
	p, ok := c.Port("n3__out")
	require.True(t, ok)
	assert.Equal(t, Out, p.Direction)
	assert.Equal(t, "T", p.Message)
	assert.Equal(t, []string{"n3__gone"}, c.MissingPorts)
	assert.Contains(t, c.TemplateParams, "speed")
	assert.Equal(t, flowstore.SectionContainer, c.Section())

	nested, err := CreateNode(ctx, testTemplates(), canvas, "c0", KindContainer, flowstore.NodeData{flowstore.KeyContainerFlow: "outer"})
	require.NoError(t, err)
	p, ok = nested.Port("c2__n3__out")
	require.True(t, ok, "ports exposed through two levels resolve")
	assert.Equal(t, "T", p.Message)
}

func TestStartNode(t *testing.T) {
	s := NewStartNode(canvas)
	require.NotNil(t, s)
	assert.Equal(t, KindStart, s.Kind)
	p, ok := s.Port(StartPort)
	require.True(t, ok)
	assert.Equal(t, template.MessageAny, p.Message)
	assert.Equal(t, "", s.ExposedName(p))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindStart, KindOf(flowstore.SectionNodeInst, StartID, nil))
	assert.Equal(t, KindContainer, KindOf(flowstore.SectionContainer, "c", nil))
	assert.Equal(t, KindState, KindOf(flowstore.SectionNodeInst, "s", flowstore.NodeData{KeyType: "State"}))
	assert.Equal(t, KindNodeInst, KindOf(flowstore.SectionNodeInst, "n", flowstore.NodeData{}))
}

func TestNode_Update(t *testing.T) {
	data := flowstore.NodeData{
		flowstore.KeyTemplate:      "Talker",
		flowstore.KeyVisualization: flowstore.VisualizationValue(100, 100),
	}
	n, err := CreateNode(context.Background(), testTemplates(), canvas, "a", KindNodeInst, data)
	require.NoError(t, err)

	changed, rebuild := n.Update(data, canvas)
	assert.False(t, changed)
	assert.False(t, rebuild)

	moved := data.Merge(flowstore.NodeData{
		flowstore.KeyVisualization: flowstore.VisualizationValue(200, 300),
		flowstore.KeyParameter:     map[string]any{"rate": 5.0},
	})
	changed, rebuild = n.Update(moved, canvas)
	assert.True(t, changed)
	assert.False(t, rebuild)
	assert.Equal(t, geometry.Point{X: 200, Y: 300}, n.Position)
	assert.Equal(t, 5.0, n.Parameters["rate"])

	changed, rebuild = n.Update(moved, canvas)
	assert.False(t, changed, "second application is a no-op")
	assert.False(t, rebuild)

	retemplated := moved.Merge(flowstore.NodeData{flowstore.KeyTemplate: "Listener"})
	changed, rebuild = n.Update(retemplated, canvas)
	assert.True(t, changed)
	assert.True(t, rebuild)
	assert.Equal(t, "Talker", n.TemplateRef, "rebuild leaves the node untouched")
}

func TestNode_PortsLifecycle(t *testing.T) {
	n, err := CreateNode(context.Background(), testTemplates(), canvas, "a", KindNodeInst, flowstore.NodeData{flowstore.KeyTemplate: "Talker"})
	require.NoError(t, err)

	require.NoError(t, n.AddPort(&Port{Name: "extra", Direction: Out, Message: "T"}))
	assert.Error(t, n.AddPort(&Port{Name: "extra", Direction: Out}))
	assert.Error(t, n.AddPort(&Port{Name: "weird", Direction: "Up"}))

	extra, _ := n.Port("extra")
	assert.Equal(t, 1, extra.index)
	assert.True(t, n.RemovePort("out"))
	assert.Equal(t, 0, extra.index, "remaining ports are reindexed")
	assert.False(t, n.RemovePort("out"))

	n.Destroy()
	assert.True(t, n.Destroyed())
	assert.Empty(t, n.Ports())
}

func TestNode_MoveByClamps(t *testing.T) {
	n := NewStartNode(canvas)
	n.MoveBy(geometry.Point{X: -500, Y: 2000}, canvas)
	assert.Equal(t, 0.0, n.Position.X)
	assert.Equal(t, canvas.Height-n.Size().Y, n.Position.Y)
}

func TestParseEndpoint(t *testing.T) {
	e, err := ParseEndpoint("a/out")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Node: "a", Port: "out", FullPath: []string{"a"}, LeafPort: "out"}, e)

	e, err = ParseEndpoint("node/container2__node3__port")
	require.NoError(t, err)
	assert.Equal(t, []string{"node", "container2", "node3"}, e.FullPath)
	assert.Equal(t, "port", e.LeafPort)
	assert.Equal(t, "node/container2__node3__port", e.String())

	for _, bad := range []string{"", "a", "/out", "a/", "a/x____y"} {
		_, err := ParseEndpoint(bad)
		assert.ErrorIs(t, err, errors.ErrInvalidLink, bad)
	}
}

func TestNewLink(t *testing.T) {
	l, err := NewLink("l1", flowstore.LinkData{From: "a/out", To: "b/in", Dependency: 2})
	require.NoError(t, err)
	assert.Equal(t, flowstore.LinkData{From: "a/out", To: "b/in", Dependency: 2}, l.Data())
	assert.True(t, l.Touches("b"))
	assert.False(t, l.Touches("c"))

	rev, err := NewLink("l2", flowstore.LinkData{From: "b/in", To: "a/out"})
	require.NoError(t, err)
	assert.Equal(t, l.PairKey(), rev.PairKey())

	_, err = NewLink("bad", flowstore.LinkData{From: "a", To: "b/in"})
	var invalid *errors.InvalidLinkError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "bad", invalid.LinkID)
}
