package flowgraph

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
)

// Gestures mutate the graph at once and hand the write to the outbox.
// A gesture naming an entity that is already gone is a no-op.

// AddNode creates a node. An empty id is generated. The node shows up once
// its template resolves; the store write is dispatched immediately.
func (g *Graph) AddNode(id string, kind entity.Kind, data flowstore.NodeData) (string, error) {
	if g.destroyed {
		return "", errors.WrapInvalid(errors.ErrClosed, "flowgraph", "AddNode", "add node")
	}
	if kind == entity.KindStart {
		return "", errors.WrapInvalid(fmt.Errorf("the start node is reserved"), "flowgraph", "AddNode", "add node")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if g.HasNode(id) {
		return "", errors.WrapInvalid(fmt.Errorf("node %s exists", id), "flowgraph", "AddNode", "add node")
	}
	data = data.Clone()
	if data == nil {
		data = flowstore.NodeData{}
	}
	if kind == entity.KindState {
		data[entity.KeyType] = string(entity.KindState)
	}
	if !entity.HasRequired(kind, data) {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "flowgraph", "AddNode",
			fmt.Sprintf("node %s misses a required field", id))
	}

	g.localNodes.markAdded(id)
	g.requestNode(id, kind, data)
	section := entity.SectionFor(kind)
	g.persist("AddNewNode", func(ctx context.Context, w flowstore.Writer) error {
		return w.AddNewNode(ctx, g.cfg.FlowID, section, id, data)
	})
	return id, nil
}

// DeleteNode removes a node, its links and its exposed ports.
func (g *Graph) DeleteNode(id string) (bool, error) {
	if id == entity.StartID {
		return false, errors.WrapInvalid(fmt.Errorf("the start node cannot be deleted"), "flowgraph", "DeleteNode", "delete node")
	}
	e, held := g.nodes[id]
	p, pending := g.pending[id]
	if !held && !pending {
		return false, nil
	}

	section := entity.SectionFor(p.kind)
	var links []string
	tpl := ""
	if held {
		section = e.node.Section()
		links = slices.Clone(e.links)
		tpl = e.node.ExposedKey()
	}
	g.removeNode(id)
	g.localNodes.markRemoved(id)
	for _, lid := range links {
		g.localLinks.markRemoved(lid)
		g.persist("DeleteLink", func(ctx context.Context, w flowstore.Writer) error {
			return w.DeleteLink(ctx, g.cfg.FlowID, lid)
		})
	}
	g.persist("DeleteNode", func(ctx context.Context, w flowstore.Writer) error {
		return w.DeleteNode(ctx, g.cfg.FlowID, section, id)
	})

	if ports, ok := g.exposed[tpl][id]; ok && tpl != "" {
		for _, port := range slices.Clone(ports) {
			g.exposed.Set(tpl, id, port, false)
		}
		g.persistExposed(tpl)
	}
	g.validate()
	return true, nil
}

// AddLink links two ports. An empty id is generated. An existing id only
// takes the new dependency level.
func (g *Graph) AddLink(id string, data flowstore.LinkData) (string, error) {
	if g.destroyed {
		return "", errors.WrapInvalid(errors.ErrClosed, "flowgraph", "AddLink", "add link")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if l, ok := g.links[id]; ok {
		if _, err := g.SetLinkDependency(l.ID, data.Dependency); err != nil {
			return "", err
		}
		return id, nil
	}
	if _, err := g.addLink(id, data); err != nil {
		return "", errors.WrapInvalid(err, "flowgraph", "AddLink", "add link "+id)
	}
	g.localLinks.markAdded(id)
	g.persist("AddLink", func(ctx context.Context, w flowstore.Writer) error {
		return w.AddLink(ctx, g.cfg.FlowID, id, data)
	})
	g.updateSize()
	g.validate()
	return id, nil
}

// DeleteLinks removes links and returns how many were held.
func (g *Graph) DeleteLinks(ids ...string) int {
	removed := 0
	for _, id := range ids {
		if !g.removeLink(id) {
			continue
		}
		removed++
		g.localLinks.markRemoved(id)
		g.persist("DeleteLink", func(ctx context.Context, w flowstore.Writer) error {
			return w.DeleteLink(ctx, g.cfg.FlowID, id)
		})
	}
	if removed > 0 {
		g.updateSize()
		g.validate()
	}
	return removed
}

// SetLinkDependency changes a link's dependency level.
func (g *Graph) SetLinkDependency(id string, level int) (bool, error) {
	if level < flowstore.DependencyBoth || level > flowstore.DependencyNone {
		return false, errors.WrapInvalid(fmt.Errorf("dependency level %d", level), "flowgraph", "SetLinkDependency", "set dependency")
	}
	l, ok := g.links[id]
	if !ok || !g.mergeDependency(l, level) {
		return false, nil
	}
	g.persist("SetLinkDependency", func(ctx context.Context, w flowstore.Writer) error {
		return w.SetLinkDependency(ctx, g.cfg.FlowID, id, level)
	})
	return true, nil
}

// OnNodeDrag moves the dragged node and every selected node by delta,
// clamped to the canvas. Link paths follow on the next frame.
func (g *Graph) OnNodeDrag(id string, delta geometry.Point) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	ids := slices.Clone(g.selection.Nodes)
	if !slices.Contains(ids, id) {
		ids = append(ids, id)
	}
	for _, nid := range ids {
		e, ok := g.nodes[nid]
		if !ok {
			continue
		}
		e.node.MoveBy(delta, g.cfg.Canvas)
		g.moved[nid] = struct{}{}
		g.markLinksDirty(e)
	}
	g.requestRepaint()
	return true
}

// PersistPositions writes the current position of each node.
func (g *Graph) PersistPositions(ids ...string) int {
	written := 0
	for _, id := range ids {
		e, ok := g.nodes[id]
		if !ok {
			continue
		}
		section, pos := e.node.Section(), e.node.Position
		g.persist("SetNodePosition", func(ctx context.Context, w flowstore.Writer) error {
			return w.SetNodePosition(ctx, g.cfg.FlowID, section, id, pos.X, pos.Y)
		})
		written++
	}
	return written
}

// TogglePortExposed flips whether a port is surfaced by the container
// embedding this flow, and returns the new state.
func (g *Graph) TogglePortExposed(nodeID, port string) (bool, error) {
	e, ok := g.nodes[nodeID]
	if !ok {
		return false, errors.WrapInvalid(errors.ErrNodeNotFound, "flowgraph", "TogglePortExposed", "toggle "+nodeID)
	}
	p, ok := e.node.Port(port)
	if !ok {
		return false, errors.WrapInvalid(errors.ErrPortNotFound, "flowgraph", "TogglePortExposed", "toggle "+nodeID+"/"+port)
	}
	if e.node.ExposedName(p) == "" {
		return false, errors.WrapInvalid(fmt.Errorf("port %s/%s cannot be exposed", nodeID, port), "flowgraph", "TogglePortExposed", "toggle")
	}

	p.Exposed = !p.Exposed
	tpl := e.node.ExposedKey()
	g.exposed.Set(tpl, nodeID, port, p.Exposed)
	g.persistExposed(tpl)
	g.emit(Event{Type: EventPortExposed, Node: nodeID, Port: port})
	return p.Exposed, nil
}

func (g *Graph) persistExposed(tpl string) {
	nodes := map[string][]string{}
	for node, ports := range g.exposed[tpl] {
		nodes[node] = slices.Clone(ports)
	}
	g.persist("SetExposedPorts", func(ctx context.Context, w flowstore.Writer) error {
		return w.SetExposedPorts(ctx, g.cfg.FlowID, tpl, nodes)
	})
}

// SelectNode selects a node, adding to the selection when additive.
// Selecting a node clears the link selection.
func (g *Graph) SelectNode(id string, additive bool) bool {
	e, ok := g.nodes[id]
	if !ok {
		return false
	}
	if !additive {
		g.clearNodeSelection()
	}
	g.selection.Link = ""
	if !e.node.Selected {
		e.node.Selected = true
		g.selection.Nodes = append(g.selection.Nodes, id)
	}
	g.emit(Event{Type: EventSelection})
	return true
}

// DeselectNode removes a node from the selection.
func (g *Graph) DeselectNode(id string) bool {
	i := slices.Index(g.selection.Nodes, id)
	if i < 0 {
		return false
	}
	g.selection.Nodes = slices.Delete(g.selection.Nodes, i, i+1)
	if e, ok := g.nodes[id]; ok {
		e.node.Selected = false
	}
	g.emit(Event{Type: EventSelection})
	return true
}

// SelectLink selects a single link and clears the node selection.
func (g *Graph) SelectLink(id string) bool {
	if _, ok := g.links[id]; !ok {
		return false
	}
	g.clearNodeSelection()
	g.selection.Link = id
	g.emit(Event{Type: EventSelection})
	return true
}

// ClearSelection deselects everything.
func (g *Graph) ClearSelection() {
	if len(g.selection.Nodes) == 0 && g.selection.Link == "" {
		return
	}
	g.clearNodeSelection()
	g.selection.Link = ""
	g.emit(Event{Type: EventSelection})
}

func (g *Graph) clearNodeSelection() {
	for _, id := range g.selection.Nodes {
		if e, ok := g.nodes[id]; ok {
			e.node.Selected = false
		}
	}
	g.selection.Nodes = nil
}

// NodeStatusUpdated records a node's runtime status.
func (g *Graph) NodeStatusUpdated(id, status string) bool {
	e, ok := g.nodes[id]
	if !ok || e.node.Status == status {
		return false
	}
	e.node.Status = status
	g.emit(Event{Type: EventNodeStatus, Node: id})
	return true
}
