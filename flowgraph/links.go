package flowgraph

import (
	"slices"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
)

// addLink registers a link. An id already held only merges its dependency.
// Unresolvable endpoints and duplicate port pairs return an
// *errors.InvalidLinkError.
func (g *Graph) addLink(id string, data flowstore.LinkData) (bool, error) {
	if l, ok := g.links[id]; ok {
		return g.mergeDependency(l, data.Dependency), nil
	}
	if err := data.Validate(); err != nil {
		return false, invalidLink(id, data, "%v", err)
	}
	l, err := entity.NewLink(id, data)
	if err != nil {
		return false, err
	}

	src, ok := g.nodes[l.Source.Node]
	if !ok {
		return false, invalidLink(id, data, "source node %s not found", l.Source.Node)
	}
	dst, ok := g.nodes[l.Target.Node]
	if !ok {
		return false, invalidLink(id, data, "target node %s not found", l.Target.Node)
	}
	from, ok := src.node.PortAnchor(l.Source.Port)
	if !ok {
		return false, invalidLink(id, data, "source port %s not found", l.Source)
	}
	to, ok := dst.node.PortAnchor(l.Target.Port)
	if !ok {
		return false, invalidLink(id, data, "target port %s not found", l.Target)
	}
	key := l.PairKey()
	if other, dup := g.pairs[key]; dup {
		return false, invalidLink(id, data, "duplicates link %s", other)
	}

	l.Points = g.route(from, to)
	g.links[id] = l
	g.pairs[key] = id
	src.links = append(src.links, id)
	if dst != src {
		dst.links = append(dst.links, id)
	}
	g.emit(Event{Type: EventLinkAdded, Link: id})
	return true, nil
}

func (g *Graph) mergeDependency(l *entity.Link, level int) bool {
	if l.Dependency == level {
		return false
	}
	l.Dependency = level
	g.emit(Event{Type: EventLinkUpdated, Link: l.ID})
	return true
}

// removeLink drops a link from the link map, the pair index and both
// endpoint nodes' link lists.
func (g *Graph) removeLink(id string) bool {
	l, ok := g.links[id]
	if !ok {
		return false
	}
	delete(g.links, id)
	if key := l.PairKey(); g.pairs[key] == id {
		delete(g.pairs, key)
	}
	for _, nid := range []string{l.Source.Node, l.Target.Node} {
		if e, ok := g.nodes[nid]; ok {
			e.links = slices.DeleteFunc(e.links, func(x string) bool { return x == id })
		}
	}
	delete(g.dirtyLinks, id)
	if g.selection.Link == id {
		g.selection.Link = ""
		g.emit(Event{Type: EventSelection})
	}
	g.emit(Event{Type: EventLinkRemoved, Link: id})
	return true
}

// removeNode deletes a node and every link touching it.
func (g *Graph) removeNode(id string) bool {
	delete(g.pending, id)
	e, ok := g.nodes[id]
	if !ok || id == entity.StartID {
		return false
	}
	for _, lid := range slices.Clone(e.links) {
		g.removeLink(lid)
	}
	e.node.Destroy()
	delete(g.nodes, id)
	delete(g.moved, id)
	if i := slices.Index(g.selection.Nodes, id); i >= 0 {
		g.selection.Nodes = slices.Delete(g.selection.Nodes, i, i+1)
		g.emit(Event{Type: EventSelection})
	}
	g.revalidate = true
	g.emit(Event{Type: EventNodeRemoved, Node: id})
	return true
}

func (g *Graph) route(from, to geometry.Point) []geometry.Point {
	if g.cfg.Paths == PathOrthogonal {
		return geometry.Orthogonal(from, to)
	}
	return geometry.Straight(from, to)
}

func (g *Graph) markLinksDirty(e *nodeEntry) {
	if len(e.links) == 0 {
		return
	}
	for _, id := range e.links {
		g.dirtyLinks[id] = struct{}{}
	}
	g.requestRepaint()
}

// requestRepaint asks for one frame no matter how many moves come in
// before it.
func (g *Graph) requestRepaint() {
	if g.frameAsked {
		return
	}
	g.frameAsked = true
	gen := g.generation
	g.cfg.Scheduler.RequestFrame(func() { g.repaint(gen) })
}

// repaint recomputes the paths of links touching moved nodes from the
// live port anchors.
func (g *Graph) repaint(gen uint64) {
	g.frameAsked = false
	if g.destroyed || gen != g.generation {
		return
	}
	g.cfg.Metrics.frame()

	for _, id := range sortedKeys(g.moved) {
		if _, ok := g.nodes[id]; ok {
			g.emit(Event{Type: EventNodeMoved, Node: id})
		}
	}
	g.moved = map[string]struct{}{}

	for _, id := range sortedKeys(g.dirtyLinks) {
		l, ok := g.links[id]
		if !ok {
			continue
		}
		from, okFrom := g.anchor(l.Source)
		to, okTo := g.anchor(l.Target)
		if !okFrom || !okTo {
			g.logger.Debug("Link endpoint vanished", "link_id", id)
			continue
		}
		l.Points = g.route(from, to)
		g.emit(Event{Type: EventLinkUpdated, Link: id})
	}
	g.dirtyLinks = map[string]struct{}{}
}

func (g *Graph) anchor(end entity.Endpoint) (geometry.Point, bool) {
	e, ok := g.nodes[end.Node]
	if !ok {
		return geometry.Point{}, false
	}
	return e.node.PortAnchor(end.Port)
}
