package flowgraph

import (
	"context"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/exposed"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/template"
)

var nodeSections = []string{flowstore.SectionNodeInst, flowstore.SectionContainer}

// LoadData replaces the graph content with doc. Nodes are created off the
// loop; links are added once every node has settled, then the flow is
// validated and EventLoaded is emitted.
func (g *Graph) LoadData(doc *flowstore.Document) {
	if g.destroyed {
		return
	}
	if doc == nil {
		doc = flowstore.NewDocument()
	}
	doc = doc.Clone()
	g.reset(doc)
	g.loading = true
	g.exposed = doc.ExposedPorts.Clone()
	g.emit(Event{Type: EventNodeAdded, Node: entity.StartID})

	for _, section := range nodeSections {
		nodes := doc.Nodes(section)
		for _, id := range sortedKeys(nodes) {
			if id == entity.StartID {
				continue
			}
			data := nodes[id]
			kind := entity.KindOf(section, id, data)
			if !entity.HasRequired(kind, data) {
				g.logger.Warn("Skipping node missing required fields", "node_id", id)
				continue
			}
			g.requestNode(id, kind, data)
		}
	}
	for id, l := range doc.Links {
		g.pendingLinks[id] = l
	}
	g.revalidate = true
	g.updateSize()
	g.settle()
}

// OnFlowUpdate reconciles the graph with the merged remote document. It
// updates or creates the incoming nodes, deletes held nodes the document
// no longer has, diffs links by id and applies exposed port changes.
// Applying the same document twice changes nothing the second time.
func (g *Graph) OnFlowUpdate(doc *flowstore.Document) {
	if g.destroyed || doc == nil {
		return
	}
	g.cfg.Metrics.update()
	doc = doc.Clone()
	g.doc = doc

	incoming := map[string]bool{}
	for _, section := range nodeSections {
		nodes := doc.Nodes(section)
		for _, id := range sortedKeys(nodes) {
			incoming[id] = true
			if g.localNodes.suppressed(id) {
				continue
			}
			g.localNodes.confirm(id)
			g.reconcileNode(section, id, nodes[id])
		}
	}

	for _, id := range sortedKeys(g.nodes) {
		if id == entity.StartID || incoming[id] || g.localNodes.unconfirmed(id) {
			continue
		}
		g.removeNode(id)
	}
	for _, id := range sortedKeys(g.pending) {
		if !incoming[id] && !g.localNodes.unconfirmed(id) {
			delete(g.pending, id)
		}
	}
	g.localNodes.settleRemovals(func(id string) bool { return incoming[id] })

	g.reconcileLinks(doc.Links)
	g.localLinks.settleRemovals(func(id string) bool {
		_, ok := doc.Links[id]
		return ok
	})
	g.reconcileExposed(doc.ExposedPorts)
	g.updateSize()
	g.settle()
}

func (g *Graph) reconcileNode(section, id string, data flowstore.NodeData) {
	kind := entity.KindOf(section, id, data)
	if kind == entity.KindStart {
		e := g.nodes[entity.StartID]
		if changed, _ := e.node.Update(data, g.cfg.Canvas); changed {
			g.markLinksDirty(e)
			g.emit(Event{Type: EventNodeUpdated, Node: id})
		}
		return
	}
	if !entity.HasRequired(kind, data) {
		g.logger.Warn("Deleting node missing required fields", "node_id", id)
		delete(g.pending, id)
		g.removeNode(id)
		return
	}
	if p, ok := g.pending[id]; ok {
		if p.kind != kind || !p.data.Equal(data) {
			g.requestNode(id, kind, data)
		}
		return
	}
	e, ok := g.nodes[id]
	if !ok || e.node.Kind != kind {
		g.requestNode(id, kind, data)
		return
	}
	changed, rebuild := e.node.Update(data, g.cfg.Canvas)
	switch {
	case rebuild:
		g.requestNode(id, kind, data)
	case changed:
		g.markLinksDirty(e)
		g.emit(Event{Type: EventNodeUpdated, Node: id})
	}
}

func (g *Graph) reconcileLinks(links map[string]flowstore.LinkData) {
	for _, id := range sortedKeys(g.links) {
		if _, ok := links[id]; ok || g.localLinks.unconfirmed(id) {
			continue
		}
		g.removeLink(id)
		g.revalidate = true
	}
	for id := range g.pendingLinks {
		if _, ok := links[id]; !ok {
			delete(g.pendingLinks, id)
		}
	}
	for id, data := range g.rejected {
		if cur, ok := links[id]; !ok || cur != data {
			delete(g.rejected, id)
		}
	}

	for _, id := range sortedKeys(links) {
		if g.localLinks.suppressed(id) {
			continue
		}
		g.localLinks.confirm(id)
		data := links[id]
		if l, ok := g.links[id]; ok {
			if l.Source.String() == data.From && l.Target.String() == data.To {
				if g.mergeDependency(l, data.Dependency) {
					g.revalidate = true
				}
				continue
			}
			g.removeLink(id)
			g.revalidate = true
		}
		if g.waitsForNode(data) {
			g.pendingLinks[id] = data
			continue
		}
		changed, err := g.addLink(id, data)
		if err != nil {
			g.collectInvalid(id, data, err)
			continue
		}
		if changed {
			g.revalidate = true
		}
	}
}

// waitsForNode reports whether a link endpoint is still being created.
func (g *Graph) waitsForNode(data flowstore.LinkData) bool {
	for _, s := range []string{data.From, data.To} {
		end, err := entity.ParseEndpoint(s)
		if err != nil {
			continue
		}
		if _, pending := g.pending[end.Node]; pending {
			if _, held := g.nodes[end.Node]; !held {
				return true
			}
		}
	}
	return false
}

func (g *Graph) reconcileExposed(next flowstore.ExposedPorts) {
	changes := exposed.Diff(g.exposed, next, false)
	g.exposed = next.Clone()
	if g.exposed == nil {
		g.exposed = flowstore.ExposedPorts{}
	}
	g.applyExposed(changes)
}

// applyExposed toggles ports. Nodes still being created pick their flags
// up from the snapshot when they land.
func (g *Graph) applyExposed(changes []exposed.Change) {
	var ready []exposed.Change
	for _, c := range changes {
		if _, pending := g.pending[c.Node]; !pending {
			ready = append(ready, c)
		}
	}
	for _, p := range exposed.Apply(ready, g.Node, g.logger) {
		g.emit(Event{Type: EventPortExposed, Node: p.Node, Port: p.Name})
	}
}

// OnTemplateChanged rebuilds the nodes built from a template that changed
// remotely. Containers are rebuilt on any change because their ports
// resolve through nested templates. Validation runs debounced.
func (g *Graph) OnTemplateChanged(kind template.Kind, name string) {
	if g.destroyed {
		return
	}
	hit := false
	for _, id := range sortedKeys(g.nodes) {
		n := g.nodes[id].node
		switch {
		case n.Kind == entity.KindStart:
			continue
		case n.Kind == entity.KindContainer, kind == template.KindNode && n.TemplateRef == name:
			g.requestNode(id, n.Kind, n.Data)
			hit = true
		}
	}
	if hit {
		g.forceExposed = true
		g.debouncer.Trigger()
	}
}

// requestNode creates a node off the loop. A later request for the same id,
// a reload or a delete makes the result stale.
func (g *Graph) requestNode(id string, kind entity.Kind, data flowstore.NodeData) {
	g.token++
	token, gen := g.token, g.generation
	data = data.Clone()
	g.pending[id] = pendingNode{token: token, kind: kind, data: data}

	templates, canvas := g.cfg.Templates, g.cfg.Canvas
	g.cfg.Scheduler.Go(func(ctx context.Context) func() {
		n, err := entity.CreateNode(ctx, templates, canvas, id, kind, data)
		return func() { g.nodeCreated(gen, token, id, n, err) }
	})
}

func (g *Graph) nodeCreated(gen, token uint64, id string, n *entity.Node, err error) {
	p, ok := g.pending[id]
	if g.destroyed || gen != g.generation || !ok || p.token != token {
		if n != nil {
			n.Destroy()
		}
		g.cfg.Metrics.creation("stale")
		g.logger.Debug("Discarding stale node creation", "node_id", id)
		return
	}
	delete(g.pending, id)

	if err != nil {
		g.cfg.Metrics.creation("error")
		g.logger.Warn("Node creation failed", "node_id", id, "error", err)
		g.settle()
		return
	}
	g.cfg.Metrics.creation("ok")

	for _, port := range n.Ports() {
		port.Exposed = g.exposed.Has(n.ExposedKey(), id, port.Name)
	}
	if e, held := g.nodes[id]; held {
		n.Selected, n.Status = e.node.Selected, e.node.Status
		e.node.Destroy()
		e.node = n
		g.markLinksDirty(e)
		g.debouncer.Trigger()
		g.emit(Event{Type: EventNodeUpdated, Node: id})
	} else {
		g.nodes[id] = &nodeEntry{node: n}
		g.emit(Event{Type: EventNodeAdded, Node: id})
	}
	g.updateSize()
	g.settle()
}

// settle finishes the work deferred while nodes were being created.
func (g *Graph) settle() {
	if g.destroyed || len(g.pending) > 0 {
		return
	}
	if len(g.pendingLinks) > 0 {
		for _, id := range sortedKeys(g.pendingLinks) {
			data := g.pendingLinks[id]
			if _, err := g.addLink(id, data); err != nil {
				g.collectInvalid(id, data, err)
			}
		}
		g.pendingLinks = map[string]flowstore.LinkData{}
		g.revalidate = true
		g.updateSize()
	}
	if g.forceExposed {
		g.forceExposed = false
		g.applyExposed(exposed.Diff(g.exposed, g.exposed, true))
	}
	g.flushInvalid()
	if g.revalidate {
		g.validate()
	}
	if g.loading {
		g.loading = false
		g.emit(Event{Type: EventLoaded})
	}
}

func (g *Graph) collectInvalid(id string, data flowstore.LinkData, err error) {
	if prev, ok := g.rejected[id]; ok && prev == data {
		return
	}
	g.rejected[id] = data
	var invalid *errors.InvalidLinkError
	if !errors.As(err, &invalid) {
		invalid = invalidLink(id, data, "%v", err)
	}
	g.invalidLinks = append(g.invalidLinks, invalid)
}

// flushInvalid reports the invalid links of a batch at once.
func (g *Graph) flushInvalid() {
	if len(g.invalidLinks) == 0 {
		return
	}
	batch := g.invalidLinks
	g.invalidLinks = nil
	g.cfg.Metrics.invalid(len(batch))
	g.logger.Warn("Invalid links found", "count", len(batch))
	g.emit(Event{Type: EventInvalidLinks, InvalidLinks: batch})
}
