// Package interaction drives a graph from the mode machine. It subscribes
// to mode transitions and pointer signals and turns them into graph
// gestures. Every lookup may miss because a remote update can delete an
// entity in the middle of a gesture; a miss ends the gesture quietly.
package interaction

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowgraph"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/mode"
)

// Graph is the part of *flowgraph.Graph the orchestrator drives.
type Graph interface {
	Node(id string) (*entity.Node, bool)
	Link(id string) (*entity.Link, bool)
	Selection() flowgraph.Selection
	AddNode(id string, kind entity.Kind, data flowstore.NodeData) (string, error)
	DeleteNode(id string) (bool, error)
	AddLink(id string, data flowstore.LinkData) (string, error)
	DeleteLinks(ids ...string) int
	SetLinkDependency(id string, level int) (bool, error)
	TogglePortExposed(nodeID, port string) (bool, error)
	OnNodeDrag(id string, delta geometry.Point) bool
	PersistPositions(ids ...string) int
	SelectNode(id string, additive bool) bool
	SelectLink(id string) bool
	ClearSelection()
}

// Action is a context menu entry.
type Action string

// Context menu actions
const (
	ActionDelete     Action = "delete"
	ActionDependency Action = "dependency"
	ActionExpose     Action = "expose"
)

// GhostNode previews a node being placed.
type GhostNode struct {
	Kind     entity.Kind    `json:"kind"`
	Template string         `json:"template"`
	Position geometry.Point `json:"position"`
}

// GhostLink previews a link being drawn from a port.
type GhostLink struct {
	Node string         `json:"node"`
	Port string         `json:"port"`
	From geometry.Point `json:"from"`
	To   geometry.Point `json:"to"`
}

// Config configures an Orchestrator.
type Config struct {
	Graph Graph
	Modes *mode.Machine
	// OpenContainer receives the sub-flow of a double-clicked container.
	OpenContainer func(flowID string)
	Logger        *slog.Logger
}

// Orchestrator owns the temporary entities of the gesture in progress. It
// runs on the loop that owns the graph and the machine.
type Orchestrator struct {
	g      Graph
	modes  *mode.Machine
	open   func(string)
	logger *slog.Logger

	ghostNode *GhostNode
	ghostLink *GhostLink
	dragged   string
	moved     map[string]struct{}
	cancels   []func()
}

var addKinds = map[mode.ID]entity.Kind{
	mode.AddNode:  entity.KindNodeInst,
	mode.AddFlow:  entity.KindContainer,
	mode.AddState: entity.KindState,
}

// New subscribes an orchestrator to the machine.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Graph == nil || cfg.Modes == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "interaction", "New", "graph and modes are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Orchestrator{
		g:      cfg.Graph,
		modes:  cfg.Modes,
		open:   cfg.OpenContainer,
		logger: cfg.Logger.With("component", "interaction"),
		moved:  map[string]struct{}{},
	}
	m := cfg.Modes

	o.on(&m.Mode(mode.Default).Enter, func(mode.Transition) { o.g.ClearSelection() })
	o.on(&m.Mode(mode.SelectNode).Enter, o.enterSelectNode)

	drag := m.Mode(mode.Drag)
	o.on(&drag.Enter, o.enterDrag)
	o.onPointer(drag.Drag, o.drag)
	o.onPointer(drag.Click, o.release)
	o.on(&drag.Exit, o.exitDrag)

	linking := m.Mode(mode.Linking)
	o.on(&linking.Enter, o.enterLinking)
	o.onPointer(linking.MouseMove, o.moveGhostLink)
	o.onPointer(linking.Click, o.finishLink)
	o.on(&linking.Exit, func(mode.Transition) { o.ghostLink = nil })

	for _, id := range []mode.ID{mode.AddNode, mode.AddFlow, mode.AddState} {
		md := m.Mode(id)
		o.on(&md.Enter, o.enterAdd)
		o.onPointer(md.MouseMove, o.moveGhostNode)
		o.onPointer(md.Click, o.placeNode)
		o.on(&md.Exit, func(mode.Transition) { o.ghostNode = nil })
	}

	o.on(&m.Mode(mode.NodeCtxMenu).Enter, o.enterNodeMenu)
	o.on(&m.Mode(mode.LinkCtxMenu).Enter, o.enterLinkMenu)
	o.on(&m.Mode(mode.PortCtxMenu).Enter, o.enterPortMenu)
	o.on(&m.Mode(mode.OnDblClick).Enter, o.doubleClick)
	return o, nil
}

func (o *Orchestrator) on(s *mode.Signal[mode.Transition], fn func(mode.Transition)) {
	o.cancels = append(o.cancels, s.Subscribe(fn))
}

func (o *Orchestrator) onPointer(s *mode.Signal[mode.Pointer], fn func(mode.Pointer)) {
	if s != nil {
		o.cancels = append(o.cancels, s.Subscribe(fn))
	}
}

// Close removes every subscription.
func (o *Orchestrator) Close() {
	for _, cancel := range o.cancels {
		cancel()
	}
	o.cancels = nil
	o.ghostNode, o.ghostLink = nil, nil
}

// GhostNode returns the node preview of an add gesture.
func (o *Orchestrator) GhostNode() (GhostNode, bool) {
	if o.ghostNode == nil {
		return GhostNode{}, false
	}
	return *o.ghostNode, true
}

// GhostLink returns the link preview of a linking gesture.
func (o *Orchestrator) GhostLink() (GhostLink, bool) {
	if o.ghostLink == nil {
		return GhostLink{}, false
	}
	return *o.ghostLink, true
}

func (o *Orchestrator) reset() {
	if _, err := o.modes.SetMode(mode.Default, mode.Props{}, false); err != nil {
		o.logger.Error("Failed to reset mode", "error", err)
	}
}

func (o *Orchestrator) selected(id string) bool {
	return slices.Contains(o.g.Selection().Nodes, id)
}

func (o *Orchestrator) enterSelectNode(t mode.Transition) {
	if o.selected(t.Props.Node) && !t.Props.Additive {
		return
	}
	if !o.g.SelectNode(t.Props.Node, t.Props.Additive) {
		o.reset()
	}
}

func (o *Orchestrator) enterDrag(t mode.Transition) {
	if _, ok := o.g.Node(t.Props.Node); !ok {
		o.reset()
		return
	}
	o.dragged = t.Props.Node
}

func (o *Orchestrator) drag(p mode.Pointer) {
	if o.dragged == "" {
		return
	}
	if !o.g.OnNodeDrag(o.dragged, p.Delta) {
		o.logger.Debug("Dragged node vanished", "node_id", o.dragged)
		o.reset()
		return
	}
	o.moved[o.dragged] = struct{}{}
	for _, id := range o.g.Selection().Nodes {
		o.moved[id] = struct{}{}
	}
}

// release ends a drag. A drag that started from a selection returns to it.
func (o *Orchestrator) release(mode.Pointer) {
	if o.modes.Previous() == mode.SelectNode {
		o.modes.SetPrevious()
		return
	}
	o.reset()
}

func (o *Orchestrator) exitDrag(mode.Transition) {
	ids := make([]string, 0, len(o.moved))
	for id := range o.moved {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) > 0 {
		o.g.PersistPositions(ids...)
	}
	o.dragged = ""
	o.moved = map[string]struct{}{}
}

func (o *Orchestrator) port(nodeID, name string) (*entity.Node, *entity.Port, bool) {
	n, ok := o.g.Node(nodeID)
	if !ok {
		return nil, nil, false
	}
	p, ok := n.Port(name)
	if !ok {
		return nil, nil, false
	}
	return n, p, true
}

func (o *Orchestrator) enterLinking(t mode.Transition) {
	n, _, ok := o.port(t.Props.Node, t.Props.Port)
	if !ok {
		o.reset()
		return
	}
	at, _ := n.PortAnchor(t.Props.Port)
	o.ghostLink = &GhostLink{Node: t.Props.Node, Port: t.Props.Port, From: at, To: at}
}

func (o *Orchestrator) moveGhostLink(p mode.Pointer) {
	if o.ghostLink != nil {
		o.ghostLink.To = p.Position
	}
}

// finishLink links the ghost's port to the clicked port. Outputs always
// become the link source.
func (o *Orchestrator) finishLink(p mode.Pointer) {
	gl := o.ghostLink
	if gl == nil {
		return
	}
	defer o.reset()
	_, src, ok := o.port(gl.Node, gl.Port)
	if !ok {
		return
	}
	_, dst, ok := o.port(p.Node, p.Port)
	if !ok {
		return
	}
	if !entity.IsLinkeable(src, dst) {
		o.logger.Debug("Ports cannot be linked", "from", gl.Node+"/"+gl.Port, "to", p.Node+"/"+p.Port)
		return
	}
	if src.Direction == entity.In {
		src, dst = dst, src
	}
	data := flowstore.LinkData{
		From: entity.Endpoint{Node: src.Node, Port: src.Name}.String(),
		To:   entity.Endpoint{Node: dst.Node, Port: dst.Name}.String(),
	}
	if _, err := o.g.AddLink(uuid.NewString(), data); err != nil {
		o.logger.Warn("Link rejected", "from", data.From, "to", data.To, "error", err)
	}
}

func (o *Orchestrator) enterAdd(t mode.Transition) {
	if t.Props.Template == "" {
		o.logger.Warn("Add gesture without a template", "mode", t.To)
		o.reset()
		return
	}
	o.ghostNode = &GhostNode{Kind: addKinds[t.To], Template: t.Props.Template, Position: t.Props.Position}
}

func (o *Orchestrator) moveGhostNode(p mode.Pointer) {
	if o.ghostNode != nil {
		o.ghostNode.Position = p.Position
	}
}

func (o *Orchestrator) placeNode(p mode.Pointer) {
	gn := o.ghostNode
	if gn == nil {
		return
	}
	defer o.reset()
	key := flowstore.KeyTemplate
	if gn.Kind == entity.KindContainer {
		key = flowstore.KeyContainerFlow
	}
	data := flowstore.NodeData{
		key:                        gn.Template,
		flowstore.KeyVisualization: flowstore.VisualizationValue(p.Position.X, p.Position.Y),
	}
	if _, err := o.g.AddNode(uuid.NewString(), gn.Kind, data); err != nil {
		o.logger.Warn("Node rejected", "template", gn.Template, "error", err)
	}
}

func (o *Orchestrator) enterNodeMenu(t mode.Transition) {
	if _, ok := o.g.Node(t.Props.Node); !ok {
		o.reset()
		return
	}
	if !o.selected(t.Props.Node) {
		o.g.SelectNode(t.Props.Node, false)
	}
}

func (o *Orchestrator) enterLinkMenu(t mode.Transition) {
	if !o.g.SelectLink(t.Props.Link) {
		o.reset()
	}
}

func (o *Orchestrator) enterPortMenu(t mode.Transition) {
	if _, _, ok := o.port(t.Props.Node, t.Props.Port); !ok {
		o.reset()
	}
}

// MenuAction runs a context menu entry against the entity the menu was
// opened on, then returns to the default mode. level is the dependency
// level for ActionDependency.
func (o *Orchestrator) MenuAction(a Action, level int) error {
	cur := o.modes.Current()
	props := cur.Props()
	var err error
	switch {
	case cur.ID == mode.NodeCtxMenu && a == ActionDelete:
		_, err = o.g.DeleteNode(props.Node)
	case cur.ID == mode.LinkCtxMenu && a == ActionDelete:
		o.g.DeleteLinks(props.Link)
	case cur.ID == mode.LinkCtxMenu && a == ActionDependency:
		_, err = o.g.SetLinkDependency(props.Link, level)
	case cur.ID == mode.PortCtxMenu && a == ActionExpose:
		_, err = o.g.TogglePortExposed(props.Node, props.Port)
		if errors.Is(err, errors.ErrNodeNotFound) || errors.Is(err, errors.ErrPortNotFound) {
			err = nil
		}
	default:
		return errors.WrapInvalid(fmt.Errorf("action %s in mode %s", a, cur.ID), "interaction", "MenuAction", "run menu action")
	}
	o.reset()
	return err
}

func (o *Orchestrator) doubleClick(t mode.Transition) {
	n, ok := o.g.Node(t.Props.Node)
	if ok && n.Kind == entity.KindContainer && o.open != nil {
		o.open(n.TemplateRef)
	}
	o.modes.SetPrevious()
}
