package ws

import (
	"encoding/json"
	"time"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/flowgraph"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/interaction"
	"github.com/MOV-AI/flowedit/mode"
	"github.com/MOV-AI/flowedit/session"
	"github.com/MOV-AI/flowedit/validation"
)

// Envelope wraps every message in both directions.
//
// Client to server types:
//   - "mode": enter a mode (ModeRequest)
//   - "previous": return to the previous mode
//   - "click", "drag", "move": pointer events for the current mode (mode.Pointer)
//   - "menu": run a context menu action (MenuRequest)
//   - "snapshot": request the whole graph
//
// Server to client types:
//   - "ack", "nack": outcome of a client message, correlated by ID; a nack
//     reason is "invalid", "rate_limited" or "failed"
//   - "snapshot": the whole graph (Snapshot)
//   - "event": one graph change (EventView)
//   - "mode": a mode transition (TransitionView)
//   - "ghost": the temporary entities of the gesture in progress (GhostView)
//   - "open": the sub-flow a double-clicked container asks to open (OpenView)
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message types
const (
	TypeMode     = "mode"
	TypePrevious = "previous"
	TypeClick    = "click"
	TypeDrag     = "drag"
	TypeMove     = "move"
	TypeMenu     = "menu"
	TypeSnapshot = "snapshot"
	TypeAck      = "ack"
	TypeNack     = "nack"
	TypeEvent    = "event"
	TypeGhost    = "ghost"
	TypeOpen     = "open"
)

// ModeRequest asks for a mode change.
type ModeRequest struct {
	Mode  mode.ID    `json:"mode"`
	Props mode.Props `json:"props"`
	Force bool       `json:"force,omitempty"`
}

// MenuRequest runs a context menu action.
type MenuRequest struct {
	Action interaction.Action `json:"action"`
	Level  int                `json:"level,omitempty"`
}

// Nack carries the reason a client message failed.
type Nack struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// PortView is a port as the renderer draws it.
type PortView struct {
	Name      string           `json:"name"`
	Direction entity.Direction `json:"direction"`
	Message   string           `json:"message"`
	Exposed   bool             `json:"exposed"`
	Anchor    geometry.Point   `json:"anchor"`
}

// NodeView is a node as the renderer draws it.
type NodeView struct {
	ID       string         `json:"id"`
	Kind     entity.Kind    `json:"kind"`
	Label    string         `json:"label"`
	Template string         `json:"template,omitempty"`
	Position geometry.Point `json:"position"`
	Status   string         `json:"status,omitempty"`
	Selected bool           `json:"selected"`
	Ports    []PortView     `json:"ports"`
}

// LinkView is a link as the renderer draws it.
type LinkView struct {
	ID         string           `json:"id"`
	Source     string           `json:"source"`
	Target     string           `json:"target"`
	Dependency int              `json:"dependency"`
	Error      string           `json:"error,omitempty"`
	Points     []geometry.Point `json:"points"`
}

// InvalidLinkView reports a link that could not be drawn.
type InvalidLinkView struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Snapshot is the whole graph of a session.
type Snapshot struct {
	Session    string              `json:"session"`
	Flow       string              `json:"flow"`
	Mode       mode.ID             `json:"mode"`
	Nodes      []NodeView          `json:"nodes"`
	Links      []LinkView          `json:"links"`
	Selection  flowgraph.Selection `json:"selection"`
	Validation validation.Result   `json:"validation"`
}

// EventView is one graph change. Node and Link carry the entity after the
// change when it still exists.
type EventView struct {
	Type         flowgraph.EventType  `json:"type"`
	Node         *NodeView            `json:"node,omitempty"`
	NodeID       string               `json:"nodeId,omitempty"`
	Link         *LinkView            `json:"link,omitempty"`
	LinkID       string               `json:"linkId,omitempty"`
	Port         string               `json:"port,omitempty"`
	Selection    *flowgraph.Selection `json:"selection,omitempty"`
	Validation   *validation.Result   `json:"validation,omitempty"`
	InvalidLinks []InvalidLinkView    `json:"invalidLinks,omitempty"`
}

// TransitionView is a mode change.
type TransitionView struct {
	From  mode.ID    `json:"from"`
	To    mode.ID    `json:"to"`
	Props mode.Props `json:"props"`
}

// GhostView holds the temporary entities of the gesture in progress.
type GhostView struct {
	Node *interaction.GhostNode `json:"node,omitempty"`
	Link *interaction.GhostLink `json:"link,omitempty"`
}

// OpenView names the sub-flow to open.
type OpenView struct {
	Flow string `json:"flow"`
}

func nodeView(n *entity.Node) NodeView {
	v := NodeView{
		ID:       n.ID,
		Kind:     n.Kind,
		Label:    n.Label,
		Template: n.TemplateRef,
		Position: n.Position,
		Status:   n.Status,
		Selected: n.Selected,
		Ports:    []PortView{},
	}
	for _, p := range n.Ports() {
		anchor, _ := n.PortAnchor(p.Name)
		v.Ports = append(v.Ports, PortView{
			Name:      p.Name,
			Direction: p.Direction,
			Message:   p.Message,
			Exposed:   p.Exposed,
			Anchor:    anchor,
		})
	}
	return v
}

func linkView(l *entity.Link) LinkView {
	v := LinkView{
		ID:         l.ID,
		Source:     l.Source.String(),
		Target:     l.Target.String(),
		Dependency: l.Dependency,
		Points:     l.Points,
	}
	if v.Points == nil {
		v.Points = []geometry.Point{}
	}
	if l.Error != nil {
		v.Error = string(l.Error.Kind)
	}
	return v
}

func snapshot(sessionID string, e *session.Editor) Snapshot {
	g := e.Graph
	s := Snapshot{
		Session:    sessionID,
		Flow:       g.FlowID(),
		Mode:       e.Modes.Current().ID,
		Nodes:      []NodeView{},
		Links:      []LinkView{},
		Selection:  g.Selection(),
		Validation: g.Validation(),
	}
	for _, n := range g.Nodes() {
		s.Nodes = append(s.Nodes, nodeView(n))
	}
	for _, l := range g.Links() {
		s.Links = append(s.Links, linkView(l))
	}
	return s
}

func eventView(g *flowgraph.Graph, ev flowgraph.Event) EventView {
	v := EventView{Type: ev.Type, NodeID: ev.Node, LinkID: ev.Link, Port: ev.Port, Validation: ev.Validation}
	if ev.Node != "" {
		if n, ok := g.Node(ev.Node); ok {
			nv := nodeView(n)
			v.Node = &nv
		}
	}
	if ev.Link != "" {
		if l, ok := g.Link(ev.Link); ok {
			lv := linkView(l)
			v.Link = &lv
		}
	}
	if ev.Type == flowgraph.EventSelection {
		sel := g.Selection()
		v.Selection = &sel
	}
	for _, il := range ev.InvalidLinks {
		v.InvalidLinks = append(v.InvalidLinks, InvalidLinkView{ID: il.LinkID, From: il.From, To: il.To, Reason: il.Reason})
	}
	return v
}

func encode(typ, id string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
