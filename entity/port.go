package entity

import (
	"github.com/MOV-AI/flowedit/template"
)

// Direction of a port.
type Direction string

// Port directions
const (
	In  Direction = template.DirectionIn
	Out Direction = template.DirectionOut
)

// PortKey identifies a port within a graph.
type PortKey struct {
	Node      string
	Name      string
	Direction Direction
}

// Port belongs to exactly one node, referenced by id.
type Port struct {
	Node      string
	Name      string
	Direction Direction
	Message   string
	Transport string
	Callback  string
	Exposed   bool

	index int // position among the owner's ports of the same direction
}

// Key returns the port identity.
func (p *Port) Key() PortKey {
	return PortKey{Node: p.Node, Name: p.Name, Direction: p.Direction}
}

// IsLinkeable reports whether p and other may be linked.
func (p *Port) IsLinkeable(other *Port) bool {
	return IsLinkeable(p, other)
}

// IsLinkeable is true when the messages match, or either side accepts
// any message, and the directions differ.
func IsLinkeable(a, b *Port) bool {
	if a == nil || b == nil {
		return false
	}
	messageOK := a.Message == b.Message || a.Message == template.MessageAny || b.Message == template.MessageAny
	return messageOK && a.Direction != b.Direction
}

func portFromTemplate(node, name string, pt template.PortTemplate) *Port {
	return &Port{
		Node:      node,
		Name:      name,
		Direction: Direction(pt.Direction),
		Message:   pt.Message,
		Transport: pt.Transport,
		Callback:  pt.Callback,
	}
}
