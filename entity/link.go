package entity

import (
	"fmt"
	"strings"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
)

// NestedSeparator joins sub-flow levels in qualified names.
const NestedSeparator = "__"

// Endpoint is one parsed end of a link.
type Endpoint struct {
	Node     string   // node id in the link's own flow
	Port     string   // port name on Node, possibly qualified
	FullPath []string // Node followed by the nested node ids inside it
	LeafPort string   // port name on the innermost node
}

// String renders the endpoint in node/port syntax.
func (e Endpoint) String() string {
	return e.Node + "/" + e.Port
}

// ParseEndpoint parses "node/port". A port named c2__n3__p is exposed
// through nested sub-flows and yields the full path [node, c2, n3].
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, errors.ErrInvalidLink)
	}
	node, port := parts[0], parts[1]
	levels := strings.Split(port, NestedSeparator)
	for _, l := range levels {
		if l == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, errors.ErrInvalidLink)
		}
	}
	path := append([]string{node}, levels[:len(levels)-1]...)
	return Endpoint{Node: node, Port: port, FullPath: path, LeafPort: levels[len(levels)-1]}, nil
}

// LinkError is a validation annotation; it is never persisted.
type LinkError struct {
	Kind   errors.LinkErrorKind
	Detail string
}

// Link connects an output port to an input port.
type Link struct {
	ID         string
	Source     Endpoint
	Target     Endpoint
	Dependency int
	Error      *LinkError
	Points     []geometry.Point
}

// NewLink parses a stored link.
func NewLink(id string, data flowstore.LinkData) (*Link, error) {
	src, err := ParseEndpoint(data.From)
	if err != nil {
		return nil, &errors.InvalidLinkError{LinkID: id, From: data.From, To: data.To, Reason: err.Error()}
	}
	dst, err := ParseEndpoint(data.To)
	if err != nil {
		return nil, &errors.InvalidLinkError{LinkID: id, From: data.From, To: data.To, Reason: err.Error()}
	}
	return &Link{ID: id, Source: src, Target: dst, Dependency: data.Dependency}, nil
}

// Data returns the persisted form of the link.
func (l *Link) Data() flowstore.LinkData {
	return flowstore.LinkData{From: l.Source.String(), To: l.Target.String(), Dependency: l.Dependency}
}

// PairKey identifies the unordered port pair a link joins. Two links with
// the same key duplicate each other.
func (l *Link) PairKey() string {
	a, b := l.Source.String(), l.Target.String()
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Touches reports whether either endpoint is on node id.
func (l *Link) Touches(id string) bool {
	return l.Source.Node == id || l.Target.Node == id
}
