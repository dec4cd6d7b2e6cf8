package flowgraph

import (
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/validation"
)

// EventType names a graph change.
type EventType string

// Graph events
const (
	EventLoaded       EventType = "loaded"
	EventNodeAdded    EventType = "node_added"
	EventNodeUpdated  EventType = "node_updated"
	EventNodeMoved    EventType = "node_moved"
	EventNodeRemoved  EventType = "node_removed"
	EventNodeStatus   EventType = "node_status"
	EventLinkAdded    EventType = "link_added"
	EventLinkUpdated  EventType = "link_updated"
	EventLinkRemoved  EventType = "link_removed"
	EventPortExposed  EventType = "port_exposed"
	EventSelection    EventType = "selection"
	EventValidated    EventType = "validated"
	EventInvalidLinks EventType = "invalid_links"
)

// Event tells observers what changed. Observers read the entity itself
// from the graph.
type Event struct {
	Type   EventType
	FlowID string
	Node   string
	Link   string
	Port   string

	Validation   *validation.Result
	InvalidLinks []*errors.InvalidLinkError
}
