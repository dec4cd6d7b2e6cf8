// Package template resolves node and flow templates by name through an
// injected, per-session cache with change-driven invalidation.
package template

import (
	"encoding/json"
	"slices"

	"github.com/MOV-AI/flowedit/flowstore"
)

// Kind selects a template namespace.
type Kind string

// Template kinds
const (
	KindNode Kind = "Node"
	KindFlow Kind = "Flow"
)

// Port directions
const (
	DirectionIn  = "In"
	DirectionOut = "Out"
)

// MessageAny links to every message type.
const MessageAny = "Any"

// PortTemplate describes one port instance of a node template.
type PortTemplate struct {
	Transport string `json:"Template"`
	Message   string `json:"Message"`
	Callback  string `json:"Callback,omitempty"`
	Direction string `json:"Direction"`
}

// ParameterTemplate is a declared node or flow parameter.
type ParameterTemplate struct {
	Value       any    `json:"Value,omitempty"`
	Type        string `json:"Type,omitempty"`
	Description string `json:"Description,omitempty"`
}

// NodeTemplate defines the ports and parameters of a node type.
type NodeTemplate struct {
	Name        string                       `json:"Label"`
	Type        string                       `json:"Type,omitempty"`
	Description string                       `json:"Description,omitempty"`
	PortsInst   map[string]PortTemplate      `json:"PortsInst,omitempty"`
	Parameter   map[string]ParameterTemplate `json:"Parameter,omitempty"`
}

// Port returns a port template by instance name.
func (t *NodeTemplate) Port(name string) (PortTemplate, bool) {
	p, ok := t.PortsInst[name]
	return p, ok
}

// PortNames returns the port instance names of one direction, sorted.
func (t *NodeTemplate) PortNames(direction string) []string {
	var names []string
	for name, p := range t.PortsInst {
		if p.Direction == direction {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// FlowTemplate is a flow used as the sub-flow of a Container.
type FlowTemplate struct {
	Name     string
	Document *flowstore.Document
}

// ParameterNames returns the flow's declared parameter keys.
func (f *FlowTemplate) ParameterNames() map[string]struct{} {
	names := make(map[string]struct{}, len(f.Document.Parameter))
	for k := range f.Document.Parameter {
		names[k] = struct{}{}
	}
	return names
}

// ParseNodeTemplate decodes a JSON node template. An empty Label takes name.
func ParseNodeTemplate(name string, data []byte) (*NodeTemplate, error) {
	var t NodeTemplate
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Name == "" {
		t.Name = name
	}
	for portName, p := range t.PortsInst {
		if p.Message == "" {
			p.Message = MessageAny
			t.PortsInst[portName] = p
		}
	}
	return &t, nil
}
