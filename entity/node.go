// Package entity defines the graph's nodes, ports and links. Nodes are a
// tagged variant; per-kind behavior lives in a capability table.
package entity

import (
	"context"
	"fmt"
	"slices"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/template"
)

// Kind discriminates node variants.
type Kind string

// Node kinds
const (
	KindNodeInst  Kind = "NodeInst"
	KindContainer Kind = "Container"
	KindState     Kind = "State"
	KindStart     Kind = "Start"
)

// StartID is the reserved id of the flow entry node.
const StartID = "start"

// StartPort is the single output port of the start node.
const StartPort = "start"

// KeyType marks a NodeInst entry as a state when set to "State".
const KeyType = "Type"

// Templates resolves the templates nodes are built from.
type Templates interface {
	GetNode(ctx context.Context, name string) (*template.NodeTemplate, error)
	GetFlow(ctx context.Context, name string) (*template.FlowTemplate, error)
}

// capabilities is the per-kind behavior of a node.
type capabilities struct {
	section     string
	required    []string
	templateRef func(flowstore.NodeData) string
	loadPorts   func(ctx context.Context, templates Templates, n *Node) error
	exposedName func(n *Node, p *Port) string
}

var kindTable = map[Kind]capabilities{
	KindNodeInst: {
		section:     flowstore.SectionNodeInst,
		required:    []string{flowstore.KeyTemplate},
		templateRef: flowstore.NodeData.Template,
		loadPorts:   loadTemplatePorts,
		exposedName: qualifiedPortName,
	},
	KindState: {
		section:     flowstore.SectionNodeInst,
		required:    []string{flowstore.KeyTemplate},
		templateRef: flowstore.NodeData.Template,
		loadPorts:   loadTemplatePorts,
		exposedName: qualifiedPortName,
	},
	KindContainer: {
		section:     flowstore.SectionContainer,
		required:    []string{flowstore.KeyContainerFlow},
		templateRef: flowstore.NodeData.ContainerFlow,
		loadPorts:   loadContainerPorts,
		exposedName: qualifiedPortName,
	},
	KindStart: {
		section:     flowstore.SectionNodeInst,
		templateRef: func(flowstore.NodeData) string { return "" },
		loadPorts:   loadStartPorts,
		exposedName: func(*Node, *Port) string { return "" },
	},
}

// noReloadRequired lists the keys an update applies in place. A change to
// any other key rebuilds the node from its template.
var noReloadRequired = map[string]bool{
	flowstore.KeyVisualization: true,
	flowstore.KeyParameter:     true,
	flowstore.KeyNodeLayers:    true,
}

// KindOf picks the node kind for a stored entry.
func KindOf(section, id string, data flowstore.NodeData) Kind {
	switch {
	case id == StartID:
		return KindStart
	case section == flowstore.SectionContainer:
		return KindContainer
	case data[KeyType] == string(KindState):
		return KindState
	}
	return KindNodeInst
}

// Node is a graph vertex. It is owned by one graph and mutated only on
// that graph's event loop.
type Node struct {
	ID          string
	Kind        Kind
	Label       string
	TemplateRef string
	Position    geometry.Point
	Parameters  map[string]any
	Layers      []int
	Status      string
	Data        flowstore.NodeData
	Selected    bool

	// TemplateParams is the parameter set of a Container's sub-flow.
	TemplateParams map[string]struct{}

	// MissingPorts names exposed ports that could not be resolved.
	MissingPorts []string

	ins       []*Port
	outs      []*Port
	ports     map[string]*Port
	destroyed bool
}

// CreateNode builds a node and its ports. It may block on the template
// store, so callers run it off the event loop.
func CreateNode(ctx context.Context, templates Templates, canvas geometry.Canvas, id string, kind Kind, data flowstore.NodeData) (*Node, error) {
	caps, ok := kindTable[kind]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("kind %q", kind), "entity", "CreateNode", "resolve node kind")
	}
	n := &Node{
		ID:    id,
		Kind:  kind,
		Data:  data.Clone(),
		ports: map[string]*Port{},
	}
	if n.Data == nil {
		n.Data = flowstore.NodeData{}
	}
	if !n.IsValid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "entity", "CreateNode",
			fmt.Sprintf("node %s misses a required field", id))
	}
	n.apply(canvas)
	n.TemplateRef = caps.templateRef(n.Data)
	if err := caps.loadPorts(ctx, templates, n); err != nil {
		return nil, errors.Wrap(err, "entity", "CreateNode", "load ports of "+id)
	}
	return n, nil
}

// NewStartNode returns the reserved start node.
func NewStartNode(canvas geometry.Canvas) *Node {
	n, _ := CreateNode(context.Background(), nil, canvas, StartID, KindStart, flowstore.NodeData{
		flowstore.KeyVisualization: flowstore.VisualizationValue(50, 50),
	})
	return n
}

// Section returns the document section the node is stored in.
func (n *Node) Section() string {
	return SectionFor(n.Kind)
}

// SectionFor returns the document section nodes of kind are stored in.
func SectionFor(kind Kind) string {
	return kindTable[kind].section
}

// IsValid reports whether every required field is present.
func (n *Node) IsValid() bool {
	return HasRequired(n.Kind, n.Data)
}

// HasRequired reports whether data carries every field kind requires.
func HasRequired(kind Kind, data flowstore.NodeData) bool {
	for _, key := range kindTable[kind].required {
		if v, ok := data[key]; !ok || v == nil || v == "" {
			return false
		}
	}
	return true
}

// Update applies new stored data. Changes confined to position, parameters
// and layers are applied in place; any other change returns rebuild=true
// and leaves the node untouched.
func (n *Node) Update(data flowstore.NodeData, canvas geometry.Canvas) (changed, rebuild bool) {
	keys := n.Data.ChangedKeys(data)
	if len(keys) == 0 {
		return false, false
	}
	for _, k := range keys {
		if !noReloadRequired[k] {
			return true, true
		}
	}
	n.Data = data.Clone()
	n.apply(canvas)
	return true, false
}

func (n *Node) apply(canvas geometry.Canvas) {
	n.Label = n.Data.Label()
	if n.Label == "" {
		n.Label = n.ID
	}
	if x, y, ok := n.Data.Visualization(); ok {
		n.Position = canvas.FromStored(x, y)
	}
	n.Parameters = n.Data.Parameters()
	n.Layers = n.Data.Layers()
}

// Destroy releases the node's ports. A destroyed node is never reused.
func (n *Node) Destroy() {
	n.ins, n.outs = nil, nil
	n.ports = map[string]*Port{}
	n.destroyed = true
}

// Destroyed reports whether Destroy was called.
func (n *Node) Destroyed() bool {
	return n.destroyed
}

// AddPort attaches a port. Names are unique within a node.
func (n *Node) AddPort(p *Port) error {
	if _, dup := n.ports[p.Name]; dup {
		return errors.WrapInvalid(fmt.Errorf("port %s/%s exists", n.ID, p.Name), "entity", "AddPort", "add port")
	}
	if p.Direction != In && p.Direction != Out {
		return errors.WrapInvalid(fmt.Errorf("port %s/%s direction %q", n.ID, p.Name, p.Direction), "entity", "AddPort", "add port")
	}
	p.Node = n.ID
	if p.Direction == In {
		p.index = len(n.ins)
		n.ins = append(n.ins, p)
	} else {
		p.index = len(n.outs)
		n.outs = append(n.outs, p)
	}
	n.ports[p.Name] = p
	return nil
}

// RemovePort detaches a port by name.
func (n *Node) RemovePort(name string) bool {
	p, ok := n.ports[name]
	if !ok {
		return false
	}
	delete(n.ports, name)
	if p.Direction == In {
		n.ins = removeAndReindex(n.ins, p)
	} else {
		n.outs = removeAndReindex(n.outs, p)
	}
	return true
}

func removeAndReindex(ports []*Port, p *Port) []*Port {
	ports = slices.DeleteFunc(ports, func(q *Port) bool { return q == p })
	for i, q := range ports {
		q.index = i
	}
	return ports
}

// Port looks a port up by name.
func (n *Node) Port(name string) (*Port, bool) {
	p, ok := n.ports[name]
	return p, ok
}

// Ports returns input ports then output ports, each in template order.
func (n *Node) Ports() []*Port {
	return append(slices.Clone(n.ins), n.outs...)
}

// Size returns the node box size.
func (n *Node) Size() geometry.Point {
	return geometry.NodeSize(len(n.ins), len(n.outs))
}

// PortAnchor returns the canvas position of a port.
func (n *Node) PortAnchor(name string) (geometry.Point, bool) {
	p, ok := n.ports[name]
	if !ok {
		return geometry.Point{}, false
	}
	if p.Direction == In {
		return geometry.InPort(n.Position, p.index), true
	}
	return geometry.OutPort(n.Position, p.index), true
}

// MoveBy shifts the node, keeping it inside the canvas.
func (n *Node) MoveBy(delta geometry.Point, canvas geometry.Canvas) {
	n.Position = canvas.Clamp(n.Position.Add(delta), n.Size())
}

// ExposedName is the name a port takes when surfaced by the enclosing
// container.
func (n *Node) ExposedName(p *Port) string {
	return kindTable[n.Kind].exposedName(n, p)
}

// ExposedKey returns the ExposedPorts template key of the node.
func (n *Node) ExposedKey() string {
	return n.TemplateRef
}

func qualifiedPortName(n *Node, p *Port) string {
	return n.ID + NestedSeparator + p.Name
}

func loadStartPorts(_ context.Context, _ Templates, n *Node) error {
	return n.AddPort(&Port{Name: StartPort, Direction: Out, Message: template.MessageAny})
}

func loadTemplatePorts(ctx context.Context, templates Templates, n *Node) error {
	tpl, err := templates.GetNode(ctx, n.TemplateRef)
	if err != nil {
		return err
	}
	for _, dir := range []string{template.DirectionIn, template.DirectionOut} {
		for _, name := range tpl.PortNames(dir) {
			if err := n.AddPort(portFromTemplate(n.ID, name, tpl.PortsInst[name])); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadContainerPorts surfaces the sub-flow's exposed ports as the
// container's own, named <inner node>__<port>.
func loadContainerPorts(ctx context.Context, templates Templates, n *Node) error {
	flow, err := templates.GetFlow(ctx, n.TemplateRef)
	if err != nil {
		return err
	}
	n.TemplateParams = flow.ParameterNames()

	var resolved []*Port
	for _, tplName := range sortedKeys(flow.Document.ExposedPorts) {
		nodes := flow.Document.ExposedPorts[tplName]
		for _, inner := range sortedKeys(nodes) {
			for _, portName := range nodes[inner] {
				pt, err := resolveExposedPort(ctx, templates, tplName, portName, 0)
				name := inner + NestedSeparator + portName
				if err != nil {
					n.MissingPorts = append(n.MissingPorts, name)
					continue
				}
				resolved = append(resolved, portFromTemplate(n.ID, name, pt))
			}
		}
	}
	for _, p := range resolved {
		if err := n.AddPort(p); err != nil {
			return err
		}
	}
	return nil
}

// maxNesting bounds sub-flow recursion so a flow embedding itself fails.
const maxNesting = 16

// resolveExposedPort finds the template of a port exposed from a node
// template, or from a nested container whose ports are qualified names.
func resolveExposedPort(ctx context.Context, templates Templates, tplName, portName string, depth int) (template.PortTemplate, error) {
	if depth > maxNesting {
		return template.PortTemplate{}, fmt.Errorf("%s/%s: nesting too deep: %w", tplName, portName, errors.ErrPortNotFound)
	}
	if tpl, err := templates.GetNode(ctx, tplName); err == nil {
		if pt, ok := tpl.Port(portName); ok {
			return pt, nil
		}
		return template.PortTemplate{}, fmt.Errorf("%s/%s: %w", tplName, portName, errors.ErrPortNotFound)
	} else if !errors.Is(err, errors.ErrTemplateNotFound) {
		return template.PortTemplate{}, err
	}

	flow, err := templates.GetFlow(ctx, tplName)
	if err != nil {
		return template.PortTemplate{}, err
	}
	for innerTpl, nodes := range flow.Document.ExposedPorts {
		for inner, ports := range nodes {
			for _, p := range ports {
				if inner+NestedSeparator+p == portName {
					return resolveExposedPort(ctx, templates, innerTpl, p, depth+1)
				}
			}
		}
	}
	return template.PortTemplate{}, fmt.Errorf("%s/%s: %w", tplName, portName, errors.ErrPortNotFound)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
