// Package flowstore holds the at-rest flow document schema, a mirror that
// folds remote deltas into a merged document, and the NATS KV and Redis
// backed stores that load documents and persist editor changes.
package flowstore

import (
	"encoding/json"
	"reflect"
	"slices"
	"sort"

	"github.com/MOV-AI/flowedit/errors"
)

// Document sections
const (
	SectionNodeInst     = "NodeInst"
	SectionContainer    = "Container"
	SectionLinks        = "Links"
	SectionExposedPorts = "ExposedPorts"
	SectionParameter    = "Parameter"
)

// Well-known node entry keys
const (
	KeyTemplate       = "Template"
	KeyContainerFlow  = "ContainerFlow"
	KeyNodeLabel      = "NodeLabel"
	KeyContainerLabel = "ContainerLabel"
	KeyVisualization  = "Visualization"
	KeyParameter      = "Parameter"
	KeyNodeLayers     = "NodeLayers"
)

// Document is a flow as stored: node instances, sub-flow containers, links,
// exposed ports and flow parameters.
type Document struct {
	Label        string              `json:"Label,omitempty"`
	NodeInst     map[string]NodeData `json:"NodeInst,omitempty"`
	Container    map[string]NodeData `json:"Container,omitempty"`
	Links        map[string]LinkData `json:"Links,omitempty"`
	ExposedPorts ExposedPorts        `json:"ExposedPorts,omitempty"`
	Parameter    map[string]any      `json:"Parameter,omitempty"`
}

// NewDocument returns an empty document with every section allocated.
func NewDocument() *Document {
	return &Document{
		NodeInst:     map[string]NodeData{},
		Container:    map[string]NodeData{},
		Links:        map[string]LinkData{},
		ExposedPorts: ExposedPorts{},
		Parameter:    map[string]any{},
	}
}

// ParseDocument decodes a JSON flow document.
func ParseDocument(data []byte) (*Document, error) {
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.WrapInvalid(err, "flowstore", "ParseDocument", "decode flow document")
	}
	doc.normalize()
	return doc, nil
}

func (d *Document) normalize() {
	if d.NodeInst == nil {
		d.NodeInst = map[string]NodeData{}
	}
	if d.Container == nil {
		d.Container = map[string]NodeData{}
	}
	if d.Links == nil {
		d.Links = map[string]LinkData{}
	}
	if d.ExposedPorts == nil {
		d.ExposedPorts = ExposedPorts{}
	}
	if d.Parameter == nil {
		d.Parameter = map[string]any{}
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := NewDocument()
	out.Label = d.Label
	for id, n := range d.NodeInst {
		out.NodeInst[id] = n.Clone()
	}
	for id, n := range d.Container {
		out.Container[id] = n.Clone()
	}
	for id, l := range d.Links {
		out.Links[id] = l
	}
	out.ExposedPorts = d.ExposedPorts.Clone()
	for k, v := range d.Parameter {
		out.Parameter[k] = deepCopy(v)
	}
	return out
}

// Nodes returns the node entries of one section, or nil for other sections.
func (d *Document) Nodes(section string) map[string]NodeData {
	switch section {
	case SectionNodeInst:
		return d.NodeInst
	case SectionContainer:
		return d.Container
	}
	return nil
}

// LookupNode finds a node entry in either node section.
func (d *Document) LookupNode(id string) (NodeData, string, bool) {
	if n, ok := d.NodeInst[id]; ok {
		return n, SectionNodeInst, true
	}
	if n, ok := d.Container[id]; ok {
		return n, SectionContainer, true
	}
	return nil, "", false
}

// NodeData is one NodeInst or Container entry. Keys are template-defined,
// so the entry is kept loosely typed with accessors for the known keys.
type NodeData map[string]any

// Clone returns a deep copy of the entry.
func (n NodeData) Clone() NodeData {
	if n == nil {
		return nil
	}
	out := make(NodeData, len(n))
	for k, v := range n {
		out[k] = deepCopy(v)
	}
	return out
}

// Merge returns a copy of n with every key of incoming applied over it.
func (n NodeData) Merge(incoming NodeData) NodeData {
	out := n.Clone()
	if out == nil {
		out = NodeData{}
	}
	for k, v := range incoming {
		out[k] = deepCopy(v)
	}
	return out
}

// Equal reports whether both entries hold the same keys and values.
func (n NodeData) Equal(other NodeData) bool {
	return len(n.ChangedKeys(other)) == 0
}

// ChangedKeys returns, sorted, the keys whose values differ between n and
// other, including keys present in only one of them.
func (n NodeData) ChangedKeys(other NodeData) []string {
	var keys []string
	for k, v := range n {
		if ov, ok := other[k]; !ok || !reflect.DeepEqual(normalizeJSON(v), normalizeJSON(ov)) {
			keys = append(keys, k)
		}
	}
	for k := range other {
		if _, ok := n[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (n NodeData) str(key string) string {
	s, _ := n[key].(string)
	return s
}

// Template returns the node template name.
func (n NodeData) Template() string { return n.str(KeyTemplate) }

// ContainerFlow returns the sub-flow a Container embeds.
func (n NodeData) ContainerFlow() string { return n.str(KeyContainerFlow) }

// Label returns the display label, if any.
func (n NodeData) Label() string {
	if l := n.str(KeyNodeLabel); l != "" {
		return l
	}
	return n.str(KeyContainerLabel)
}

// Visualization returns the stored position. Both {"x":{"Value":1}} and
// {"x":1} shapes are accepted.
func (n NodeData) Visualization() (x, y float64, ok bool) {
	vis, isMap := n[KeyVisualization].(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	x, okX := coordinate(vis["x"])
	y, okY := coordinate(vis["y"])
	return x, y, okX && okY
}

func coordinate(v any) (float64, bool) {
	if m, ok := v.(map[string]any); ok {
		v = m["Value"]
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Parameters returns instance parameter values keyed by name. Values stored
// as {"Value": v} are unwrapped.
func (n NodeData) Parameters() map[string]any {
	raw, _ := n[KeyParameter].(map[string]any)
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if m, ok := v.(map[string]any); ok {
			if inner, has := m["Value"]; has {
				out[k] = inner
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Layers returns the layer ids the node is visible on.
func (n NodeData) Layers() []int {
	var layers []int
	switch raw := n[KeyNodeLayers].(type) {
	case []any:
		for _, v := range raw {
			if f, ok := toFloat(v); ok {
				layers = append(layers, int(f))
			}
		}
	case []int:
		layers = append(layers, raw...)
	}
	slices.Sort(layers)
	return layers
}

// VisualizationValue builds the Visualization entry for a position.
func VisualizationValue(x, y float64) map[string]any {
	return map[string]any{
		"x": map[string]any{"Value": x},
		"y": map[string]any{"Value": y},
	}
}

// Dependency levels
const (
	DependencyBoth     = 0
	DependencyFromOnly = 1
	DependencyToOnly   = 2
	DependencyNone     = 3
)

// LinkData is one Links entry. From and To use the "node/port" syntax.
type LinkData struct {
	From       string `json:"From"`
	To         string `json:"To"`
	Dependency int    `json:"Dependency"`
}

// Validate checks the endpoint strings and dependency range.
func (l LinkData) Validate() error {
	if l.From == "" || l.To == "" {
		return errors.WrapInvalid(errors.ErrInvalidLink, "flowstore", "LinkData.Validate", "link endpoints cannot be empty")
	}
	if l.Dependency < DependencyBoth || l.Dependency > DependencyNone {
		return errors.WrapInvalid(errors.ErrInvalidLink, "flowstore", "LinkData.Validate", "dependency out of range")
	}
	return nil
}

// ExposedPorts maps template name to node instance name to exposed ports.
type ExposedPorts map[string]map[string][]string

// Clone returns a deep copy.
func (e ExposedPorts) Clone() ExposedPorts {
	out := make(ExposedPorts, len(e))
	for tpl, nodes := range e {
		inner := make(map[string][]string, len(nodes))
		for node, ports := range nodes {
			inner[node] = slices.Clone(ports)
		}
		out[tpl] = inner
	}
	return out
}

// Has reports whether the port is exposed.
func (e ExposedPorts) Has(tpl, node, port string) bool {
	return slices.Contains(e[tpl][node], port)
}

// Set exposes or hides one port, dropping empty inner maps.
func (e ExposedPorts) Set(tpl, node, port string, exposed bool) {
	ports := e[tpl][node]
	idx := slices.Index(ports, port)
	switch {
	case exposed && idx < 0:
		if e[tpl] == nil {
			e[tpl] = map[string][]string{}
		}
		e[tpl][node] = append(ports, port)
	case !exposed && idx >= 0:
		ports = slices.Delete(slices.Clone(ports), idx, idx+1)
		if len(ports) == 0 {
			delete(e[tpl], node)
			if len(e[tpl]) == 0 {
				delete(e, tpl)
			}
			return
		}
		e[tpl][node] = ports
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case NodeData:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	case []string:
		return slices.Clone(t)
	case []int:
		return slices.Clone(t)
	}
	return v
}

// normalizeJSON maps Go-built values onto the shapes json.Unmarshal
// produces, so locally built and decoded entries compare equal.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeJSON(vv)
		}
		return out
	case NodeData:
		return normalizeJSON(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeJSON(vv)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = float64(n)
		}
		return out
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}
