package flowstore

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MOV-AI/flowedit/errors"
)

// Event is the kind of change a Delta carries.
type Event string

// Delta events
const (
	EventHSet Event = "hset"
	EventHDel Event = "hdel"
	EventDel  Event = "del"
)

// Delta is one partial change to a flow document. Path addresses the
// changed part: empty for the whole document, then section, entry id and
// optionally a field within the entry.
type Delta struct {
	Event   Event           `json:"event"`
	FlowID  string          `json:"flow"`
	Path    []string        `json:"path,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Replace bool            `json:"replace,omitempty"`
}

// Key renders the delta path as a single dotted key for logging.
func (d Delta) Key() string {
	key := d.FlowID
	for _, p := range d.Path {
		key += "." + p
	}
	return key
}

// Mirror folds deltas for one flow into a merged document. It is not safe
// for concurrent use; the owning session applies deltas on its event loop.
type Mirror struct {
	flowID string
	doc    *Document
	logger *slog.Logger
}

// NewMirror starts a mirror from a loaded document. A nil document starts empty.
func NewMirror(flowID string, doc *Document, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	if doc == nil {
		doc = NewDocument()
	} else {
		doc = doc.Clone()
	}
	return &Mirror{
		flowID: flowID,
		doc:    doc,
		logger: logger.With("component", "flowstore.Mirror", "flow_id", flowID),
	}
}

// Document returns a copy of the merged document.
func (m *Mirror) Document() *Document {
	return m.doc.Clone()
}

// Apply merges one delta and returns a copy of the resulting document.
// Incoming keys win over held keys. Deltas for another flow are rejected.
// A rejected delta leaves the document as it was, even when part of it
// decoded.
func (m *Mirror) Apply(d Delta) (*Document, error) {
	if d.FlowID != "" && d.FlowID != m.flowID {
		return nil, errors.WrapInvalid(fmt.Errorf("delta for flow %q", d.FlowID), "flowstore", "Mirror.Apply", "match flow")
	}

	held := m.doc
	m.doc = held.Clone()
	var err error
	switch d.Event {
	case EventHSet:
		err = m.set(d)
	case EventHDel:
		err = m.remove(d.Path)
	case EventDel:
		err = m.reset(d.Path)
	default:
		err = fmt.Errorf("unknown event %q", d.Event)
	}
	if err != nil {
		m.doc = held
		m.logger.Debug("Delta rejected", "key", d.Key(), "error", err)
		return nil, errors.WrapInvalid(err, "flowstore", "Mirror.Apply", "apply delta")
	}
	return m.doc.Clone(), nil
}

func (m *Mirror) set(d Delta) error {
	switch len(d.Path) {
	case 0:
		incoming, err := ParseDocument(d.Value)
		if err != nil {
			return err
		}
		m.mergeDocument(incoming, d.Replace)
		return nil
	case 1:
		return m.setSection(d.Path[0], d.Value, d.Replace)
	case 2:
		return m.setEntry(d.Path[0], d.Path[1], d.Value, d.Replace)
	default:
		return m.setField(d.Path[0], d.Path[1], d.Path[2:], d.Value)
	}
}

func (m *Mirror) mergeDocument(in *Document, replace bool) {
	if in.Label != "" {
		m.doc.Label = in.Label
	}
	for _, section := range []string{SectionNodeInst, SectionContainer} {
		held := m.doc.Nodes(section)
		for id, n := range in.Nodes(section) {
			held[id] = mergeNode(held[id], n, replace)
		}
	}
	for id, l := range in.Links {
		m.doc.Links[id] = l
	}
	for tpl, nodes := range in.ExposedPorts {
		m.doc.ExposedPorts[tpl] = nodes
	}
	for k, v := range in.Parameter {
		m.doc.Parameter[k] = v
	}
}

func mergeNode(held, incoming NodeData, replace bool) NodeData {
	if replace || held == nil {
		return incoming.Clone()
	}
	return held.Merge(incoming)
}

func (m *Mirror) setSection(section string, raw json.RawMessage, replace bool) error {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode section %s: %w", section, err)
	}
	for id, v := range entries {
		if err := m.setEntry(section, id, v, replace); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) setEntry(section, id string, raw json.RawMessage, replace bool) error {
	switch section {
	case SectionNodeInst, SectionContainer:
		var n NodeData
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decode %s/%s: %w", section, id, err)
		}
		held := m.doc.Nodes(section)
		held[id] = mergeNode(held[id], n, replace)
	case SectionLinks:
		var l LinkData
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("decode link %s: %w", id, err)
		}
		m.doc.Links[id] = l
	case SectionExposedPorts:
		var nodes map[string][]string
		if err := json.Unmarshal(raw, &nodes); err != nil {
			return fmt.Errorf("decode exposed ports %s: %w", id, err)
		}
		if len(nodes) == 0 {
			delete(m.doc.ExposedPorts, id)
			return nil
		}
		m.doc.ExposedPorts[id] = nodes
	case SectionParameter:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode parameter %s: %w", id, err)
		}
		m.doc.Parameter[id] = v
	default:
		return fmt.Errorf("unknown section %q", section)
	}
	return nil
}

func (m *Mirror) setField(section, id string, field []string, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode field %v: %w", field, err)
	}

	switch section {
	case SectionNodeInst, SectionContainer:
		held := m.doc.Nodes(section)
		n, ok := held[id]
		if !ok {
			return fmt.Errorf("%s/%s: %w", section, id, errors.ErrNodeNotFound)
		}
		n = n.Clone()
		setNested(n, field, v)
		held[id] = n
	case SectionLinks:
		l, ok := m.doc.Links[id]
		if !ok {
			return fmt.Errorf("link %s not held", id)
		}
		fields, err := linkFields(l)
		if err != nil {
			return err
		}
		setNested(fields, field, v)
		next, err := linkFromFields(fields)
		if err != nil {
			return err
		}
		m.doc.Links[id] = next
	case SectionExposedPorts:
		ports, ok := v.([]any)
		if !ok || len(field) != 1 {
			return fmt.Errorf("exposed ports %s/%v: want a port list", id, field)
		}
		names := make([]string, 0, len(ports))
		for _, p := range ports {
			if s, isStr := p.(string); isStr {
				names = append(names, s)
			}
		}
		if m.doc.ExposedPorts[id] == nil {
			m.doc.ExposedPorts[id] = map[string][]string{}
		}
		m.doc.ExposedPorts[id][field[0]] = names
	default:
		return fmt.Errorf("section %q has no fields", section)
	}
	return nil
}

func (m *Mirror) remove(path []string) error {
	switch len(path) {
	case 0, 1:
		return fmt.Errorf("hdel needs an entry path")
	case 2:
		section, id := path[0], path[1]
		switch section {
		case SectionNodeInst, SectionContainer:
			delete(m.doc.Nodes(section), id)
		case SectionLinks:
			delete(m.doc.Links, id)
		case SectionExposedPorts:
			delete(m.doc.ExposedPorts, id)
		case SectionParameter:
			delete(m.doc.Parameter, id)
		default:
			return fmt.Errorf("unknown section %q", section)
		}
		return nil
	}

	section, id, field := path[0], path[1], path[2:]
	switch section {
	case SectionNodeInst, SectionContainer:
		held := m.doc.Nodes(section)
		n, ok := held[id]
		if !ok {
			return nil
		}
		n = n.Clone()
		deleteNested(n, field)
		held[id] = n
	case SectionExposedPorts:
		delete(m.doc.ExposedPorts[id], field[0])
		if len(m.doc.ExposedPorts[id]) == 0 {
			delete(m.doc.ExposedPorts, id)
		}
	default:
		return fmt.Errorf("section %q has no removable fields", section)
	}
	return nil
}

func (m *Mirror) reset(path []string) error {
	if len(path) == 0 {
		m.doc = NewDocument()
		return nil
	}
	switch path[0] {
	case SectionNodeInst:
		m.doc.NodeInst = map[string]NodeData{}
	case SectionContainer:
		m.doc.Container = map[string]NodeData{}
	case SectionLinks:
		m.doc.Links = map[string]LinkData{}
	case SectionExposedPorts:
		m.doc.ExposedPorts = ExposedPorts{}
	case SectionParameter:
		m.doc.Parameter = map[string]any{}
	default:
		return fmt.Errorf("unknown section %q", path[0])
	}
	return nil
}

func setNested(target map[string]any, path []string, v any) {
	for _, key := range path[:len(path)-1] {
		next, ok := target[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[key] = next
		}
		target = next
	}
	target[path[len(path)-1]] = v
}

func deleteNested(target map[string]any, path []string) {
	for _, key := range path[:len(path)-1] {
		next, ok := target[key].(map[string]any)
		if !ok {
			return
		}
		target = next
	}
	delete(target, path[len(path)-1])
}

func linkFields(l LinkData) (map[string]any, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	err = json.Unmarshal(data, &fields)
	return fields, err
}

func linkFromFields(fields map[string]any) (LinkData, error) {
	var l LinkData
	data, err := json.Marshal(fields)
	if err != nil {
		return l, err
	}
	err = json.Unmarshal(data, &l)
	return l, err
}
