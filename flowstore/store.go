package flowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MOV-AI/flowedit/errors"
)

// Loader reads a whole flow document.
type Loader interface {
	Load(ctx context.Context, flowID string) (*Document, error)
}

// Writer is the persistence contract the graph dispatches gestures to.
// Calls are fire-and-forget from the graph's point of view; the resulting
// change comes back through the change bus like any remote edit.
type Writer interface {
	AddLink(ctx context.Context, flowID, id string, link LinkData) error
	DeleteNode(ctx context.Context, flowID, section, id string) error
	DeleteLink(ctx context.Context, flowID, id string) error
	SetLinkDependency(ctx context.Context, flowID, id string, level int) error
	AddNewNode(ctx context.Context, flowID, section, id string, data NodeData) error
	SetNodePosition(ctx context.Context, flowID, section, id string, x, y float64) error
	SetExposedPorts(ctx context.Context, flowID, template string, nodes map[string][]string) error
}

// Store is a full flow document backend.
type Store interface {
	Loader
	Writer
	Save(ctx context.Context, flowID string, doc *Document) error
}

// Entry is one stored unit of a document: a node, link, exposed ports
// template or flow parameter.
type Entry struct {
	Section string
	ID      string
	Value   json.RawMessage
}

// Entries splits a document into its stored units.
func (d *Document) Entries() ([]Entry, error) {
	var entries []Entry
	add := func(section, id string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", section, id, err)
		}
		entries = append(entries, Entry{Section: section, ID: id, Value: raw})
		return nil
	}

	for id, n := range d.NodeInst {
		if err := add(SectionNodeInst, id, n); err != nil {
			return nil, err
		}
	}
	for id, n := range d.Container {
		if err := add(SectionContainer, id, n); err != nil {
			return nil, err
		}
	}
	for id, l := range d.Links {
		if err := add(SectionLinks, id, l); err != nil {
			return nil, err
		}
	}
	for tpl, nodes := range d.ExposedPorts {
		if err := add(SectionExposedPorts, tpl, nodes); err != nil {
			return nil, err
		}
	}
	for k, v := range d.Parameter {
		if err := add(SectionParameter, k, v); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// documentFromEntries rebuilds a document from stored units.
func documentFromEntries(entries []Entry) (*Document, error) {
	m := NewMirror("", nil, nil)
	for _, e := range entries {
		if err := m.setEntry(e.Section, e.ID, e.Value, true); err != nil {
			return nil, err
		}
	}
	return m.doc, nil
}

// checkID rejects ids that would break entry key encoding.
func checkID(method, kind, id string) error {
	if id == "" {
		return errors.WrapInvalid(nil, "flowstore", method, kind+" id cannot be empty")
	}
	if strings.ContainsAny(id, ".:*> ") {
		return errors.WrapInvalid(fmt.Errorf("%s id %q", kind, id), "flowstore", method, "id contains a reserved character")
	}
	return nil
}

func checkNodeSection(method, section string) error {
	if section != SectionNodeInst && section != SectionContainer {
		return errors.WrapInvalid(fmt.Errorf("section %q", section), "flowstore", method, "node section")
	}
	return nil
}
