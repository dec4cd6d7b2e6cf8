// Package exposed computes which container ports change exposure between
// two ExposedPorts snapshots and applies the changes to graph ports.
package exposed

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/flowstore"
)

// Key addresses one port in the flattened exposed-port space.
type Key struct {
	Template string
	Node     string
	Port     string
}

// String renders the key as "template,node,port".
func (k Key) String() string {
	return k.Template + "," + k.Node + "," + k.Port
}

// Change sets the exposed flag of one port.
type Change struct {
	Template string `json:"template"`
	Node     string `json:"node"`
	Port     string `json:"port"`
	Value    bool   `json:"value"`
}

// Flatten turns a snapshot into its key set.
func Flatten(e flowstore.ExposedPorts) map[Key]bool {
	out := map[Key]bool{}
	for tpl, nodes := range e {
		for node, ports := range nodes {
			for _, port := range ports {
				out[Key{Template: tpl, Node: node, Port: port}] = true
			}
		}
	}
	return out
}

// Diff returns the ports whose exposure differs between prev and next.
// With forceAll every key of either snapshot is returned with its value
// in next. Changes are sorted by template, node and port.
func Diff(prev, next flowstore.ExposedPorts, forceAll bool) []Change {
	before, after := Flatten(prev), Flatten(next)

	var changes []Change
	add := func(k Key, v bool) {
		changes = append(changes, Change{Template: k.Template, Node: k.Node, Port: k.Port, Value: v})
	}
	for k := range after {
		if forceAll || !before[k] {
			add(k, true)
		}
	}
	for k := range before {
		if !after[k] {
			add(k, false)
		}
	}
	slices.SortFunc(changes, func(a, b Change) int {
		return cmp.Or(
			cmp.Compare(a.Template, b.Template),
			cmp.Compare(a.Node, b.Node),
			cmp.Compare(a.Port, b.Port),
		)
	})
	return changes
}

// NodeLookup finds a node by id.
type NodeLookup func(id string) (*entity.Node, bool)

// Apply sets Port.Exposed for each change and returns the ports it
// touched. Changes naming an unknown node or port are logged and skipped.
func Apply(changes []Change, lookup NodeLookup, logger *slog.Logger) []*entity.Port {
	if logger == nil {
		logger = slog.Default()
	}
	var touched []*entity.Port
	for _, c := range changes {
		n, ok := lookup(c.Node)
		if !ok {
			logger.Warn("Exposed port references unknown node",
				"template", c.Template, "node_id", c.Node, "port", c.Port)
			continue
		}
		p, ok := n.Port(c.Port)
		if !ok {
			logger.Warn("Exposed port references unknown port",
				"template", c.Template, "node_id", c.Node, "port", c.Port)
			continue
		}
		if p.Exposed != c.Value {
			p.Exposed = c.Value
			touched = append(touched, p)
		}
	}
	return touched
}
