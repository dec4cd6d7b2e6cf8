// Package validation runs the structural rules of a flow graph and reports
// warnings for the editor to show.
package validation

import (
	"slices"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/errors"
)

// Warning types
const (
	WarningStartLink = "start_link"
	WarningMismatch  = "message_mismatch"
)

// Warning messages
const (
	MessageStartLink = "Start link(s) not found"
	MessageMismatch  = "Links between ports with different message types were found"
)

// Snapshot is the read view of a graph the rules run over.
type Snapshot interface {
	// Nodes returns every node sorted by id.
	Nodes() []*entity.Node
	// Links returns every link sorted by id.
	Links() []*entity.Link
	// ResolvePort returns the port at the source or target end of l.
	ResolvePort(l *entity.Link, source bool) (*entity.Port, bool)
}

// Warning is a user-facing validation finding.
type Warning struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Links   []string `json:"links,omitempty"`

	// IsRuntime warnings block the flow from being started.
	IsRuntime bool `json:"isRuntime"`
	// IsPersistent warnings stay until dismissed.
	IsPersistent bool `json:"isPersistent"`
}

// Result holds the outcome of ValidateFlow.
type Result struct {
	Warnings []Warning `json:"warnings"`
	// InvalidContainersParam lists containers whose instance parameters
	// are not declared by their sub-flow.
	InvalidContainersParam []string `json:"invalidContainersParam"`
}

// HasRuntimeWarnings reports whether any warning blocks execution.
func (r Result) HasRuntimeWarnings() bool {
	return slices.ContainsFunc(r.Warnings, func(w Warning) bool { return w.IsRuntime })
}

// Rule inspects a snapshot and adds its findings to the result.
type Rule func(g Snapshot, r *Result)

// DefaultRules returns the rules ValidateFlow runs, in order.
func DefaultRules() []Rule {
	return []Rule{StartLinkRule, MismatchRule, ContainerParamRule}
}

// ValidateFlow runs the default rules. MismatchRule annotates links in
// place, so it must run on the goroutine that owns the graph.
func ValidateFlow(g Snapshot) Result {
	return Run(g, DefaultRules()...)
}

// Run applies rules in order.
func Run(g Snapshot, rules ...Rule) Result {
	r := Result{Warnings: []Warning{}, InvalidContainersParam: []string{}}
	for _, rule := range rules {
		rule(g, &r)
	}
	return r
}

// StartLinkRule requires at least one link leaving the start node.
func StartLinkRule(g Snapshot, r *Result) {
	for _, l := range g.Links() {
		if l.Source.Node == entity.StartID {
			return
		}
	}
	r.Warnings = append(r.Warnings, Warning{
		Type:      WarningStartLink,
		Message:   MessageStartLink,
		IsRuntime: true,
	})
}

// MismatchRule flags links whose ports cannot be linked. Stale mismatch
// annotations from earlier runs are cleared first. Links with an
// unresolvable end are left alone.
func MismatchRule(g Snapshot, r *Result) {
	var bad []string
	for _, l := range g.Links() {
		if l.Error != nil && l.Error.Kind == errors.MisMatchMessageLink {
			l.Error = nil
		}
		src, ok := g.ResolvePort(l, true)
		if !ok {
			continue
		}
		dst, ok := g.ResolvePort(l, false)
		if !ok {
			continue
		}
		if entity.IsLinkeable(src, dst) {
			continue
		}
		l.Error = &entity.LinkError{
			Kind:   errors.MisMatchMessageLink,
			Detail: src.Message + " -> " + dst.Message,
		}
		bad = append(bad, l.ID)
	}
	if len(bad) == 0 {
		return
	}
	r.Warnings = append(r.Warnings, Warning{
		Type:         WarningMismatch,
		Message:      MessageMismatch,
		Links:        bad,
		IsPersistent: true,
	})
}

// ContainerParamRule collects containers carrying parameters their
// sub-flow does not declare.
func ContainerParamRule(g Snapshot, r *Result) {
	for _, n := range g.Nodes() {
		if n.Kind != entity.KindContainer {
			continue
		}
		for key := range n.Parameters {
			if _, ok := n.TemplateParams[key]; !ok {
				r.InvalidContainersParam = append(r.InvalidContainersParam, n.ID)
				break
			}
		}
	}
	slices.Sort(r.InvalidContainersParam)
}
