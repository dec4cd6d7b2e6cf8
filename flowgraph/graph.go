// Package flowgraph holds the editable graph of one flow. It reconciles
// remote document updates into nodes and links, applies user gestures
// optimistically and forwards them to the document store.
//
// A Graph is confined to its scheduler's loop: every method must be called
// from a callback running on that loop.
package flowgraph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/pkg/eventloop"
	"github.com/MOV-AI/flowedit/validation"
)

// PathStyle selects how link paths are drawn.
type PathStyle string

// Path styles
const (
	PathStraight   PathStyle = "straight"
	PathOrthogonal PathStyle = "orthogonal"
)

// Config configures a Graph.
type Config struct {
	FlowID    string
	Templates entity.Templates
	Scheduler eventloop.Scheduler
	// Outbox receives gesture persistence requests. Nil keeps gestures local.
	Outbox Outbox
	Canvas geometry.Canvas
	Paths  PathStyle
	// ValidationDebounce delays validation after template updates.
	ValidationDebounce time.Duration
	Metrics            *Metrics
	Logger             *slog.Logger
}

type nodeEntry struct {
	node  *entity.Node
	links []string
}

type pendingNode struct {
	token uint64
	kind  entity.Kind
	data  flowstore.NodeData
}

// Selection is the set of selected entities.
type Selection struct {
	Nodes []string `json:"nodes"`
	Link  string   `json:"link,omitempty"`
}

// Graph is the flat graph of one flow.
type Graph struct {
	cfg    Config
	logger *slog.Logger

	nodes   map[string]*nodeEntry
	links   map[string]*entity.Link
	pairs   map[string]string // PairKey -> link id
	exposed flowstore.ExposedPorts
	doc     *flowstore.Document

	selection Selection
	result    validation.Result

	// generation changes on every load and on destroy; async results
	// carrying an older generation are discarded.
	generation   uint64
	token        uint64
	pending      map[string]pendingNode
	pendingLinks map[string]flowstore.LinkData
	invalidLinks []*errors.InvalidLinkError
	rejected     map[string]flowstore.LinkData
	loading      bool
	revalidate   bool
	forceExposed bool

	// gestures not yet echoed back by the store
	localNodes *echoes
	localLinks *echoes

	dirtyLinks map[string]struct{}
	moved      map[string]struct{}
	frameAsked bool

	debouncer *validation.Debouncer
	observers map[int]func(Event)
	nextObs   int
	closers   []func() error
	destroyed bool
}

// New creates an empty graph holding only the start node.
func New(cfg Config) (*Graph, error) {
	if cfg.FlowID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "flowgraph", "New", "flow id is required")
	}
	if cfg.Templates == nil || cfg.Scheduler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "flowgraph", "New", "templates and scheduler are required")
	}
	if cfg.Canvas.Width <= 0 || cfg.Canvas.Height <= 0 {
		cfg.Canvas = geometry.Canvas{Width: 5000, Height: 5000}
	}
	if cfg.Paths == "" {
		cfg.Paths = PathStraight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Graph{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "flowgraph", "flow_id", cfg.FlowID),
		observers: map[int]func(Event){},
	}
	g.debouncer = validation.NewDebouncer(cfg.Scheduler, cfg.ValidationDebounce, g.validate)
	g.reset(flowstore.NewDocument())
	return g, nil
}

func (g *Graph) reset(doc *flowstore.Document) {
	for _, e := range g.nodes {
		e.node.Destroy()
	}
	start := entity.NewStartNode(g.cfg.Canvas)
	if data, ok := doc.NodeInst[entity.StartID]; ok {
		start.Update(data, g.cfg.Canvas)
	}
	g.nodes = map[string]*nodeEntry{entity.StartID: {node: start}}
	g.links = map[string]*entity.Link{}
	g.pairs = map[string]string{}
	g.exposed = flowstore.ExposedPorts{}
	g.doc = doc
	g.selection = Selection{}
	g.result = validation.Result{}
	g.generation++
	g.pending = map[string]pendingNode{}
	g.pendingLinks = map[string]flowstore.LinkData{}
	g.invalidLinks = nil
	g.rejected = map[string]flowstore.LinkData{}
	g.localNodes = newEchoes()
	g.localLinks = newEchoes()
	g.dirtyLinks = map[string]struct{}{}
	g.moved = map[string]struct{}{}
	g.debouncer.Cancel()
}

// FlowID returns the id of the flow the graph edits.
func (g *Graph) FlowID() string {
	return g.cfg.FlowID
}

// Canvas returns the drawable area.
func (g *Graph) Canvas() geometry.Canvas {
	return g.cfg.Canvas
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*entity.Node, bool) {
	e, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// HasNode reports whether id is held or waiting for its template.
func (g *Graph) HasNode(id string) bool {
	_, held := g.nodes[id]
	_, pending := g.pending[id]
	return held || pending
}

// NodeLinks returns the ids of the links touching a node.
func (g *Graph) NodeLinks(id string) []string {
	e, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return slices.Clone(e.links)
}

// Nodes returns every node sorted by id.
func (g *Graph) Nodes() []*entity.Node {
	out := make([]*entity.Node, 0, len(g.nodes))
	for _, id := range sortedKeys(g.nodes) {
		out = append(out, g.nodes[id].node)
	}
	return out
}

// Link returns a link by id.
func (g *Graph) Link(id string) (*entity.Link, bool) {
	l, ok := g.links[id]
	return l, ok
}

// Links returns every link sorted by id.
func (g *Graph) Links() []*entity.Link {
	out := make([]*entity.Link, 0, len(g.links))
	for _, id := range sortedKeys(g.links) {
		out = append(out, g.links[id])
	}
	return out
}

// ResolvePort returns the port at one end of a link.
func (g *Graph) ResolvePort(l *entity.Link, source bool) (*entity.Port, bool) {
	end := l.Target
	if source {
		end = l.Source
	}
	e, ok := g.nodes[end.Node]
	if !ok {
		return nil, false
	}
	return e.node.Port(end.Port)
}

// ExposedPorts returns a copy of the exposed port snapshot.
func (g *Graph) ExposedPorts() flowstore.ExposedPorts {
	return g.exposed.Clone()
}

// Document returns the last document reconciled into the graph.
func (g *Graph) Document() *flowstore.Document {
	return g.doc
}

// Selection returns the current selection.
func (g *Graph) Selection() Selection {
	return Selection{Nodes: slices.Clone(g.selection.Nodes), Link: g.selection.Link}
}

// Validation returns the latest validation result.
func (g *Graph) Validation() validation.Result {
	return g.result
}

// Loading reports whether a full load is waiting for node templates.
func (g *Graph) Loading() bool {
	return g.loading
}

// Observe registers fn for graph events. The returned func removes it.
func (g *Graph) Observe(fn func(Event)) func() {
	id := g.nextObs
	g.nextObs++
	g.observers[id] = fn
	return func() { delete(g.observers, id) }
}

// OnDestroy registers a func run by Destroy, typically an unsubscribe.
func (g *Graph) OnDestroy(fn func() error) {
	g.closers = append(g.closers, fn)
}

// Destroy releases every entity, runs the OnDestroy funcs and makes
// in-flight node creations discard their results.
func (g *Graph) Destroy() error {
	if g.destroyed {
		return nil
	}
	g.destroyed = true
	g.debouncer.Cancel()
	g.reset(flowstore.NewDocument())
	g.nodes[entity.StartID].node.Destroy()
	g.nodes = map[string]*nodeEntry{}
	g.cfg.Metrics.forget(g.cfg.FlowID)

	var errs []error
	for _, fn := range g.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	g.observers = map[int]func(Event){}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "flowgraph", "Destroy", "release subscriptions")
	}
	return nil
}

// Destroyed reports whether Destroy was called.
func (g *Graph) Destroyed() bool {
	return g.destroyed
}

func (g *Graph) emit(ev Event) {
	if g.destroyed {
		return
	}
	ev.FlowID = g.cfg.FlowID
	ids := make([]int, 0, len(g.observers))
	for id := range g.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if fn, ok := g.observers[id]; ok {
			fn(ev)
		}
	}
}

func (g *Graph) persist(name string, run func(ctx context.Context, w flowstore.Writer) error) {
	if g.cfg.Outbox == nil {
		return
	}
	g.cfg.Outbox.Dispatch(Op{Name: name, FlowID: g.cfg.FlowID, Run: run})
}

func (g *Graph) validate() {
	if g.destroyed {
		return
	}
	start := time.Now()
	g.result = validation.ValidateFlow(g)
	g.cfg.Metrics.validated(time.Since(start).Seconds())
	g.revalidate = false
	r := g.result
	g.emit(Event{Type: EventValidated, Validation: &r})
}

func (g *Graph) updateSize() {
	g.cfg.Metrics.size(g.cfg.FlowID, len(g.nodes), len(g.links))
}

func invalidLink(id string, data flowstore.LinkData, format string, args ...any) *errors.InvalidLinkError {
	return &errors.InvalidLinkError{LinkID: id, From: data.From, To: data.To, Reason: fmt.Sprintf(format, args...)}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
