// Package treeview renders a flow and every sub-flow it embeds as one tree
// of entities for monitoring. Nodes are addressed by qualified name
// (c1__n2); the tree is read-mostly and only node status changes in place.
package treeview

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/template"
	"github.com/MOV-AI/flowedit/validation"
)

// DefaultMaxDepth bounds sub-flow nesting.
const DefaultMaxDepth = 16

// Config configures a View.
type Config struct {
	Loader    flowstore.Loader
	Templates entity.Templates
	Canvas    geometry.Canvas
	MaxDepth  int
	Logger    *slog.Logger
}

// Item is one entity of the tree. The root has an empty Name; once a flow
// is loaded its Node is a container standing for that flow.
type Item struct {
	Name   string
	Parent string
	Node   *entity.Node
	// FlowID is the flow whose nodes are the item's children.
	FlowID string
	Depth  int

	children []string
}

// Link is a link resolved to the innermost nodes it joins.
type Link struct {
	*entity.Link
	Scope      string
	SourceNode string
	TargetNode string
}

// EventType names a tree change.
type EventType string

// Tree events
const (
	EventLoaded     EventType = "loaded"
	EventLinkAdded  EventType = "link_added"
	EventNodeStatus EventType = "node_status"
)

// Event tells observers what changed.
type Event struct {
	Type   EventType
	FlowID string
	Name   string
}

// View holds the tree of the last completed load. It is safe for
// concurrent use. Entities it returns must not be mutated.
type View struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	tree      *tree
	started   uint64
	applied   uint64
	observers map[int]func(Event)
	nextObs   int
}

// New creates an empty view.
func New(cfg Config) (*View, error) {
	if cfg.Loader == nil || cfg.Templates == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "treeview", "New", "loader and templates are required")
	}
	if cfg.Canvas.Width <= 0 || cfg.Canvas.Height <= 0 {
		cfg.Canvas = geometry.Canvas{Width: 5000, Height: 5000}
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &View{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "treeview"),
		tree:      newTree(""),
		observers: map[int]func(Event){},
	}, nil
}

// LoadData loads flowID and every sub-flow below it. It blocks on the
// store and the template store. When loads overlap, the one started last
// wins regardless of which finishes first.
func (v *View) LoadData(ctx context.Context, flowID string) error {
	v.mu.Lock()
	v.started++
	seq := v.started
	v.mu.Unlock()

	doc, err := v.cfg.Loader.Load(ctx, flowID)
	if err != nil {
		return errors.Wrap(err, "treeview", "LoadData", "load flow "+flowID)
	}
	b := &builder{cfg: v.cfg, logger: v.logger.With("flow_id", flowID), tree: newTree(flowID)}
	b.tree.items[""].Node = rootNode(flowID, doc)
	if err := b.loadFlow(ctx, "", doc, 0); err != nil {
		return errors.Wrap(err, "treeview", "LoadData", "load sub-flows of "+flowID)
	}
	b.tree.validate()
	if n := len(b.tree.invalid); n > 0 {
		v.logger.Warn("Invalid links found", "flow_id", flowID, "count", n)
	}

	if !v.swap(seq, b.tree) {
		v.logger.Debug("Discarding superseded load", "flow_id", flowID)
		return nil
	}
	v.emit(Event{Type: EventLoaded, FlowID: flowID})
	return nil
}

func (v *View) swap(seq uint64, t *tree) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if seq <= v.applied {
		return false
	}
	v.applied = seq
	v.tree = t
	return true
}

// FlowID returns the id of the loaded root flow.
func (v *View) FlowID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tree.flowID
}

// Item returns a copy of the item with the qualified name.
func (v *View) Item(name string) (Item, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	it, ok := v.tree.items[name]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Node returns the entity of a qualified name.
func (v *View) Node(name string) (*entity.Node, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	it, ok := v.tree.items[name]
	if !ok || it.Node == nil {
		return nil, false
	}
	return it.Node, true
}

// Children returns the qualified names of an item's children, sorted.
// The root is "".
func (v *View) Children(name string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	it, ok := v.tree.items[name]
	if !ok {
		return nil
	}
	return slices.Clone(it.children)
}

// Names returns every qualified node name, sorted.
func (v *View) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var names []string
	for _, n := range v.tree.Nodes() {
		if n.ID == "" {
			continue
		}
		names = append(names, n.ID)
	}
	return names
}

// Links returns every resolved link sorted by qualified id.
func (v *View) Links() []*Link {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*Link, 0, len(v.tree.links))
	for _, id := range sortedKeys(v.tree.links) {
		out = append(out, v.tree.links[id])
	}
	return out
}

// InvalidLinks returns the links the last load could not resolve.
func (v *View) InvalidLinks() []*errors.InvalidLinkError {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.tree.invalid)
}

// Validation returns the validation result over every scope.
func (v *View) Validation() validation.Result {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tree.result
}

// AddLink resolves a link declared in the flow of scope, walking each
// endpoint's full path down from that scope, and revalidates.
func (v *View) AddLink(scope, id string, data flowstore.LinkData) error {
	v.mu.Lock()
	l, err := v.tree.addLink(scope, id, data)
	if err == nil {
		v.tree.validate()
	}
	v.mu.Unlock()
	if err != nil {
		return errors.WrapInvalid(err, "treeview", "AddLink", "add link "+qualify(scope, id))
	}
	v.emit(Event{Type: EventLinkAdded, FlowID: v.FlowID(), Name: l.ID})
	return nil
}

// NodeStatusUpdated sets the run status of the node with a qualified
// instance name, walking the name down the tree one level at a time. The
// empty name is the root flow.
func (v *View) NodeStatusUpdated(name, status string) bool {
	v.mu.Lock()
	it, ok := v.tree.walk(name)
	changed := ok && it.Node != nil && it.Node.Status != status
	if changed {
		it.Node.Status = status
	}
	flowID := v.tree.flowID
	v.mu.Unlock()

	if !ok {
		v.logger.Debug("Status for unknown node", "node", name)
	}
	if changed {
		v.emit(Event{Type: EventNodeStatus, FlowID: flowID, Name: name})
	}
	return changed
}

// UpdateNode ignores document edits; the tree only follows status.
func (v *View) UpdateNode(string, flowstore.NodeData) bool {
	return false
}

// Observe registers fn for tree events. fn runs on the goroutine that
// made the change. The returned func removes it.
func (v *View) Observe(fn func(Event)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextObs
	v.nextObs++
	v.observers[id] = fn
	return func() {
		v.mu.Lock()
		delete(v.observers, id)
		v.mu.Unlock()
	}
}

func (v *View) emit(ev Event) {
	v.mu.RLock()
	ids := make([]int, 0, len(v.observers))
	for id := range v.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, v.observers[id])
	}
	v.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type builder struct {
	cfg    Config
	logger *slog.Logger
	tree   *tree
}

var nodeSections = []string{flowstore.SectionNodeInst, flowstore.SectionContainer}

// loadFlow adds the nodes of doc below scope, recursing into containers,
// then resolves the links of doc. Node failures are logged and skipped.
func (b *builder) loadFlow(ctx context.Context, scope string, doc *flowstore.Document, depth int) error {
	startData := doc.NodeInst[entity.StartID]
	if startData == nil {
		startData = flowstore.NodeData{flowstore.KeyVisualization: flowstore.VisualizationValue(50, 50)}
	}
	start, err := entity.CreateNode(ctx, b.cfg.Templates, b.cfg.Canvas, qualify(scope, entity.StartID), entity.KindStart, startData)
	if err != nil {
		return err
	}
	b.tree.add(scope, start, "", depth)

	for _, section := range nodeSections {
		nodes := doc.Nodes(section)
		for _, id := range sortedKeys(nodes) {
			if id == entity.StartID {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			name := qualify(scope, id)
			data := nodes[id]
			kind := entity.KindOf(section, id, data)
			n, err := entity.CreateNode(ctx, b.cfg.Templates, b.cfg.Canvas, name, kind, data)
			if err != nil {
				b.logger.Warn("Skipping node", "node", name, "error", err)
				continue
			}
			if kind != entity.KindContainer {
				b.tree.add(scope, n, "", depth)
				continue
			}
			b.tree.add(scope, n, n.TemplateRef, depth)
			if depth+1 >= b.cfg.MaxDepth {
				b.logger.Warn("Sub-flow nesting too deep", "node", name, "max_depth", b.cfg.MaxDepth)
				continue
			}
			flow, err := b.cfg.Templates.GetFlow(ctx, n.TemplateRef)
			if err != nil {
				b.logger.Warn("Skipping sub-flow", "node", name, "flow", n.TemplateRef, "error", err)
				continue
			}
			if err := b.loadFlow(ctx, name, flow.Document, depth+1); err != nil {
				return err
			}
		}
	}

	for _, id := range sortedKeys(doc.Links) {
		if _, err := b.tree.addLink(scope, id, doc.Links[id]); err != nil {
			b.tree.reject(scope, id, doc.Links[id], err)
		}
	}
	return nil
}

type resolved struct {
	source, target *entity.Port
}

type tree struct {
	flowID  string
	items   map[string]*Item
	links   map[string]*Link
	pairs   map[string]string
	ports   map[string]resolved
	invalid []*errors.InvalidLinkError
	result  validation.Result
}

// rootNode is the container entity of the loaded flow itself.
func rootNode(flowID string, doc *flowstore.Document) *entity.Node {
	return &entity.Node{
		Kind:           entity.KindContainer,
		Label:          flowID,
		TemplateRef:    flowID,
		Data:           flowstore.NodeData{flowstore.KeyContainerFlow: flowID},
		TemplateParams: (&template.FlowTemplate{Name: flowID, Document: doc}).ParameterNames(),
	}
}

func newTree(flowID string) *tree {
	return &tree{
		flowID: flowID,
		items:  map[string]*Item{"": {FlowID: flowID}},
		links:  map[string]*Link{},
		pairs:  map[string]string{},
		ports:  map[string]resolved{},
	}
}

func (t *tree) add(scope string, n *entity.Node, flowID string, depth int) {
	t.items[n.ID] = &Item{Name: n.ID, Parent: scope, Node: n, FlowID: flowID, Depth: depth + 1}
	parent := t.items[scope]
	i, _ := slices.BinarySearch(parent.children, n.ID)
	parent.children = slices.Insert(parent.children, i, n.ID)
}

// walk resolves a qualified name from the root, one level at a time.
func (t *tree) walk(name string) (*Item, bool) {
	if name == "" {
		root := t.items[""]
		return root, root.Node != nil
	}
	cur := ""
	for _, part := range strings.Split(name, entity.NestedSeparator) {
		cur = qualify(cur, part)
		if _, ok := t.items[cur]; !ok {
			return nil, false
		}
	}
	return t.items[cur], true
}

// resolve walks an endpoint's full path down from scope to the innermost
// node and returns its port.
func (t *tree) resolve(scope string, end entity.Endpoint) (string, *entity.Port, error) {
	cur := scope
	for _, id := range end.FullPath {
		cur = qualify(cur, id)
		if it, ok := t.items[cur]; !ok || it.Node == nil {
			return "", nil, fmt.Errorf("node %s: %w", cur, errors.ErrNodeNotFound)
		}
	}
	p, ok := t.items[cur].Node.Port(end.LeafPort)
	if !ok {
		return "", nil, fmt.Errorf("port %s/%s: %w", cur, end.LeafPort, errors.ErrPortNotFound)
	}
	return cur, p, nil
}

func (t *tree) addLink(scope, id string, data flowstore.LinkData) (*Link, error) {
	key := qualify(scope, id)
	if l, ok := t.links[key]; ok {
		l.Dependency = data.Dependency
		return l, nil
	}
	if err := data.Validate(); err != nil {
		return nil, invalidLink(key, data, err)
	}
	el, err := entity.NewLink(key, data)
	if err != nil {
		return nil, err
	}
	srcName, src, err := t.resolve(scope, el.Source)
	if err != nil {
		return nil, invalidLink(key, data, err)
	}
	dstName, dst, err := t.resolve(scope, el.Target)
	if err != nil {
		return nil, invalidLink(key, data, err)
	}
	pair := srcName + "/" + src.Name + "|" + dstName + "/" + dst.Name
	if dstName+"/"+dst.Name < srcName+"/"+src.Name {
		pair = dstName + "/" + dst.Name + "|" + srcName + "/" + src.Name
	}
	if other, dup := t.pairs[pair]; dup {
		return nil, invalidLink(key, data, fmt.Errorf("duplicates link %s", other))
	}

	l := &Link{Link: el, Scope: scope, SourceNode: srcName, TargetNode: dstName}
	t.links[key] = l
	t.pairs[pair] = key
	t.ports[key] = resolved{source: src, target: dst}
	return l, nil
}

func (t *tree) reject(scope, id string, data flowstore.LinkData, err error) {
	var invalid *errors.InvalidLinkError
	if !errors.As(err, &invalid) {
		invalid = invalidLink(qualify(scope, id), data, err)
	}
	t.invalid = append(t.invalid, invalid)
}

// validate runs the flow rules over every scope, except that only links of
// the root flow can satisfy the start link rule.
func (t *tree) validate() {
	startLinks := func(_ validation.Snapshot, r *validation.Result) {
		validation.StartLinkRule(rootScope{t}, r)
	}
	t.result = validation.Run(t, startLinks, validation.MismatchRule, validation.ContainerParamRule)
}

// rootScope narrows a tree's links to those declared in the root flow.
type rootScope struct{ *tree }

func (s rootScope) Links() []*entity.Link {
	var out []*entity.Link
	for _, id := range sortedKeys(s.links) {
		if l := s.links[id]; l.Scope == "" {
			out = append(out, l.Link)
		}
	}
	return out
}

// Nodes returns every entity sorted by qualified name.
func (t *tree) Nodes() []*entity.Node {
	var out []*entity.Node
	for _, name := range sortedKeys(t.items) {
		if n := t.items[name].Node; n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Links returns every link sorted by qualified id.
func (t *tree) Links() []*entity.Link {
	out := make([]*entity.Link, 0, len(t.links))
	for _, id := range sortedKeys(t.links) {
		out = append(out, t.links[id].Link)
	}
	return out
}

// ResolvePort returns the innermost port at one end of a link.
func (t *tree) ResolvePort(l *entity.Link, source bool) (*entity.Port, bool) {
	r, ok := t.ports[l.ID]
	if !ok {
		return nil, false
	}
	if source {
		return r.source, true
	}
	return r.target, true
}

func invalidLink(id string, data flowstore.LinkData, err error) *errors.InvalidLinkError {
	return &errors.InvalidLinkError{LinkID: id, From: data.From, To: data.To, Reason: err.Error()}
}

func qualify(scope, id string) string {
	if scope == "" {
		return id
	}
	return scope + entity.NestedSeparator + id
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
