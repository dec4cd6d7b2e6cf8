// Package session runs one editor session: a template cache, an event loop
// and the graph, mode machine and gesture orchestrator of one flow, fed by
// the change bus of the backing store.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MOV-AI/flowedit/changebus"
	"github.com/MOV-AI/flowedit/config"
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowgraph"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/interaction"
	"github.com/MOV-AI/flowedit/mode"
	"github.com/MOV-AI/flowedit/pkg/eventloop"
	"github.com/MOV-AI/flowedit/template"
)

const stopTimeout = 5 * time.Second

// Backend is the storage every session edits through.
type Backend struct {
	Store   flowstore.Store
	Bus     changebus.Bus
	Fetcher template.Fetcher

	// Optional
	Status    changebus.StatusFeed
	Notifiers []template.Notifier
}

func (b Backend) check(method string) error {
	if b.Store == nil || b.Bus == nil || b.Fetcher == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "session", method, "store, bus and fetcher are required")
	}
	return nil
}

// Options tune every session a process opens.
type Options struct {
	Editor    config.EditorConfig
	CacheSize int
	Metrics   *flowgraph.Metrics
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	def := config.Default()
	if o.Editor.CanvasWidth <= 0 || o.Editor.CanvasHeight <= 0 {
		o.Editor.CanvasWidth, o.Editor.CanvasHeight = def.Editor.CanvasWidth, def.Editor.CanvasHeight
	}
	if o.Editor.FrameInterval <= 0 {
		o.Editor.FrameInterval = def.Editor.FrameInterval
	}
	if o.Editor.PersistQueue <= 0 {
		o.Editor.PersistQueue = def.Editor.PersistQueue
	}
	if o.CacheSize <= 0 {
		o.CacheSize = def.Templates.CacheSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Editor is the loop-confined state of a session, handed to Do callbacks.
type Editor struct {
	Graph    *flowgraph.Graph
	Modes    *mode.Machine
	Gestures *interaction.Orchestrator
	// Opened fires with the sub-flow of a double-clicked container.
	Opened *mode.Signal[string]
}

// Session edits one flow.
type Session struct {
	id      string
	flowID  string
	backend Backend
	logger  *slog.Logger

	loop       *eventloop.Loop
	templates  *template.Store
	dispatcher *flowgraph.Dispatcher
	editor     *Editor
	cancel     context.CancelFunc

	// loop-confined
	mirror   *flowstore.Mirror
	buffered []flowstore.Delta

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Open starts a session on flowID. The change bus is subscribed before the
// document is read; deltas arriving meanwhile are applied after the load.
func Open(ctx context.Context, flowID string, backend Backend, opts Options) (*Session, error) {
	if flowID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Open", "flow id is required")
	}
	if err := backend.check("Open"); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	id := uuid.NewString()
	logger := opts.Logger.With("session_id", id, "flow_id", flowID)
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		flowID:  flowID,
		backend: backend,
		logger:  logger.With("component", "session"),
		cancel:  cancel,
		closed:  make(chan struct{}),
	}

	ok := false
	var cleanup []func()
	defer func() {
		if ok {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		cancel()
	}()

	tcfg := template.DefaultConfig()
	tcfg.CacheSize = opts.CacheSize
	tcfg.Logger = logger
	templates, err := template.NewStore(backend.Fetcher, tcfg)
	if err != nil {
		return nil, errors.Wrap(err, "session", "Open", "create template store")
	}
	cleanup = append(cleanup, func() { _ = templates.Close() })
	for _, n := range backend.Notifiers {
		if err := templates.Watch(runCtx, n); err != nil {
			s.logger.Warn("Template changes will not be tracked", "error", err)
		}
	}
	s.templates = templates

	s.loop = eventloop.New(opts.Editor.FrameInterval, logger)
	if err := s.loop.Start(runCtx); err != nil {
		return nil, errors.Wrap(err, "session", "Open", "start loop")
	}
	cleanup = append(cleanup, func() { _ = s.loop.Stop(stopTimeout) })

	s.dispatcher, err = flowgraph.NewDispatcher(backend.Store, opts.Editor.PersistQueue, nil, logger)
	if err != nil {
		return nil, errors.Wrap(err, "session", "Open", "create dispatcher")
	}
	if err := s.dispatcher.Start(runCtx); err != nil {
		return nil, errors.Wrap(err, "session", "Open", "start dispatcher")
	}
	cleanup = append(cleanup, func() { _ = s.dispatcher.Stop(stopTimeout) })

	graph, err := flowgraph.New(flowgraph.Config{
		FlowID:             flowID,
		Templates:          templates,
		Scheduler:          s.loop,
		Outbox:             s.dispatcher,
		Canvas:             geometry.Canvas{Width: opts.Editor.CanvasWidth, Height: opts.Editor.CanvasHeight},
		ValidationDebounce: opts.Editor.ValidationDebounce,
		Metrics:            opts.Metrics,
		Logger:             logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "session", "Open", "create graph")
	}
	s.editor = &Editor{Graph: graph, Modes: mode.NewMachine(logger), Opened: &mode.Signal[string]{}}
	s.editor.Gestures, err = interaction.New(interaction.Config{
		Graph:         graph,
		Modes:         s.editor.Modes,
		OpenContainer: s.editor.Opened.Emit,
		Logger:        logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "session", "Open", "create orchestrator")
	}

	// Everything below registers with the graph, so Destroy releases it.
	cleanup = append(cleanup, func() { _ = s.loop.Do(context.Background(), s.destroy) })

	deltas, err := backend.Bus.Subscribe(runCtx, flowID, func(d flowstore.Delta) {
		s.loop.Post(func() { s.onDelta(d) })
	})
	if err != nil {
		return nil, errors.Wrap(err, "session", "Open", "subscribe deltas")
	}
	if err := s.onLoop(ctx, func() { graph.OnDestroy(deltas.Unsubscribe) }); err != nil {
		_ = deltas.Unsubscribe()
		return nil, err
	}

	if backend.Status != nil {
		status, err := backend.Status.SubscribeStatus(runCtx, flowID, func(u changebus.StatusUpdate) {
			s.loop.Post(func() { graph.NodeStatusUpdated(u.Node, u.Status) })
		})
		if err != nil {
			s.logger.Warn("Node status will not be shown", "error", err)
		} else if err := s.onLoop(ctx, func() { graph.OnDestroy(status.Unsubscribe) }); err != nil {
			_ = status.Unsubscribe()
			return nil, err
		}
	}

	stopInvalidate := templates.OnInvalidate(func(kind template.Kind, name string) {
		s.loop.Post(func() { graph.OnTemplateChanged(kind, name) })
	})
	if err := s.onLoop(ctx, func() {
		graph.OnDestroy(func() error {
			stopInvalidate()
			return nil
		})
	}); err != nil {
		stopInvalidate()
		return nil, err
	}

	doc, err := backend.Store.Load(ctx, flowID)
	if err != nil {
		return nil, errors.Wrap(err, "session", "Open", "load flow")
	}
	if err := s.onLoop(ctx, func() { s.load(doc) }); err != nil {
		return nil, err
	}

	ok = true
	s.logger.Info("Session opened")
	return s, nil
}

func (s *Session) onLoop(ctx context.Context, fn func()) error {
	if err := s.loop.Do(ctx, fn); err != nil {
		return errors.Wrap(err, "session", "Open", "run on loop")
	}
	return nil
}

func (s *Session) load(doc *flowstore.Document) {
	s.mirror = flowstore.NewMirror(s.flowID, doc, s.logger)
	s.editor.Graph.LoadData(doc)
	buffered := s.buffered
	s.buffered = nil
	for _, d := range buffered {
		s.onDelta(d)
	}
	if _, err := s.editor.Modes.SetMode(mode.Default, mode.Props{}, false); err != nil {
		s.logger.Error("Enter default mode failed", "error", err)
	}
}

func (s *Session) onDelta(d flowstore.Delta) {
	if s.mirror == nil {
		s.buffered = append(s.buffered, d)
		return
	}
	doc, err := s.mirror.Apply(d)
	if err != nil {
		s.logger.Warn("Ignoring delta", "key", d.Key(), "error", err)
		return
	}
	s.editor.Graph.OnFlowUpdate(doc)
}

func (s *Session) destroy() {
	if s.editor.Gestures != nil {
		s.editor.Gestures.Close()
	}
	if err := s.editor.Graph.Destroy(); err != nil {
		s.closeErr = errors.Join(s.closeErr, err)
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// FlowID returns the edited flow.
func (s *Session) FlowID() string {
	return s.flowID
}

// Templates returns the session's template store.
func (s *Session) Templates() *template.Store {
	return s.templates
}

// Do runs fn on the session loop and waits for it. fn must not block.
func (s *Session) Do(ctx context.Context, fn func(e *Editor)) error {
	select {
	case <-s.closed:
		return errors.WrapInvalid(errors.ErrClosed, "session", "Do", "run on loop")
	default:
	}
	if err := s.loop.Do(ctx, func() { fn(s.editor) }); err != nil {
		return errors.Wrap(err, "session", "Do", "run on loop")
	}
	return nil
}

// Post queues fn on the session loop without waiting.
func (s *Session) Post(fn func(e *Editor)) {
	s.loop.Post(func() { fn(s.editor) })
}

// Done is closed once Close has finished.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close destroys the graph, drains pending writes and stops the loop.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.loop.Do(ctx, s.destroy); err != nil {
			errs = append(errs, err)
		}
		if err := s.dispatcher.Stop(stopTimeout); err != nil {
			errs = append(errs, err)
		}
		if err := s.loop.Stop(stopTimeout); err != nil {
			errs = append(errs, err)
		}
		if err := s.templates.Close(); err != nil {
			errs = append(errs, err)
		}
		s.cancel()
		if s.closeErr != nil {
			errs = append(errs, s.closeErr)
		}
		if len(errs) > 0 {
			s.closeErr = errors.Wrap(errors.Join(errs...), "session", "Close", "release session")
		} else {
			s.closeErr = nil
		}
		close(s.closed)
		s.logger.Info("Session closed")
	})
	return s.closeErr
}
