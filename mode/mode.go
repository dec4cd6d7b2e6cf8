// Package mode is the editor's interaction state machine. Exactly one mode
// is current; behavior is attached by subscribing to a mode's enter and
// exit signals, so the machine itself carries no graph knowledge.
package mode

import (
	"fmt"
	"log/slog"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/geometry"
)

// ID names a mode.
type ID string

// Modes
const (
	Loading       ID = "loading"
	Default       ID = "default"
	Drag          ID = "drag"
	AddNode       ID = "addNode"
	AddFlow       ID = "addFlow"
	AddState      ID = "addState"
	Linking       ID = "linking"
	SelectNode    ID = "selectNode"
	NodeCtxMenu   ID = "nodeCtxMenu"
	CanvasCtxMenu ID = "canvasCtxMenu"
	LinkCtxMenu   ID = "linkCtxMenu"
	PortCtxMenu   ID = "portCtxMenu"
	OnDblClick    ID = "onDblClick"
)

// All lists every mode.
var All = []ID{
	Loading, Default, Drag, AddNode, AddFlow, AddState, Linking, SelectNode,
	NodeCtxMenu, CanvasCtxMenu, LinkCtxMenu, PortCtxMenu, OnDblClick,
}

// pointerModes expose Click, Drag and MouseMove signals. Flows and states
// are placed the way nodes are.
var pointerModes = map[ID]bool{AddNode: true, AddFlow: true, AddState: true, Drag: true, Linking: true}

// Props is the payload a mode is entered with.
type Props struct {
	Node     string         `json:"node,omitempty"`
	Link     string         `json:"link,omitempty"`
	Port     string         `json:"port,omitempty"`
	Template string         `json:"template,omitempty"`
	Position geometry.Point `json:"position"`
	Additive bool           `json:"additive,omitempty"`
}

// Pointer is a pointer event forwarded from the renderer.
type Pointer struct {
	Position geometry.Point `json:"position"`
	Delta    geometry.Point `json:"delta"`
	Node     string         `json:"node,omitempty"`
	Port     string         `json:"port,omitempty"`
}

// Transition is delivered to enter and exit subscribers. Props belongs to
// the mode being entered or left.
type Transition struct {
	From  ID
	To    ID
	Props Props
}

// Mode is one named state.
type Mode struct {
	ID    ID
	Enter Signal[Transition]
	Exit  Signal[Transition]

	// Pointer signals, nil except for the add modes, drag and linking.
	Click     *Signal[Pointer]
	Drag      *Signal[Pointer]
	MouseMove *Signal[Pointer]

	props Props
}

// Props returns the payload the mode was last entered with.
func (m *Mode) Props() Props {
	return m.props
}

// Machine holds the current and previous mode. It is confined to one
// goroutine, normally the event loop.
type Machine struct {
	modes         map[ID]*Mode
	current       ID
	previous      ID
	previousProps Props
	changed       Signal[Transition]
	logger        *slog.Logger

	// notifying is set while subscribers run; transitions they request
	// wait in queued.
	notifying bool
	queued    []func()
}

// NewMachine creates a machine in the loading mode.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		modes:   make(map[ID]*Mode, len(All)),
		current: Loading,
		logger:  logger.With("component", "mode"),
	}
	for _, id := range All {
		md := &Mode{ID: id}
		if pointerModes[id] {
			md.Click, md.Drag, md.MouseMove = &Signal[Pointer]{}, &Signal[Pointer]{}, &Signal[Pointer]{}
		}
		m.modes[id] = md
	}
	return m
}

// Mode returns a mode by id, nil if unknown.
func (m *Machine) Mode(id ID) *Mode {
	return m.modes[id]
}

// Current returns the current mode.
func (m *Machine) Current() *Mode {
	return m.modes[m.current]
}

// Previous returns the mode entered before the current one.
func (m *Machine) Previous() ID {
	return m.previous
}

// OnChange subscribes to every transition, after the enter subscribers ran.
func (m *Machine) OnChange(fn func(Transition)) func() {
	return m.changed.Subscribe(fn)
}

// SetMode makes id current. Re-entering the current mode is a no-op unless
// force is set. The outgoing mode's Exit fires with its props, then the
// incoming mode's Enter with props, then OnChange; all see the new current
// mode. A call made from a subscriber is queued and runs once the running
// transition has notified everyone, so observers see transitions in the
// order they take effect; it reports true as soon as it is queued.
func (m *Machine) SetMode(id ID, props Props, force bool) (bool, error) {
	if _, ok := m.modes[id]; !ok {
		return false, errors.WrapInvalid(fmt.Errorf("unknown mode %q", id), "mode", "SetMode", "set mode")
	}
	if m.notifying {
		m.queued = append(m.queued, func() { m.transition(id, props, force) })
		return true, nil
	}
	return m.transition(id, props, force), nil
}

// SetPrevious returns to the mode recorded before the current one, with
// the props it had, or to the default mode when there is none. History is
// one level deep. Called from a subscriber, the target is read when the
// queued call runs.
func (m *Machine) SetPrevious() bool {
	if m.notifying {
		m.queued = append(m.queued, func() { m.toPrevious() })
		return true
	}
	return m.toPrevious()
}

func (m *Machine) toPrevious() bool {
	id, props := m.previous, m.previousProps
	if id == "" || id == m.current {
		id, props = Default, Props{}
	}
	return m.transition(id, props, false)
}

func (m *Machine) transition(id ID, props Props, force bool) bool {
	if id == m.current && !force {
		return false
	}
	in, out := m.modes[id], m.modes[m.current]
	from, prevProps := out.ID, out.props
	if id != m.current {
		m.previous, m.previousProps = m.current, prevProps
	}
	m.current = id
	in.props = props
	m.logger.Debug("Mode changed", "from", from, "to", id)

	m.notify(func() {
		out.Exit.Emit(Transition{From: from, To: id, Props: prevProps})
		in.Enter.Emit(Transition{From: from, To: id, Props: props})
		m.changed.Emit(Transition{From: from, To: id, Props: props})
	})
	for len(m.queued) > 0 {
		next := m.queued[0]
		m.queued = m.queued[1:]
		next()
	}
	return true
}

func (m *Machine) notify(emit func()) {
	m.notifying = true
	defer func() { m.notifying = false }()
	emit()
}

// Click routes a pointer click to the current mode.
func (m *Machine) Click(p Pointer) bool {
	return emitPointer(m.Current().Click, p)
}

// DragBy routes a pointer drag to the current mode.
func (m *Machine) DragBy(p Pointer) bool {
	return emitPointer(m.Current().Drag, p)
}

// MouseMove routes a pointer move to the current mode.
func (m *Machine) MouseMove(p Pointer) bool {
	return emitPointer(m.Current().MouseMove, p)
}

func emitPointer(s *Signal[Pointer], p Pointer) bool {
	if s == nil {
		return false
	}
	s.Emit(p)
	return true
}

// Signal is an ordered list of subscribers.
type Signal[T any] struct {
	subs []subscriber[T]
	next int
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe adds fn and returns a func that removes it.
func (s *Signal[T]) Subscribe(fn func(T)) func() {
	id := s.next
	s.next++
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn})
	return func() {
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit calls the subscribers in subscription order. Subscribers added or
// removed during Emit take effect on the next one.
func (s *Signal[T]) Emit(v T) {
	subs := s.subs
	for _, sub := range subs {
		sub.fn(v)
	}
}

// Len returns the number of subscribers.
func (s *Signal[T]) Len() int {
	return len(s.subs)
}
