package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowgraph"
	"github.com/MOV-AI/flowedit/mode"
	"github.com/MOV-AI/flowedit/session"
)

var errRateLimited = errors.New("command rate exceeded")

var knownTypes = map[string]bool{
	TypeMode: true, TypePrevious: true, TypeClick: true, TypeDrag: true,
	TypeMove: true, TypeMenu: true, TypeSnapshot: true,
}

// client serves one connection. The reader goroutine applies commands
// through the session loop; loop callbacks queue outgoing messages, which
// the writer goroutine sends. Only the writer closes the connection.
type client struct {
	srv    *Server
	conn   *websocket.Conn
	sess   *session.Session
	logger *slog.Logger

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	limiter  *rate.Limiter

	// loop-confined
	cancels []func()
}

func newClient(srv *Server, conn *websocket.Conn, sess *session.Session) *client {
	return &client{
		srv:     srv,
		conn:    conn,
		sess:    sess,
		logger:  srv.logger.With("session_id", sess.ID(), "flow_id", sess.FlowID()),
		send:    make(chan []byte, srv.cfg.SendQueue),
		done:    make(chan struct{}),
		limiter: srv.cfg.limiter(),
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *client) run() {
	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.OpenTimeout)
	err := c.sess.Do(ctx, c.attach)
	cancel()
	if err != nil {
		c.logger.Warn("Attach to session failed", "error", err)
		c.stop()
	} else {
		c.readLoop()
		c.stop()
	}
	<-writerDone

	ctx, cancel = context.WithTimeout(context.Background(), c.srv.cfg.OpenTimeout)
	defer cancel()
	_ = c.sess.Do(ctx, func(*session.Editor) {
		for _, fn := range c.cancels {
			fn()
		}
		c.cancels = nil
	})
}

// attach subscribes to the session and queues the snapshot in one loop
// callback, so no change falls between them.
func (c *client) attach(e *session.Editor) {
	c.cancels = append(c.cancels,
		e.Graph.Observe(func(ev flowgraph.Event) {
			c.queue(TypeEvent, "", eventView(e.Graph, ev))
		}),
		e.Modes.OnChange(func(t mode.Transition) {
			c.queue(TypeMode, "", TransitionView{From: t.From, To: t.To, Props: t.Props})
		}),
		e.Opened.Subscribe(func(flow string) {
			c.queue(TypeOpen, "", OpenView{Flow: flow})
		}),
	)
	c.queue(TypeSnapshot, "", snapshot(c.sess.ID(), e))
}

// queue never blocks. A full queue disconnects the client.
func (c *client) queue(typ, id string, payload any) {
	data, err := encode(typ, id, payload)
	if err != nil {
		c.logger.Error("Encode message failed", "type", typ, "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
		c.srv.metrics.sent.WithLabelValues(typ).Inc()
	default:
		c.srv.metrics.dropped.Inc()
		c.logger.Warn("Client too slow, disconnecting", "queue", cap(c.send))
		c.stop()
	}
}

func (c *client) writeLoop(done chan<- struct{}) {
	defer close(done)
	defer c.conn.Close()
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", "error", err)
				c.stop()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.srv.cfg.WriteTimeout))
			return
		}
	}
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(c.srv.cfg.MaxMessage)
	wait := 2 * c.srv.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.srv.metrics.received.WithLabelValues("malformed").Inc()
		c.nack("", errors.WrapInvalid(err, "ws", "handle", "decode envelope"))
		return
	}
	label := env.Type
	if !knownTypes[label] {
		label = "unknown"
	}
	c.srv.metrics.received.WithLabelValues(label).Inc()
	if !c.limiter.Allow() {
		c.srv.metrics.limited.Inc()
		c.nack(env.ID, errors.WrapTransient(errRateLimited, "ws", "handle", "admit "+env.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.WriteTimeout)
	defer cancel()
	var applyErr error
	err := c.sess.Do(ctx, func(e *session.Editor) { applyErr = c.apply(e, env) })
	if err == nil {
		err = applyErr
	}
	if err != nil {
		c.nack(env.ID, err)
		return
	}
	c.queue(TypeAck, env.ID, nil)
}

func (c *client) apply(e *session.Editor, env Envelope) error {
	switch env.Type {
	case TypeMode:
		var req ModeRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		if _, err := e.Modes.SetMode(req.Mode, req.Props, req.Force); err != nil {
			return err
		}
		c.queueGhost(e)
	case TypePrevious:
		e.Modes.SetPrevious()
		c.queueGhost(e)
	case TypeClick, TypeDrag, TypeMove:
		var p mode.Pointer
		if err := decode(env, &p); err != nil {
			return err
		}
		route := map[string]func(mode.Pointer) bool{
			TypeClick: e.Modes.Click,
			TypeDrag:  e.Modes.DragBy,
			TypeMove:  e.Modes.MouseMove,
		}[env.Type]
		if !route(p) {
			return errors.WrapInvalid(fmt.Errorf("mode %s takes no pointer events", e.Modes.Current().ID), "ws", "apply", "route pointer")
		}
		c.queueGhost(e)
	case TypeMenu:
		var req MenuRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		return e.Gestures.MenuAction(req.Action, req.Level)
	case TypeSnapshot:
		c.queue(TypeSnapshot, env.ID, snapshot(c.sess.ID(), e))
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown message type %q", env.Type), "ws", "apply", "dispatch message")
	}
	return nil
}

func (c *client) queueGhost(e *session.Editor) {
	var v GhostView
	if n, ok := e.Gestures.GhostNode(); ok {
		v.Node = &n
	}
	if l, ok := e.Gestures.GhostLink(); ok {
		v.Link = &l
	}
	c.queue(TypeGhost, "", v)
}

func (c *client) nack(id string, err error) {
	reason := "failed"
	switch {
	case errors.Is(err, errRateLimited):
		reason = "rate_limited"
	case errors.IsInvalid(err):
		reason = "invalid"
	}
	c.queue(TypeNack, id, Nack{Reason: reason, Error: err.Error()})
}

func decode(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return errors.WrapInvalid(err, "ws", "decode", "decode "+env.Type+" payload")
	}
	return nil
}
