package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/changebus"
	"github.com/MOV-AI/flowedit/config"
	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowgraph"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
	"github.com/MOV-AI/flowedit/metric"
	"github.com/MOV-AI/flowedit/mode"
	"github.com/MOV-AI/flowedit/session"
	"github.com/MOV-AI/flowedit/template"
	"github.com/MOV-AI/flowedit/testutil"
)

type harness struct {
	srv     *Server
	http    *httptest.Server
	store   *flowstore.RedisStore
	manager *session.Manager
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	rc, _ := testutil.Redis(t)
	store := flowstore.NewRedisStore(rc, "test", nil)
	bus, err := changebus.NewRedisBus(store, "test", nil, nil)
	require.NoError(t, err)

	fetcher, err := template.NewFileFetcher(testutil.TemplateDir(t, map[string]string{"Relay": testutil.RelayTemplate}))
	require.NoError(t, err)

	doc := flowstore.NewDocument()
	doc.NodeInst["A"] = flowstore.NodeData{
		flowstore.KeyTemplate:      "Relay",
		flowstore.KeyVisualization: flowstore.VisualizationValue(100, 100),
	}
	require.NoError(t, store.Save(context.Background(), "f1", doc))

	editor := config.Default().Editor
	editor.FrameInterval = time.Millisecond
	editor.ValidationDebounce = time.Millisecond
	manager, err := session.NewManager(session.Backend{Store: store, Bus: bus, Status: bus, Fetcher: fetcher},
		session.Options{Editor: editor}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	cfg := Config{Manager: manager, Registry: metric.NewMetricsRegistry()}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return &harness{srv: srv, http: hs, store: store, manager: manager}
}

func (h *harness) dial(t *testing.T, flow string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/?flow=" + flow
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil returns the first message of type typ.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(Envelope) bool) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", typ)
		if env.Type == typ && (match == nil || match(env)) {
			return env
		}
	}
}

// readAll reads until every matcher has matched a message, in any order.
func readAll(t *testing.T, conn *websocket.Conn, matchers ...func(Envelope) bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	pending := matchers
	for len(pending) > 0 {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		rest := pending[:0:0]
		for _, m := range pending {
			if !m(env) {
				rest = append(rest, m)
			}
		}
		pending = rest
	}
}

func send(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	data, err := encode(typ, id, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func withID(id string) func(Envelope) bool {
	return func(env Envelope) bool { return env.ID == id }
}

// awaitNode reads until id is known to the client, from the snapshot or
// from a later node_added event, and returns the snapshot.
func awaitNode(t *testing.T, conn *websocket.Conn, id string) Snapshot {
	t.Helper()
	env := readUntil(t, conn, TypeSnapshot, nil)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	for _, n := range snap.Nodes {
		if n.ID == id {
			return snap
		}
	}
	readUntil(t, conn, TypeEvent, func(env Envelope) bool {
		var ev EventView
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		return ev.Type == flowgraph.EventNodeAdded && ev.NodeID == id
	})
	return snap
}

func TestNewServer_RequiresManager(t *testing.T) {
	_, err := NewServer(Config{})
	assert.True(t, errors.IsInvalid(err))
}

func TestServeHTTP_RequiresFlow(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnect_SendsSnapshotAndEvents(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "f1")

	snap := awaitNode(t, conn, "A")
	assert.Equal(t, "f1", snap.Flow)
	assert.NotEmpty(t, snap.Session)
	assert.Equal(t, []string{snap.Session}, h.manager.IDs())

	require.NoError(t, h.store.AddNewNode(context.Background(), "f1", flowstore.SectionNodeInst, "B",
		flowstore.NodeData{flowstore.KeyTemplate: "Relay"}))
	readUntil(t, conn, TypeEvent, func(env Envelope) bool {
		var ev EventView
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		return ev.Type == flowgraph.EventNodeAdded && ev.NodeID == "B"
	})
	assert.Equal(t, 1, h.srv.Clients())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.srv.metrics.connections))
}

func TestCommands(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "f1")
	awaitNode(t, conn, "A")

	send(t, conn, TypeMode, "m1", ModeRequest{Mode: mode.Drag, Props: mode.Props{Node: "A"}})
	readUntil(t, conn, TypeAck, withID("m1"))

	// The repaint frame may run before or after the ack is queued.
	send(t, conn, TypeDrag, "d1", mode.Pointer{Delta: geometry.Point{X: 10, Y: 5}})
	readAll(t, conn,
		func(env Envelope) bool { return env.Type == TypeAck && env.ID == "d1" },
		func(env Envelope) bool {
			if env.Type != TypeEvent {
				return false
			}
			var ev EventView
			require.NoError(t, json.Unmarshal(env.Payload, &ev))
			return ev.Type == flowgraph.EventNodeMoved && ev.Node != nil && ev.Node.Position.X == 110
		})

	// Messages queued while a command runs precede its ack.
	send(t, conn, TypeClick, "c1", mode.Pointer{})
	tr := readUntil(t, conn, TypeMode, func(env Envelope) bool {
		var v TransitionView
		require.NoError(t, json.Unmarshal(env.Payload, &v))
		return v.From == mode.Drag
	})
	var v TransitionView
	require.NoError(t, json.Unmarshal(tr.Payload, &v))
	assert.Equal(t, mode.Default, v.To)
	readUntil(t, conn, TypeAck, withID("c1"))

	assert.Eventually(t, func() bool {
		doc, err := h.store.Load(context.Background(), "f1")
		if err != nil {
			return false
		}
		x, _, ok := doc.NodeInst["A"].Visualization()
		return ok && x == 110
	}, 3*time.Second, 10*time.Millisecond, "release persists the position")
}

func TestCommands_Rejected(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "f1")
	readUntil(t, conn, TypeSnapshot, nil)

	cases := []struct {
		name    string
		typ     string
		payload any
	}{
		{"unknown type", "bogus", nil},
		{"unknown mode", TypeMode, ModeRequest{Mode: "bogus"}},
		{"pointer in default mode", TypeClick, mode.Pointer{}},
		{"menu outside a menu mode", TypeMenu, MenuRequest{Action: "delete"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			send(t, conn, tc.typ, tc.name, tc.payload)
			env := readUntil(t, conn, TypeNack, withID(tc.name))
			var n Nack
			require.NoError(t, json.Unmarshal(env.Payload, &n))
			assert.Equal(t, "invalid", n.Reason)
			assert.NotEmpty(t, n.Error)
		})
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readUntil(t, conn, TypeNack, nil)
	assert.Empty(t, env.ID)
}

func TestCommands_RateLimited(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.CommandRate = 0.001
		c.CommandBurst = 1
	})
	conn := h.dial(t, "f1")
	readUntil(t, conn, TypeSnapshot, nil)

	send(t, conn, TypeSnapshot, "s1", nil)
	readUntil(t, conn, TypeAck, withID("s1"))

	send(t, conn, TypeSnapshot, "s2", nil)
	env := readUntil(t, conn, TypeNack, withID("s2"))
	var n Nack
	require.NoError(t, json.Unmarshal(env.Payload, &n))
	assert.Equal(t, "rate_limited", n.Reason)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.srv.metrics.limited))
}

func TestSnapshotRequest(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "f1")
	readUntil(t, conn, TypeSnapshot, nil)

	send(t, conn, TypeSnapshot, "s1", nil)
	env := readUntil(t, conn, TypeSnapshot, withID("s1"))
	var snap Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.Equal(t, mode.Default, snap.Mode)
	readUntil(t, conn, TypeAck, withID("s1"))
}

func TestDisconnectClosesSession(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "f1")
	readUntil(t, conn, TypeSnapshot, nil)
	require.Len(t, h.manager.IDs(), 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool {
		return len(h.manager.IDs()) == 0 && h.srv.Clients() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "f1")
	readUntil(t, conn, TypeSnapshot, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))
	assert.Empty(t, h.manager.IDs())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
	}

	resp, err := http.Get(h.http.URL + "/?flow=f1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	h := newHarness(t)
	h.srv.cfg.AllowedOrigins = []string{"https://editor.example"}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://editor.example")
	assert.True(t, h.srv.checkOrigin(req))
	req.Header.Set("Origin", "https://other.example")
	assert.False(t, h.srv.checkOrigin(req))
}
