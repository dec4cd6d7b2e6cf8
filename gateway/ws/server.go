// Package ws serves editor sessions over websocket. Each connection opens
// one session on the flow named by the "flow" query parameter, receives
// the graph and its changes, and sends mode and pointer commands.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/metric"
	"github.com/MOV-AI/flowedit/session"
)

// Config configures a Server.
type Config struct {
	Manager *session.Manager

	ReadBufferSize  int
	WriteBufferSize int
	// SendQueue is the number of outgoing messages buffered per client;
	// a client falling further behind is disconnected.
	SendQueue    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	OpenTimeout  time.Duration
	MaxMessage   int64
	// CommandRate limits client messages per second, with CommandBurst
	// allowed at once. Messages over the limit are refused.
	CommandRate  float64
	CommandBurst int
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string

	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.MaxMessage <= 0 {
		c.MaxMessage = 64 * 1024
	}
	if c.CommandRate <= 0 {
		c.CommandRate = 200
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(c.CommandRate), c.CommandBurst)
}

type serverMetrics struct {
	connections prometheus.Gauge
	received    *prometheus.CounterVec // type
	sent        *prometheus.CounterVec // type
	dropped     prometheus.Counter
	limited     prometheus.Counter
}

func newServerMetrics(registry *metric.MetricsRegistry) (*serverMetrics, error) {
	m := &serverMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowedit",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "ws",
			Name:      "messages_received_total",
			Help:      "Client messages received by type",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Messages queued to clients by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "ws",
			Name:      "slow_clients_total",
			Help:      "Clients disconnected because their send queue was full",
		}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "ws",
			Name:      "rate_limited_total",
			Help:      "Client messages refused by the command rate limit",
		}),
	}
	if registry == nil {
		return m, nil
	}
	if err := registry.RegisterGauge("ws", "connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ws", "messages_received", m.received); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ws", "messages_sent", m.sent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("ws", "slow_clients", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("ws", "rate_limited", m.limited); err != nil {
		return nil, err
	}
	return m, nil
}

// Server upgrades HTTP requests to editor connections.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	metrics  *serverMetrics
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewServer creates a server over a session manager.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "ws", "NewServer", "session manager is required")
	}
	cfg = cfg.withDefaults()
	m, err := newServerMetrics(cfg.Registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "ws", "NewServer", "register metrics")
	}
	s := &Server{
		cfg:     cfg,
		metrics: m,
		logger:  cfg.Logger.With("component", "ws"),
		clients: map[*client]struct{}{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP opens a session and serves it until either side closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flowID := r.URL.Query().Get("flow")
	if flowID == "" {
		http.Error(w, "flow query parameter is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpenTimeout)
	sess, err := s.cfg.Manager.Open(ctx, flowID)
	cancel()
	if err != nil {
		s.logger.Warn("Session open failed", "flow_id", flowID, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "open session failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}

	c := newClient(s, conn, sess)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.connections.Inc()

	c.run()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.metrics.connections.Dec()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), s.cfg.OpenTimeout)
	defer closeCancel()
	if err := s.cfg.Manager.Close(closeCtx, sess.ID()); err != nil {
		s.logger.Warn("Session close failed", "session_id", sess.ID(), "error", err)
	}
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown disconnects every client and waits for their sessions to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		c.stop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "ws", "Shutdown", "wait for clients")
	}
}
