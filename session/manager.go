package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowgraph"
	"github.com/MOV-AI/flowedit/metric"
)

type managerMetrics struct {
	opened prometheus.Counter
	failed prometheus.Counter
	active prometheus.Gauge
}

func newManagerMetrics(registry *metric.MetricsRegistry) (*managerMetrics, error) {
	m := &managerMetrics{
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Editor sessions opened",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowedit",
			Subsystem: "session",
			Name:      "open_failures_total",
			Help:      "Editor sessions that failed to open",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowedit",
			Subsystem: "session",
			Name:      "active",
			Help:      "Editor sessions currently open",
		}),
	}
	if registry == nil {
		return m, nil
	}
	if err := registry.RegisterCounter("session", "opened", m.opened); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("session", "open_failures", m.failed); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("session", "active", m.active); err != nil {
		return nil, err
	}
	return m, nil
}

// Manager tracks the open sessions of a process. It is safe for concurrent use.
type Manager struct {
	backend Backend
	opts    Options
	metrics *managerMetrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager. With a registry, graph and session metrics
// are registered once and shared by every session.
func NewManager(backend Backend, opts Options, registry *metric.MetricsRegistry) (*Manager, error) {
	if err := backend.check("NewManager"); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if opts.Metrics == nil && registry != nil {
		gm, err := flowgraph.NewMetrics(registry)
		if err != nil {
			return nil, errors.WrapFatal(err, "session", "NewManager", "register graph metrics")
		}
		opts.Metrics = gm
	}
	m, err := newManagerMetrics(registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "session", "NewManager", "register session metrics")
	}
	return &Manager{
		backend:  backend,
		opts:     opts,
		metrics:  m,
		logger:   opts.Logger.With("component", "session.Manager"),
		sessions: map[string]*Session{},
	}, nil
}

// Open starts a session on flowID and tracks it until it is closed.
func (m *Manager) Open(ctx context.Context, flowID string) (*Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, errors.WrapInvalid(errors.ErrClosed, "session", "Manager.Open", "open session")
	}

	s, err := Open(ctx, flowID, m.backend, m.opts)
	if err != nil {
		m.metrics.failed.Inc()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close(ctx)
		return nil, errors.WrapInvalid(errors.ErrClosed, "session", "Manager.Open", "open session")
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.metrics.opened.Inc()
	m.metrics.active.Inc()
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IDs lists the open sessions.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes and forgets one session.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "session", "Manager.Close", "find session "+id)
	}
	m.metrics.active.Dec()
	return s.Close(ctx)
}

// Shutdown closes every session and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		m.metrics.active.Dec()
		if err := s.Close(ctx); err != nil {
			m.logger.Error("Session close failed", "session_id", s.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
