package health

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Probe checks one backend. A nil error is healthy.
type Probe func(ctx context.Context) error

// Monitor keeps the last status of each component. Statuses come from
// registered probes run by Refresh, or are set directly by the owner of a
// component.
type Monitor struct {
	budget time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	probes map[string]Probe
	latest map[string]Status
}

// NewMonitor creates a monitor that gives each probe run budget.
func NewMonitor(budget time.Duration, logger *slog.Logger) *Monitor {
	if budget <= 0 {
		budget = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		budget: budget,
		logger: logger.With("component", "health"),
		probes: map[string]Probe{},
		latest: map[string]Status{},
	}
}

// Register adds a probe for name, replacing any earlier one.
func (m *Monitor) Register(name string, p Probe) {
	m.mu.Lock()
	m.probes[name] = p
	m.mu.Unlock()
}

// Set records the status of name.
func (m *Monitor) Set(name string, level Level, message string) {
	m.store(NewStatus(name, level, message))
}

func (m *Monitor) store(s Status) {
	m.mu.Lock()
	prev, seen := m.latest[s.Component]
	m.latest[s.Component] = s
	m.mu.Unlock()
	if seen && prev.Level != s.Level {
		m.logger.Info("Health changed", "target", s.Component, "from", prev.Level, "to", s.Level, "message", s.Message)
	}
}

// Lookup returns the last status of name.
func (m *Monitor) Lookup(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.latest[name]
	return s, ok
}

// Forget drops name and its probe.
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	delete(m.latest, name)
	delete(m.probes, name)
	m.mu.Unlock()
}

// Refresh runs the probes concurrently and waits for all of them.
func (m *Monitor) Refresh(ctx context.Context) {
	m.mu.RLock()
	probes := maps.Clone(m.probes)
	m.mu.RUnlock()

	var g errgroup.Group
	for name, probe := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.budget)
			defer cancel()
			start := time.Now()
			err := probe(pctx)
			if err != nil {
				m.logger.Warn("Health probe failed", "probe", name, "error", err)
			}
			m.store(probeStatus(name, err, time.Since(start), m.budget))
			return nil
		})
	}
	_ = g.Wait()
}

// Run refreshes at once and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		m.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// Report rolls every component up under name, sorted by component.
func (m *Monitor) Report(name string) Status {
	m.mu.RLock()
	all := slices.Collect(maps.Values(m.latest))
	m.mu.RUnlock()
	slices.SortFunc(all, func(a, b Status) int { return cmp.Compare(a.Component, b.Component) })
	return Rollup(name, all)
}

// Handler serves Report(name) as JSON, answering 503 when unhealthy.
func (m *Monitor) Handler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := m.Report(name)
		w.Header().Set("Content-Type", "application/json")
		if report.Level == Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			m.logger.Debug("Write health report failed", "error", err)
		}
	})
}
