package template

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/metric"
	"github.com/MOV-AI/flowedit/pkg/cache"
	"github.com/MOV-AI/flowedit/pkg/retry"
)

// Fetcher reads templates from their source. Missing templates must be
// reported with errors.ErrTemplateNotFound.
type Fetcher interface {
	FetchNode(ctx context.Context, name string) (*NodeTemplate, error)
	FetchFlow(ctx context.Context, name string) (*FlowTemplate, error)
}

// Notifier reports remote template changes. The returned stop func ends
// the notifications.
type Notifier interface {
	Notify(ctx context.Context, fn func(kind Kind, name string)) (stop func(), err error)
}

// Config configures a Store.
type Config struct {
	CacheSize int
	Retry     retry.Config
	Registry  *metric.MetricsRegistry // nil disables cache metrics
	Name      string                  // metrics label, required with Registry
	Logger    *slog.Logger
}

// DefaultConfig returns a store configuration without metrics.
func DefaultConfig() Config {
	return Config{
		CacheSize: 512,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
}

// Store resolves templates through a cache. It is safe for concurrent use;
// fetches are made off the editor loop. Concurrent misses on one template
// share a single fetch.
type Store struct {
	fetcher  Fetcher
	nodes    cache.Cache[*NodeTemplate]
	flows    cache.Cache[*FlowTemplate]
	retry    retry.Config
	inflight singleflight.Group
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[int]func(Kind, string)
	nextID    int
	stops     []func()
	closed    bool
}

// NewStore builds a store over fetcher.
func NewStore(fetcher Fetcher, cfg Config) (*Store, error) {
	if fetcher == nil {
		return nil, errors.WrapInvalid(nil, "template", "NewStore", "fetcher cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	nodeOpts := []cache.Option[*NodeTemplate]{}
	flowOpts := []cache.Option[*FlowTemplate]{}
	if cfg.Registry != nil {
		nodeOpts = append(nodeOpts, cache.WithMetrics[*NodeTemplate](cfg.Registry, cfg.Name+"_node_templates"))
		flowOpts = append(flowOpts, cache.WithMetrics[*FlowTemplate](cfg.Registry, cfg.Name+"_flow_templates"))
	}
	nodes, err := cache.NewLRU[*NodeTemplate](cfg.CacheSize, nodeOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "template", "NewStore", "create node cache")
	}
	flows, err := cache.NewLRU[*FlowTemplate](cfg.CacheSize, flowOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "template", "NewStore", "create flow cache")
	}

	return &Store{
		fetcher:   fetcher,
		nodes:     nodes,
		flows:     flows,
		retry:     cfg.Retry,
		logger:    cfg.Logger.With("component", "template.Store"),
		listeners: make(map[int]func(Kind, string)),
	}, nil
}

// GetNode returns a node template, fetching it on a cache miss.
func (s *Store) GetNode(ctx context.Context, name string) (*NodeTemplate, error) {
	if t, ok := s.nodes.Get(name); ok {
		return t, nil
	}
	v, err, _ := s.inflight.Do(flightKey(KindNode, name), func() (any, error) {
		t, err := retry.DoWithResult(ctx, s.retryConfig(), func() (*NodeTemplate, error) {
			return s.fetcher.FetchNode(ctx, name)
		})
		if err != nil {
			return nil, s.fetchError("GetNode", KindNode, name, err)
		}
		if err := s.nodes.Set(name, t); err != nil {
			return nil, errors.WrapInvalid(err, "template", "GetNode", "cache template")
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*NodeTemplate), nil
}

// GetFlow returns a flow template, fetching it on a cache miss.
func (s *Store) GetFlow(ctx context.Context, name string) (*FlowTemplate, error) {
	if t, ok := s.flows.Get(name); ok {
		return t, nil
	}
	v, err, _ := s.inflight.Do(flightKey(KindFlow, name), func() (any, error) {
		t, err := retry.DoWithResult(ctx, s.retryConfig(), func() (*FlowTemplate, error) {
			return s.fetcher.FetchFlow(ctx, name)
		})
		if err != nil {
			return nil, s.fetchError("GetFlow", KindFlow, name, err)
		}
		if err := s.flows.Set(name, t); err != nil {
			return nil, errors.WrapInvalid(err, "template", "GetFlow", "cache template")
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FlowTemplate), nil
}

// GetPort returns one port of a node template.
func (s *Store) GetPort(ctx context.Context, nodeTemplate, port string) (PortTemplate, error) {
	t, err := s.GetNode(ctx, nodeTemplate)
	if err != nil {
		return PortTemplate{}, err
	}
	p, ok := t.Port(port)
	if !ok {
		return PortTemplate{}, errors.WrapInvalid(
			fmt.Errorf("%s/%s: %w", nodeTemplate, port, errors.ErrPortNotFound),
			"template", "GetPort", "resolve port")
	}
	return p, nil
}

// Cached reports whether a template is in the cache, without fetching.
func (s *Store) Cached(kind Kind, name string) bool {
	switch kind {
	case KindNode:
		return s.nodes.Contains(name)
	case KindFlow:
		return s.flows.Contains(name)
	}
	return false
}

func flightKey(kind Kind, name string) string {
	return fmt.Sprintf("%s/%s", kind, name)
}

// Invalidate drops a cached template and tells every listener. A fetch
// already in flight is not shared with later callers.
func (s *Store) Invalidate(kind Kind, name string) {
	s.inflight.Forget(flightKey(kind, name))
	dropped := false
	switch kind {
	case KindNode:
		dropped = s.nodes.Delete(name)
	case KindFlow:
		dropped = s.flows.Delete(name)
	}
	s.logger.Debug("Template invalidated", "kind", kind, "name", name, "cached", dropped)

	s.mu.Lock()
	fns := make([]func(Kind, string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.logger.Debug("Template invalidated", "kind", kind, "name", name)
	for _, fn := range fns {
		fn(kind, name)
	}
}

// OnInvalidate registers fn for every invalidation. The returned func
// removes it.
func (s *Store) OnInvalidate(fn func(Kind, string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Watch invalidates cached templates whenever n reports a change.
func (s *Store) Watch(ctx context.Context, n Notifier) error {
	stop, err := n.Notify(ctx, s.Invalidate)
	if err != nil {
		return errors.WrapTransient(err, "template", "Watch", "subscribe template changes")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		stop()
		return errors.WrapInvalid(errors.ErrClosed, "template", "Watch", "store closed")
	}
	s.stops = append(s.stops, stop)
	return nil
}

// Close stops change notifications and drops both caches.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stops := s.stops
	s.stops = nil
	s.listeners = map[int]func(Kind, string){}
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return errors.Join(s.nodes.Close(), s.flows.Close())
}

func (s *Store) retryConfig() retry.Config {
	cfg := s.retry
	cfg.RetryIf = func(err error) bool {
		return !errors.Is(err, errors.ErrTemplateNotFound) && !errors.IsInvalid(err)
	}
	return cfg
}

func (s *Store) fetchError(method string, kind Kind, name string, err error) error {
	s.logger.Warn("Template fetch failed", "kind", kind, "name", name, "error", err)
	if errors.Is(err, errors.ErrTemplateNotFound) || errors.IsInvalid(err) {
		return errors.WrapInvalid(err, "template", method, fmt.Sprintf("fetch %s %q", kind, name))
	}
	return errors.WrapTransient(err, "template", method, fmt.Sprintf("fetch %s %q", kind, name))
}
