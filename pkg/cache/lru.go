package cache

import (
	"container/list"
	"sync"

	"github.com/MOV-AI/flowedit/errors"
)

type item[V any] struct {
	key   string
	value V
}

// LRU drops the least recently used entry when a Set would exceed capacity.
type LRU[V any] struct {
	capacity int
	onEvict  func(string, V)
	metrics  *cacheMetrics

	mu      sync.Mutex
	index   map[string]*list.Element
	recency *list.List // front is most recent
	stats   Stats
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU[V any](capacity int, opts ...Option[V]) (*LRU[V], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "capacity must be positive")
	}
	var o options[V]
	for _, opt := range opts {
		opt(&o)
	}
	c := &LRU[V]{
		capacity: capacity,
		onEvict:  o.onEvict,
		index:    make(map[string]*list.Element, capacity),
		recency:  list.New(),
	}
	if o.registry != nil && o.name != "" {
		m, err := newCacheMetrics(o.registry, o.name)
		if err != nil {
			return nil, errors.Wrap(err, "cache", "NewLRU", "register metrics")
		}
		c.metrics = m
	}
	return c, nil
}

var _ Cache[int] = (*LRU[int])(nil)

func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	c.lookup(ok)
	if !ok {
		var zero V
		return zero, false
	}
	c.recency.MoveToFront(el)
	return el.Value.(*item[V]).value, true
}

func (c *LRU[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}

func (c *LRU[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(nil, "cache", "Set", "key cannot be empty")
	}
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		el.Value.(*item[V]).value = value
		c.recency.MoveToFront(el)
		c.mu.Unlock()
		return nil
	}
	c.index[key] = c.recency.PushFront(&item[V]{key: key, value: value})
	var evicted []item[V]
	for c.recency.Len() > c.capacity {
		evicted = append(evicted, c.unlink(c.recency.Back()))
		c.stats.Evictions++
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
	}
	c.resized()
	c.mu.Unlock()

	c.evicted(evicted)
	return nil
}

func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	el, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	it := c.unlink(el)
	c.stats.Deletes++
	c.resized()
	c.mu.Unlock()

	c.evicted([]item[V]{it})
	return true
}

// Clear drops every entry, oldest first.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	var dropped []item[V]
	for el := c.recency.Back(); el != nil; el = el.Prev() {
		dropped = append(dropped, *el.Value.(*item[V]))
	}
	clear(c.index)
	c.recency.Init()
	c.resized()
	c.mu.Unlock()

	c.evicted(dropped)
}

func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.recency.Len())
	for el := c.recency.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*item[V]).key)
	}
	return keys
}

func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close drops every entry.
func (c *LRU[V]) Close() error {
	c.Clear()
	return nil
}

// mu held
func (c *LRU[V]) lookup(hit bool) {
	result := "miss"
	if hit {
		c.stats.Hits++
		result = "hit"
	} else {
		c.stats.Misses++
	}
	if c.metrics != nil {
		c.metrics.lookups.WithLabelValues(result).Inc()
	}
}

// mu held
func (c *LRU[V]) unlink(el *list.Element) item[V] {
	it := c.recency.Remove(el).(*item[V])
	delete(c.index, it.key)
	return *it
}

// mu held
func (c *LRU[V]) resized() {
	c.stats.Entries = c.recency.Len()
	if c.metrics != nil {
		c.metrics.entries.Set(float64(c.stats.Entries))
	}
}

func (c *LRU[V]) evicted(items []item[V]) {
	if c.onEvict == nil {
		return
	}
	for _, it := range items {
		c.onEvict(it.key, it.value)
	}
}
