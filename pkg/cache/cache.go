// Package cache holds fetched templates in memory. Entries are keyed by
// template name and leave the cache by eviction or explicit invalidation.
package cache

import "github.com/MOV-AI/flowedit/metric"

// Cache is a concurrency-safe in-memory cache keyed by string.
type Cache[V any] interface {
	// Get returns the value and marks it recently used.
	Get(key string) (V, bool)
	// Contains reports presence without touching recency or statistics.
	Contains(key string) bool
	// Set stores value, evicting as needed. An empty key is invalid.
	Set(key string, value V) error
	// Delete drops key and reports whether it was present.
	Delete(key string) bool
	Len() int
	// Keys lists keys from most to least recently used.
	Keys() []string
	Stats() Stats
	Close() error
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Deletes   int64
	Entries   int
}

// HitRatio is Hits over lookups, or 0 before the first lookup.
func (s Stats) HitRatio() float64 {
	if n := s.Hits + s.Misses; n > 0 {
		return float64(s.Hits) / float64(n)
	}
	return 0
}

// Option configures a cache.
type Option[V any] func(*options[V])

type options[V any] struct {
	registry *metric.MetricsRegistry
	name     string
	onEvict  func(key string, value V)
}

// WithMetrics exports the counters under the cache label name. A nil
// registry or empty name leaves the cache unexported.
func WithMetrics[V any](registry *metric.MetricsRegistry, name string) Option[V] {
	return func(o *options[V]) {
		o.registry, o.name = registry, name
	}
}

// WithEvictionCallback is called, outside the cache lock, for every entry
// that leaves the cache by eviction, Delete or Clear.
func WithEvictionCallback[V any](fn func(key string, value V)) Option[V] {
	return func(o *options[V]) {
		o.onEvict = fn
	}
}
