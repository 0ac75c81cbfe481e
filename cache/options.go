package cache

import (
	"time"

	"github.com/brixsport/statekit/metric"
)

// EvictCallback is called when an entry leaves the local cache, whether
// by capacity eviction, expiry sweep, or explicit delete.
type EvictCallback[V any] func(key string, value V)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

// cacheOptions holds internal configuration for cache instances.
// Statistics are always collected; metrics export is opt-in.
type cacheOptions[V any] struct {
	metricsReg   *metric.MetricsRegistry
	metricsLabel string

	evictCallback EvictCallback[V]

	// cleanupInterval is how often the janitor sweeps expired entries
	cleanupInterval time.Duration
}

// WithMetrics exposes the cache's statistics as Prometheus metrics under
// the given label. Ignored when registry is nil.
func WithMetrics[V any](registry *metric.MetricsRegistry, label string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && label != "" {
			opts.metricsReg = registry
			opts.metricsLabel = label
		}
	}
}

// WithEvictionCallback sets a callback invoked with each evicted entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithCleanupInterval sets how often expired entries are swept in the
// background. Ignored when interval is not positive.
func WithCleanupInterval[V any](interval time.Duration) Option[V] {
	return func(opts *cacheOptions[V]) {
		if interval > 0 {
			opts.cleanupInterval = interval
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{
		cleanupInterval: time.Minute,
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
