package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brixsport/statekit/metric"
)

// cacheMetrics exposes L1 counters as Prometheus metrics. Statistics are
// always collected; this is the optional export layer on top.
type cacheMetrics struct {
	hits         prometheus.Counter
	misses       prometheus.Counter
	sets         prometheus.Counter
	evictions    prometheus.Counter
	expirations  prometheus.Counter
	remoteErrors prometheus.Counter
	size         prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, label string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "statekit",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: prometheus.Labels{"cache": label},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:         counter("hits_total", "Total number of local cache hits"),
		misses:       counter("misses_total", "Total number of local cache misses"),
		sets:         counter("sets_total", "Total number of local cache stores"),
		evictions:    counter("evictions_total", "Total number of capacity evictions"),
		expirations:  counter("expirations_total", "Total number of TTL expirations"),
		remoteErrors: counter("remote_errors_total", "Total number of remote failures absorbed by the cache"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "statekit",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"cache": label},
			Help:        "Current number of entries in the local cache",
		}),
	}

	if err := registry.RegisterCounter(label, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "cache_sets", m.sets); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "cache_expirations", m.expirations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(label, "cache_remote_errors", m.remoteErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(label, "cache_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}
