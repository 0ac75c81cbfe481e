package breaker

import (
	"sync"

	"github.com/brixsport/statekit/metric"
)

// Registry hands out one breaker per operation group, all sharing the same
// configuration. Groups are created lazily on first use.
type Registry struct {
	cfg     Config
	metrics *metric.Metrics

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with shared configuration.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg.normalized(),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics exports state and transition metrics for every group.
func WithRegistryMetrics(m *metric.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Get returns the breaker for a group, creating it on first use.
func (r *Registry) Get(group string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[group]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock
	if b, exists := r.breakers[group]; exists {
		return b
	}

	var opts []Option
	if r.metrics != nil {
		opts = append(opts, WithMetrics(r.metrics))
	}
	b = New(group, r.cfg, opts...)
	r.breakers[group] = b
	return b
}

// Snapshots returns the current state of every known group.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}
