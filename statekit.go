// Package statekit wires the resilience and state layers into one core:
// a bounded connection pool to the remote store, per-group circuit
// breakers, tiered caching, session storage, rate limiting, and cache
// warming. A Core is constructed explicitly from configuration and
// passed by reference; there is no ambient global instance.
package statekit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brixsport/statekit/breaker"
	"github.com/brixsport/statekit/cache"
	"github.com/brixsport/statekit/config"
	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/health"
	"github.com/brixsport/statekit/metric"
	"github.com/brixsport/statekit/ratelimit"
	"github.com/brixsport/statekit/redisclient"
	"github.com/brixsport/statekit/session"
	"github.com/brixsport/statekit/warmer"
)

// Breaker group names, one per state layer. A failing dependency trips
// only its own group.
const (
	GroupCache     = "cache"
	GroupSession   = "session"
	GroupRateLimit = "ratelimit"
)

// Core owns the shared infrastructure and the state layers built on it.
type Core struct {
	cfg      *config.Config
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	monitor  *health.Monitor

	manager  *redisclient.Manager
	breakers *breaker.Registry

	cacheStore   *redisclient.Store
	sessionStore *redisclient.Store
	limiterStore *redisclient.Store

	sessions *session.Store
	limiter  *ratelimit.Limiter

	started bool
	stopCh  chan struct{}
}

// Stats is an aggregate snapshot across the core's layers.
type Stats struct {
	Pool     redisclient.Stats  `json:"pool"`
	Breakers []breaker.Snapshot `json:"breakers"`
}

// CoreOption configures optional Core collaborators.
type CoreOption func(*Core) error

// WithManagerDialer overrides how the pool opens connections. Used by
// tests to substitute fake connections.
func WithManagerDialer(d redisclient.Dialer) CoreOption {
	return func(c *Core) error {
		manager, err := redisclient.NewManager(nil, c.cfg.Pool.MaxSize,
			redisclient.WithDialer(d),
			redisclient.WithAcquireTimeout(c.cfg.Pool.AcquireTimeout),
			redisclient.WithHealthCheckInterval(c.cfg.Pool.HealthCheckInterval),
			redisclient.WithReconnectMaxDelay(c.cfg.Pool.ReconnectMaxDelay),
			redisclient.WithMetrics(c.metrics),
		)
		if err != nil {
			return err
		}
		c.manager = manager
		return nil
	}
}

// New builds a core from configuration. Nothing connects until Start.
func New(cfg *config.Config, opts ...CoreOption) (*Core, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "statekit", "New", "configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		cfg:      cfg,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
		stopCh:   make(chan struct{}),
	}
	c.metrics = c.registry.CoreMetrics()

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.manager == nil {
		manager, err := redisclient.NewManager(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		}, cfg.Pool.MaxSize,
			redisclient.WithAcquireTimeout(cfg.Pool.AcquireTimeout),
			redisclient.WithHealthCheckInterval(cfg.Pool.HealthCheckInterval),
			redisclient.WithReconnectMaxDelay(cfg.Pool.ReconnectMaxDelay),
			redisclient.WithMetrics(c.metrics),
		)
		if err != nil {
			return nil, err
		}
		c.manager = manager
	}

	c.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		MonitoringWindow: cfg.Breaker.MonitoringWindow,
		VolumeThreshold:  cfg.Breaker.VolumeThreshold,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, breaker.WithRegistryMetrics(c.metrics))

	storeFor := func(group string) *redisclient.Store {
		return redisclient.NewStore(c.manager, c.breakers.Get(group),
			redisclient.WithCommandTimeout(cfg.Redis.CommandTimeout),
			redisclient.WithStoreMetrics(c.metrics),
		)
	}
	c.cacheStore = storeFor(GroupCache)
	c.sessionStore = storeFor(GroupSession)
	c.limiterStore = storeFor(GroupRateLimit)

	sessions, err := session.NewStore(c.sessionStore, session.Config{
		TTL:             cfg.Session.TTL,
		MaxPerOwner:     cfg.Session.MaxSessionsPerUser,
		RefreshOnAccess: cfg.Session.RefreshOnAccess,
		Retention:       cfg.Session.RevokedRetention,
		CSRFSecret:      []byte(cfg.Session.Secret),
	}, session.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}
	c.sessions = sessions

	limiter, err := ratelimit.New(c.limiterStore, ratelimit.Config{
		MaxAttempts:       int64(cfg.RateLimit.MaxAttempts),
		Window:            cfg.RateLimit.Window,
		BlockDuration:     cfg.RateLimit.BlockDuration,
		OriginMaxAttempts: int64(cfg.RateLimit.OriginMaxAttempts),
	}, ratelimit.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}
	c.limiter = limiter

	return c, nil
}

// Start connects to the remote store and begins background monitoring.
// Failing the initial probe is fatal.
func (c *Core) Start(ctx context.Context) error {
	if c.started {
		return errors.ErrAlreadyStarted
	}

	c.monitor.UpdateDegraded("pool", "connecting")
	if err := c.manager.Start(ctx); err != nil {
		c.monitor.UpdateUnhealthy("pool", "initial connection probe failed")
		return err
	}
	c.monitor.UpdateHealthy("pool", "connected")
	c.monitor.UpdateHealthy("sessions", "ready")
	c.monitor.UpdateHealthy("ratelimit", "ready")

	go c.watchEvents()
	go c.sessionJanitor()

	c.started = true
	return nil
}

// sessionSweepBatch bounds one janitor sweep so a large backlog cannot
// hold a session lock stripe for long.
const sessionSweepBatch = 256

// sessionJanitor periodically sweeps aged session records and their
// index entries.
func (c *Core) sessionJanitor() {
	ticker := time.NewTicker(c.cfg.Session.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Redis.CommandTimeout*10)
			removed, err := c.sessions.CleanupExpired(ctx, sessionSweepBatch)
			cancel()
			if err != nil {
				c.monitor.UpdateFromError("sessions", "cleanup sweep", err)
				continue
			}
			c.monitor.UpdateHealthy("sessions", fmt.Sprintf("ready, last sweep removed %d", removed))
		}
	}
}

// Stop tears down the core. Safe to call once after a successful Start.
func (c *Core) Stop() error {
	if !c.started {
		return errors.ErrNotStarted
	}
	c.started = false
	close(c.stopCh)
	return c.manager.Close()
}

// watchEvents folds pool lifecycle events into component health.
func (c *Core) watchEvents() {
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.manager.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case redisclient.EventReconnecting:
				c.monitor.UpdateUnhealthy("pool", "remote store unreachable, reconnecting")
			case redisclient.EventHealthCheckFailed:
				c.monitor.UpdateDegraded("pool", fmt.Sprintf("health check failed on conn %d", ev.ConnID))
			case redisclient.EventConnected, redisclient.EventReconnected:
				c.monitor.UpdateHealthy("pool", "connected")
			case redisclient.EventClosed:
				c.monitor.UpdateDegraded("pool", "closed")
			}
		}
	}
}

// Sessions returns the session store.
func (c *Core) Sessions() *session.Store { return c.sessions }

// RateLimiter returns the attempt limiter.
func (c *Core) RateLimiter() *ratelimit.Limiter { return c.limiter }

// CacheStore returns the breaker-guarded command surface of the cache
// group, for callers building their own typed caches.
func (c *Core) CacheStore() redisclient.RemoteStore { return c.cacheStore }

// Breakers returns the circuit breaker registry.
func (c *Core) Breakers() *breaker.Registry { return c.breakers }

// MetricsRegistry returns the registry backing the /metrics endpoint.
func (c *Core) MetricsRegistry() *metric.MetricsRegistry { return c.registry }

// Health returns the aggregate health across the core's components.
func (c *Core) Health() health.Status {
	return c.monitor.AggregateHealth("statekit")
}

// HealthDetail returns per-component health.
func (c *Core) HealthDetail() map[string]health.Status {
	return c.monitor.GetAll()
}

// Stats returns a snapshot across the pool and breaker groups.
func (c *Core) Stats() Stats {
	return Stats{
		Pool:     c.manager.Stats(),
		Breakers: c.breakers.Snapshots(),
	}
}

// NewCache builds a typed tiered cache on the core's cache group. name
// namespaces its remote keys.
func NewCache[V any](c *Core, name string, opts ...cache.Option[V]) (*cache.Tiered[V], error) {
	opts = append(opts, cache.WithMetrics[V](c.registry, name))
	return cache.NewTiered[V](name, c.cacheStore, cache.TieredConfig{
		L1MaxSize:    c.cfg.Cache.L1MaxEntries,
		L1TTLCeiling: c.cfg.Cache.L1TTLCeiling,
		DefaultTTL:   c.cfg.Cache.L2DefaultTTL,
	}, opts...)
}

// NewWarmer builds a warmer for a cache created with NewCache, using the
// configured warming cadence.
func NewWarmer[V any](c *Core, target *cache.Tiered[V], opts ...warmer.Option[V]) (*warmer.Warmer[V], error) {
	interval := c.cfg.Warmer.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	opts = append(opts, warmer.WithMetrics[V](c.metrics))
	return warmer.New(target, interval, opts...)
}
