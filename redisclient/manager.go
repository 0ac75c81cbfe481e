// Package redisclient manages a bounded pool of dedicated connections to
// the remote key-value store, with health-checked reconnection and a
// circuit-breaker-guarded command surface.
package redisclient

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/metric"
)

// Manager owns a bounded pool of connections to the remote store.
// A connection is either idle (owned by the Manager), lent out through
// exactly one Lease, or destroyed. Waiting callers are served FIFO.
type Manager struct {
	dialer Dialer
	client *redis.Client // nil when a custom dialer is injected

	maxSize           int
	acquireTimeout    time.Duration
	healthInterval    time.Duration
	reconnectMaxDelay time.Duration

	logger      Logger
	metrics     *metric.Metrics
	events      chan Event
	eventBuffer int

	mu           sync.Mutex
	idle         []*Conn
	inUse        int
	dialing      int
	checking     int // idle conns pulled out for an in-flight health sweep
	waiters      []chan *Conn
	closed       bool
	started      bool
	reconnecting bool

	// Counters, guarded by mu
	created   uint64
	destroyed uint64
	acquired  uint64
	released  uint64
	timeouts  uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	MaxSize   int    `json:"max_size"`
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	Waiting   int    `json:"waiting"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Acquired  uint64 `json:"acquired"`
	Released  uint64 `json:"released"`
	Timeouts  uint64 `json:"timeouts"`
}

// NewManager creates a connection manager. redisOpts may be nil when a
// custom dialer is injected via WithDialer.
func NewManager(redisOpts *redis.Options, maxSize int, opts ...ManagerOption) (*Manager, error) {
	if maxSize <= 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Manager", "NewManager", "pool size must be positive")
	}

	m := &Manager{
		maxSize:           maxSize,
		acquireTimeout:    3 * time.Second,
		healthInterval:    15 * time.Second,
		reconnectMaxDelay: 30 * time.Second,
		logger:            &defaultLogger{},
		eventBuffer:       64,
		stopCh:            make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, errors.WrapInvalid(err, "Manager", "NewManager", "apply option")
		}
	}

	if m.dialer == nil {
		if redisOpts == nil {
			return nil, errors.WrapFatal(errors.ErrMissingConfig, "Manager", "NewManager", "redis options")
		}
		client := redis.NewClient(redisOpts)
		m.client = client
		m.dialer = &redisDialer{client: client}
	}

	m.events = make(chan Event, m.eventBuffer)

	return m, nil
}

// Events returns the lifecycle event channel. Events are dropped, not
// queued unboundedly, when the consumer falls behind.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Start probes the remote store and begins background health checking.
// A failed initial probe is fatal: the process must not run half-connected.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	if m.closed {
		m.mu.Unlock()
		return errors.ErrShuttingDown
	}
	m.started = true
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return errors.WrapFatal(err, "Manager", "Start", "initial connection probe")
	}

	m.mu.Lock()
	m.created++
	m.addIdleLocked(conn)
	m.updateGaugesLocked()
	m.mu.Unlock()
	m.publish(EventConnected, conn.ID(), nil)

	m.wg.Add(1)
	go m.healthLoop()

	return nil
}

// Acquire returns a pooled connection lease. It first reuses an idle
// connection that passes a liveness probe, then opens a new connection if
// under maxSize, and otherwise waits FIFO until a release, failing fast
// with ErrPoolExhausted at the acquire timeout.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.WrapTransient(errors.ErrShuttingDown, "Manager", "Acquire", "pool closed")
		}

		if conn := m.popIdleLocked(); conn != nil {
			m.inUse++
			m.acquired++
			m.updateGaugesLocked()
			m.mu.Unlock()

			if err := conn.Ping(ctx); err != nil {
				m.logger.Debugf("idle conn %d failed liveness probe: %v", conn.ID(), err)
				m.destroyConn(conn, err)
				continue
			}
			if m.metrics != nil {
				m.metrics.PoolAcquiresTotal.Inc()
			}
			return &Lease{manager: m, conn: conn}, nil
		}

		if m.totalLocked() < m.maxSize {
			m.dialing++
			m.mu.Unlock()

			conn, err := m.dialer.Dial(ctx)

			m.mu.Lock()
			m.dialing--
			if err != nil {
				m.updateGaugesLocked()
				m.mu.Unlock()
				return nil, errors.WrapTransient(errors.ErrConnectFailed, "Manager", "Acquire", "open connection")
			}
			m.created++
			m.inUse++
			m.acquired++
			m.updateGaugesLocked()
			m.mu.Unlock()

			m.publish(EventConnected, conn.ID(), nil)
			if m.metrics != nil {
				m.metrics.PoolAcquiresTotal.Inc()
			}
			return &Lease{manager: m, conn: conn}, nil
		}

		// Pool saturated: wait FIFO for a release
		waiter := make(chan *Conn, 1)
		m.waiters = append(m.waiters, waiter)
		m.updateGaugesLocked()
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.abandonWaiter(waiter)
			m.mu.Lock()
			m.timeouts++
			m.updateGaugesLocked()
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.PoolAcquireTimeouts.Inc()
			}
			return nil, errors.WrapTransient(errors.ErrPoolExhausted, "Manager", "Acquire", "wait for connection")
		case conn := <-waiter:
			if conn == nil {
				// Capacity freed or shutdown; loop re-evaluates
				continue
			}
			m.mu.Lock()
			m.acquired++
			m.updateGaugesLocked()
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.PoolAcquiresTotal.Inc()
			}
			return &Lease{manager: m, conn: conn}, nil
		}
	}
}

// Stats returns a snapshot of pool counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		MaxSize:   m.maxSize,
		Idle:      len(m.idle),
		InUse:     m.inUse,
		Waiting:   len(m.waiters),
		Created:   m.created,
		Destroyed: m.destroyed,
		Acquired:  m.acquired,
		Released:  m.released,
		Timeouts:  m.timeouts,
	}
}

// Close stops accepting acquisitions and tears down all pooled connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.ErrAlreadyStopped
	}
	m.closed = true

	// Wake every waiter; they observe closed and fail fast
	for _, w := range m.waiters {
		w <- nil
	}
	m.waiters = nil

	idle := m.idle
	m.idle = nil
	m.destroyed += uint64(len(idle))
	m.updateGaugesLocked()
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	for _, conn := range idle {
		_ = conn.Close()
	}

	var err error
	if m.client != nil {
		err = m.client.Close()
	}

	m.publish(EventClosed, 0, nil)
	return err
}

// release returns a lent connection to the pool, handing it directly to
// the oldest waiter when one exists.
func (m *Manager) release(conn *Conn) {
	m.mu.Lock()
	m.released++

	if m.closed {
		m.inUse--
		m.destroyed++
		m.updateGaugesLocked()
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	if len(m.waiters) > 0 {
		waiter := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.updateGaugesLocked()
		m.mu.Unlock()
		waiter <- conn // stays in use, ownership transfers
		return
	}

	m.inUse--
	m.idle = append(m.idle, conn)
	m.updateGaugesLocked()
	m.mu.Unlock()
}

// destroyConn removes a lent connection from the pool entirely. Used when
// a connection's state is unknown (command timeout, failed probe): it must
// not be returned to the pool.
func (m *Manager) destroyConn(conn *Conn, cause error) {
	m.mu.Lock()
	m.inUse--
	m.destroyed++
	waiter := m.popWaiterLocked()
	m.updateGaugesLocked()
	m.mu.Unlock()

	_ = conn.Close()
	m.publish(EventDisconnected, conn.ID(), cause)

	// Capacity freed: let the oldest waiter retry (it may dial anew)
	if waiter != nil {
		waiter <- nil
	}
}

// addIdleLocked parks a connection, serving the oldest waiter first.
// Caller holds mu.
func (m *Manager) addIdleLocked(conn *Conn) {
	if len(m.waiters) > 0 {
		waiter := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.inUse++
		waiter <- conn
		return
	}
	m.idle = append(m.idle, conn)
}

// popIdleLocked removes and returns the most recently parked connection.
// Caller holds mu.
func (m *Manager) popIdleLocked() *Conn {
	n := len(m.idle)
	if n == 0 {
		return nil
	}
	conn := m.idle[n-1]
	m.idle = m.idle[:n-1]
	return conn
}

// popWaiterLocked removes and returns the oldest waiter, if any.
// Caller holds mu.
func (m *Manager) popWaiterLocked() chan *Conn {
	if len(m.waiters) == 0 {
		return nil
	}
	waiter := m.waiters[0]
	m.waiters = m.waiters[1:]
	return waiter
}

// abandonWaiter removes a timed-out waiter from the queue. If a connection
// was handed to it concurrently, the connection goes back to the pool.
func (m *Manager) abandonWaiter(waiter chan *Conn) {
	m.mu.Lock()
	for i, w := range m.waiters {
		if w == waiter {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	// Already removed from the queue: whoever popped this waiter is
	// committed to sending exactly once, possibly after dropping the
	// lock. Wait for that handoff; a non-blocking drain could run in the
	// gap and strand the connection in the in-use count forever.
	conn := <-waiter
	if conn != nil {
		m.release(conn)
	}
}

func (m *Manager) totalLocked() int {
	return len(m.idle) + m.inUse + m.dialing + m.checking
}

func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.PoolConnectionsIdle.Set(float64(len(m.idle)))
	m.metrics.PoolConnectionsInUse.Set(float64(m.inUse))
	m.metrics.PoolWaiters.Set(float64(len(m.waiters)))
}

// healthLoop pings idle connections on a fixed interval, destroying the
// unhealthy ones, and starts the reconnect supervisor when the pool has
// no connections left at all.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkIdleConnections()
		}
	}
}

func (m *Manager) checkIdleConnections() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	checking := m.idle
	m.idle = nil
	// Conns under probe still occupy pool capacity; concurrent Acquires
	// must not dial past maxSize while they are out.
	m.checking = len(checking)
	m.mu.Unlock()

	var healthy []*Conn
	for _, conn := range checking {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := conn.Ping(ctx)
		cancel()

		if err != nil {
			m.logger.Printf("health check failed for conn %d: %v", conn.ID(), err)
			m.publish(EventHealthCheckFailed, conn.ID(), err)
			m.mu.Lock()
			m.checking--
			m.destroyed++
			m.updateGaugesLocked()
			m.mu.Unlock()
			_ = conn.Close()
			continue
		}
		healthy = append(healthy, conn)
	}

	m.mu.Lock()
	for _, conn := range healthy {
		m.checking--
		m.addIdleLocked(conn)
	}
	empty := m.totalLocked() == 0
	startSupervisor := empty && !m.reconnecting && !m.closed
	if startSupervisor {
		m.reconnecting = true
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if startSupervisor {
		m.wg.Add(1)
		go m.reconnectLoop()
	}
}

// reconnectLoop re-establishes connectivity after a total outage using
// exponential backoff with jitter, capped at reconnectMaxDelay, so many
// processes do not reconnect in lockstep.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	m.publish(EventReconnecting, 0, nil)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = m.reconnectMaxDelay
	policy.MaxElapsedTime = 0 // retry until shutdown

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if m.metrics != nil {
			m.metrics.PoolReconnects.Inc()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := m.dialer.Dial(ctx)
		cancel()

		if err == nil {
			m.mu.Lock()
			m.created++
			m.reconnecting = false
			m.addIdleLocked(conn)
			m.updateGaugesLocked()
			m.mu.Unlock()
			m.publish(EventReconnected, conn.ID(), nil)
			m.logger.Printf("reconnected to remote store (conn %d)", conn.ID())
			return
		}

		wait := policy.NextBackOff()
		m.logger.Debugf("reconnect attempt failed, retrying in %v: %v", wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Lease is an exclusive loan of one pooled connection.
type Lease struct {
	manager *Manager
	conn    *Conn
	done    sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Conn {
	return l.conn
}

// Release returns the connection to the pool for reuse.
func (l *Lease) Release() {
	l.done.Do(func() {
		l.manager.release(l.conn)
	})
}

// Discard destroys the connection instead of pooling it. Use when the
// connection's state is unknown, e.g. after a command timeout.
func (l *Lease) Discard(cause error) {
	l.done.Do(func() {
		l.manager.destroyConn(l.conn, cause)
	})
}
