package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skerrors "github.com/brixsport/statekit/errors"
)

// fakeDialer hands out in-memory connections with controllable ping and
// dial behavior.
type fakeDialer struct {
	mu       sync.Mutex
	nextID   uint64
	dials    int
	dialErr  error
	pingErr  map[uint64]error
	closed   map[uint64]bool
	pingGate chan struct{}
	pinging  *atomic.Int32
}

func (d *fakeDialer) Dial(_ context.Context) (*Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials++
	d.nextID++
	id := d.nextID

	c := &Conn{id: id}
	c.ping = func(_ context.Context) error {
		d.mu.Lock()
		gate := d.pingGate
		counter := d.pinging
		err := d.pingErr[id]
		d.mu.Unlock()
		if gate != nil {
			if counter != nil {
				counter.Add(1)
			}
			<-gate
		}
		return err
	}
	c.close = func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed == nil {
			d.closed = make(map[uint64]bool)
		}
		d.closed[id] = true
		return nil
	}
	c.state.Store(int32(StateReady))
	return c, nil
}

func (d *fakeDialer) failPing(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pingErr == nil {
		d.pingErr = make(map[uint64]error)
	}
	d.pingErr[id] = errors.New("connection reset")
}

// blockPings makes every subsequent ping park on gate after bumping
// pinging. Close the gate to let them through.
func (d *fakeDialer) blockPings(gate chan struct{}, pinging *atomic.Int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pingGate = gate
	d.pinging = pinging
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) isClosed(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed[id]
}

func newTestManager(t *testing.T, maxSize int, d *fakeDialer, opts ...ManagerOption) *Manager {
	t.Helper()
	opts = append([]ManagerOption{WithDialer(d), WithAcquireTimeout(50 * time.Millisecond)}, opts...)
	m, err := NewManager(nil, maxSize, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewManagerRejectsInvalidSize(t *testing.T) {
	_, err := NewManager(nil, 0, WithDialer(&fakeDialer{}))
	require.ErrorIs(t, err, skerrors.ErrInvalidConfig)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 3, d)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	firstID := lease.Conn().ID()
	lease.Release()

	lease, err = m.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, firstID, lease.Conn().ID(), "released connection must be reused")
	assert.Equal(t, 1, d.dialCount())
}

func TestAcquireDialsUpToMaxSize(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 3, d)

	var leases []*Lease
	for i := 0; i < 3; i++ {
		lease, err := m.Acquire(context.Background())
		require.NoError(t, err)
		leases = append(leases, lease)
	}
	assert.Equal(t, 3, d.dialCount())

	stats := m.Stats()
	assert.Equal(t, 3, stats.InUse)
	assert.Equal(t, 0, stats.Idle)

	for _, lease := range leases {
		lease.Release()
	}
	assert.Equal(t, 3, m.Stats().Idle)
}

func TestSaturatedPoolFailsFastAtTimeout(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 2, d)

	a, err := m.Acquire(context.Background())
	require.NoError(t, err)
	b, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer a.Release()
	defer b.Release()

	start := time.Now()
	_, err = m.Acquire(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, skerrors.ErrPoolExhausted)
	assert.True(t, skerrors.IsTransient(err))
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "must wait out the acquire timeout")
	assert.Equal(t, uint64(1), m.Stats().Timeouts)
}

func TestConcurrentAcquiresRespectPoolBound(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 2, d)

	type result struct {
		lease *Lease
		err   error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		go func() {
			lease, err := m.Acquire(context.Background())
			results <- result{lease, err}
		}()
	}

	var held []*Lease
	var failed int
	for i := 0; i < 3; i++ {
		r := <-results
		if r.err != nil {
			failed++
			require.ErrorIs(t, r.err, skerrors.ErrPoolExhausted)
			continue
		}
		held = append(held, r.lease)
	}

	// Exactly two fit in the pool; the third timed out while both were held
	assert.Len(t, held, 2)
	assert.Equal(t, 1, failed)
	assert.LessOrEqual(t, d.dialCount(), 2)
	for _, lease := range held {
		lease.Release()
	}
}

func TestReleaseHandsConnectionToWaiter(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 1, d, WithAcquireTimeout(time.Second))

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	heldID := lease.Conn().ID()

	got := make(chan *Lease, 1)
	go func() {
		l, err := m.Acquire(context.Background())
		require.NoError(t, err)
		got <- l
	}()

	// Let the second caller queue up, then hand over
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, m.Stats().Waiting)
	lease.Release()

	next := <-got
	assert.Equal(t, heldID, next.Conn().ID(), "waiter must receive the released connection")
	assert.Equal(t, 1, d.dialCount())
	next.Release()
}

func TestDiscardDestroysAndFreesCapacity(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 1, d)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	discardedID := lease.Conn().ID()
	lease.Discard(errors.New("command timeout"))

	assert.True(t, d.isClosed(discardedID))

	lease, err = m.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	assert.NotEqual(t, discardedID, lease.Conn().ID(), "discarded connection must not be reused")
	assert.Equal(t, uint64(1), m.Stats().Destroyed)
}

func TestAcquireDiscardsIdleConnectionFailingProbe(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 2, d)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	staleID := lease.Conn().ID()
	lease.Release()

	d.failPing(staleID)

	lease, err = m.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	assert.NotEqual(t, staleID, lease.Conn().ID())
	assert.True(t, d.isClosed(staleID))
}

func TestStartFailsOnInitialProbe(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("connection refused")}
	m, err := NewManager(nil, 2, WithDialer(d))
	require.NoError(t, err)

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, skerrors.IsFatal(err))
	_ = m.Close()
}

func TestCloseWakesWaitersAndRejectsAcquire(t *testing.T) {
	d := &fakeDialer{}
	m, err := NewManager(nil, 1, WithDialer(d), WithAcquireTimeout(time.Second))
	require.NoError(t, err)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background())
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Close())

	select {
	case err := <-waiterErr:
		require.ErrorIs(t, err, skerrors.ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Close")
	}

	_, err = m.Acquire(context.Background())
	require.ErrorIs(t, err, skerrors.ErrShuttingDown)
	lease.Release() // releasing after close destroys the connection
	assert.True(t, d.isClosed(lease.Conn().ID()))
}

func TestHealthCheckReplacesDeadIdleConnections(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 2, d, WithHealthCheckInterval(10*time.Millisecond))

	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, 1, m.Stats().Idle)

	// Kill the only connection; the health loop must notice the outage
	// and the supervisor must dial a replacement.
	d.failPing(1)

	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Destroyed >= 1 && s.Idle >= 1
	}, time.Second, 5*time.Millisecond, "expected a replacement connection")

	assert.True(t, d.isClosed(1))
	assert.GreaterOrEqual(t, d.dialCount(), 2)
}

func TestHealthSweepCountsConnectionsAgainstPoolBound(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 2, d, WithHealthCheckInterval(time.Hour))

	a, err := m.Acquire(context.Background())
	require.NoError(t, err)
	b, err := m.Acquire(context.Background())
	require.NoError(t, err)
	a.Release()
	b.Release()
	require.Equal(t, 2, m.Stats().Idle)

	gate := make(chan struct{})
	var pinging atomic.Int32
	d.blockPings(gate, &pinging)

	done := make(chan struct{})
	go func() {
		m.checkIdleConnections()
		close(done)
	}()
	require.Eventually(t, func() bool { return pinging.Load() > 0 }, time.Second, time.Millisecond)

	// Both connections are out for health checks. The pool is still full, so
	// an acquire must wait for them rather than dial a third connection.
	_, err = m.Acquire(context.Background())
	require.ErrorIs(t, err, skerrors.ErrPoolExhausted)
	assert.Equal(t, 2, d.dialCount(), "sweep must not open capacity for extra dials")

	close(gate)
	<-done

	s := m.Stats()
	assert.Equal(t, 2, s.Idle)
	assert.Equal(t, 0, s.InUse)
}

func TestTimedOutWaiterRecoversRacingHandoff(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 1, d, WithAcquireTimeout(2*time.Millisecond))

	// A release pops its waiter under the lock but sends afterwards; a
	// waiter timing out inside that gap must still collect the handoff.
	// Race the two paths repeatedly and verify no connection is stranded.
	for i := 0; i < 200; i++ {
		lease, err := m.Acquire(context.Background())
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			if l, err := m.Acquire(context.Background()); err == nil {
				l.Release()
			}
		}()

		time.Sleep(time.Duration(i%5) * time.Millisecond / 2)
		lease.Release()
		<-done
	}

	s := m.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 1, s.Idle)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestEventsArePublishedOnLifecycle(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 1, d)

	require.NoError(t, m.Start(context.Background()))

	select {
	case ev := <-m.Events():
		assert.Equal(t, EventConnected, ev.Type)
		assert.Equal(t, uint64(1), ev.ConnID)
	case <-time.After(time.Second):
		t.Fatal("no connected event published")
	}
}

func TestStatsCounters(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, 2, d)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	lease, err = m.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Created)
	assert.Equal(t, uint64(2), s.Acquired)
	assert.Equal(t, uint64(2), s.Released)
	assert.Equal(t, 2, s.MaxSize)
}
