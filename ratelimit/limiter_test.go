package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brixsport/statekit/testutil"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *testutil.MemStore) {
	t.Helper()
	remote := testutil.NewMemStore()
	l, err := New(remote, cfg, WithLogger(&quietLogger{}))
	require.NoError(t, err)
	return l, remote
}

// quietLogger keeps expected fail-open noise out of test output.
type quietLogger struct{}

func (l *quietLogger) Printf(string, ...any) {}
func (l *quietLogger) Errorf(string, ...any) {}
func (l *quietLogger) Debugf(string, ...any) {}

func TestFreshIdentityIsAllowed(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 3})

	d, err := l.Check(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Remaining)
}

func TestAttemptsCountDownAndBlockAtCap(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		MaxAttempts:   3,
		Window:        time.Hour,
		BlockDuration: 30 * time.Minute,
	})

	d, err := l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)

	d, err = l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)

	// The capping attempt installs the block
	d, err = l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)

	// Further checks are denied for the block duration, about 1800s
	d, err = l.Check(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, (30 * time.Minute).Seconds(), d.RetryAfter.Seconds(), 5)
}

func TestBlockedIdentityRecordsNothing(t *testing.T) {
	l, remote := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Hour, BlockDuration: time.Hour})

	_, err := l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	remote.ResetCalls()

	d, err := l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, remote.CallCount("hincrby"), "blocked identity must not touch the counter")
}

func TestWindowRollsOver(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		MaxAttempts:   5,
		Window:        30 * time.Millisecond,
		BlockDuration: time.Hour,
	})

	for i := 0; i < 3; i++ {
		_, err := l.RecordAttempt(context.Background(), "user-1", "")
		require.NoError(t, err)
	}
	d, err := l.Check(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Remaining)

	time.Sleep(40 * time.Millisecond)

	// A fresh window grants the full allowance again
	d, err = l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)
}

func TestExpiredBlockGrantsFreshAllowance(t *testing.T) {
	l, remote := newTestLimiter(t, Config{
		MaxAttempts:   3,
		Window:        time.Hour,
		BlockDuration: 30 * time.Minute,
	})

	for i := 0; i < 3; i++ {
		_, err := l.RecordAttempt(context.Background(), "user-1", "")
		require.NoError(t, err)
	}
	d, err := l.Check(context.Background(), "user-1", "")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Sitting out the block earns back the full allowance, even though
	// the counting window is longer than the block.
	remote.Advance(31 * time.Minute)

	d, err = l.Check(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Remaining)

	d, err = l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)
}

func TestConcurrentAttemptsAreAllCounted(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 100, Window: time.Hour, BlockDuration: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.RecordAttempt(context.Background(), "user-1", "")
			assert.NoError(t, err)
			assert.True(t, d.Allowed)
		}()
	}
	wg.Wait()

	d, err := l.Check(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(90), d.Remaining, "concurrent attempts must not be lost")
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Hour, BlockDuration: time.Hour})

	d, err := l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Check(context.Background(), "user-2", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestOriginCapSpansIdentities(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		MaxAttempts:       10,
		OriginMaxAttempts: 3,
		Window:            time.Hour,
		BlockDuration:     time.Hour,
	})

	// Different identities, one origin: the origin cap binds first
	for i, id := range []string{"a", "b", "c"} {
		d, err := l.RecordAttempt(context.Background(), id, "10.1.2.3")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d", i)
	}

	d, err := l.RecordAttempt(context.Background(), "d", "10.1.2.3")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	// A different origin is unaffected
	d, err = l.RecordAttempt(context.Background(), "e", "10.9.9.9")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestClearResetsIdentity(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Hour, BlockDuration: time.Hour})

	_, err := l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)

	require.NoError(t, l.Clear(context.Background(), "user-1"))

	d, err := l.Check(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestRemoteOutageFailsOpen(t *testing.T) {
	l, remote := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Hour, BlockDuration: time.Hour})

	// Even an already-blocked identity passes during an outage
	_, err := l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)

	remote.FailWith(errors.New("connection refused"))

	d, err := l.Check(context.Background(), "user-1", "")
	require.NoError(t, err, "fail-open must not surface the remote error")
	assert.True(t, d.Allowed)
	assert.Negative(t, d.Remaining)

	d, err = l.RecordAttempt(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEmptyIdentityRejected(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})

	_, err := l.Check(context.Background(), "", "")
	require.Error(t, err)

	_, err = l.RecordAttempt(context.Background(), "", "")
	require.Error(t, err)
}
