package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skerrors "github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/testutil"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestStore(t *testing.T, cfg Config) (*Store, *testutil.MemStore) {
	t.Helper()
	if cfg.CSRFSecret == nil {
		cfg.CSRFSecret = testSecret
	}
	remote := testutil.NewMemStore()
	store, err := NewStore(remote, cfg)
	require.NoError(t, err)
	return store, remote
}

func userData() Data {
	return Data{Role: RoleUser, DisplayName: "alice"}
}

func TestCreateReturnsSessionAndToken(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute})

	sess, token, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "owner-1", sess.OwnerID)
	assert.Equal(t, 1, sess.Version)
	assert.Equal(t, RoleUser, sess.Data.Role)
	assert.False(t, sess.Revoked())
	assert.NotEmpty(t, token)
	assert.Equal(t, token, store.IssueCSRF(sess))

	require.NoError(t, store.VerifyCSRF(context.Background(), sess.ID, token))
}

func TestCreateRejectsBadInput(t *testing.T) {
	store, _ := newTestStore(t, Config{})

	_, _, err := store.Create(context.Background(), "", userData())
	require.Error(t, err)
	assert.True(t, skerrors.IsInvalid(err))

	_, _, err = store.Create(context.Background(), "owner-1", Data{Role: "superuser"})
	require.Error(t, err)
	assert.True(t, skerrors.IsInvalid(err))
}

func TestGetDistinguishesOutcomes(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: 30 * time.Millisecond, Retention: time.Hour})

	// Never existed
	_, err := store.Get(context.Background(), "no-such-session")
	require.ErrorIs(t, err, skerrors.ErrSessionNotFound)

	// Revoked
	revoked, _, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)
	require.NoError(t, store.Revoke(context.Background(), revoked.ID))
	_, err = store.Get(context.Background(), revoked.ID)
	require.ErrorIs(t, err, skerrors.ErrSessionRevoked)

	// Expired, still within the retention window
	expired, _, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = store.Get(context.Background(), expired.ID)
	require.ErrorIs(t, err, skerrors.ErrSessionExpired)

	// All three outcomes are "invalid session" to callers that do not care
	assert.True(t, skerrors.IsSessionInvalid(err))
}

func TestRecordAgesOutAfterRetention(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: 20 * time.Millisecond, Retention: 20 * time.Millisecond})

	sess, _, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	// Past TTL and retention the record is gone entirely
	_, err = store.Get(context.Background(), sess.ID)
	require.ErrorIs(t, err, skerrors.ErrSessionNotFound)
}

func TestGetSlidesExpiry(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: 60 * time.Millisecond, Retention: time.Hour, RefreshOnAccess: true})

	sess, _, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)

	// Keep touching the session well past its original lifetime
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		_, err := store.Get(context.Background(), sess.ID)
		require.NoError(t, err, "active session must stay alive, iteration %d", i)
	}

	// Once idle, it lapses
	time.Sleep(90 * time.Millisecond)
	_, err = store.Get(context.Background(), sess.ID)
	require.ErrorIs(t, err, skerrors.ErrSessionExpired)
}

func TestCreateEvictsOldestAtCap(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute, MaxPerOwner: 3})

	var ids []string
	for i := 0; i < 4; i++ {
		sess, _, err := store.Create(context.Background(), "owner-1", userData())
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		time.Sleep(2 * time.Millisecond) // keep creation order unambiguous
	}

	// The oldest session was evicted to make room for the fourth
	_, err := store.Get(context.Background(), ids[0])
	require.ErrorIs(t, err, skerrors.ErrSessionRevoked)

	live, err := store.ListByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, live, 3)
	assert.Equal(t, ids[1], live[0].ID, "survivors keep creation order")

	count, err := store.CountByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestCapIsPerOwner(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute, MaxPerOwner: 2})

	for i := 0; i < 2; i++ {
		_, _, err := store.Create(context.Background(), "owner-a", userData())
		require.NoError(t, err)
		_, _, err = store.Create(context.Background(), "owner-b", userData())
		require.NoError(t, err)
	}

	a, err := store.ListByOwner(context.Background(), "owner-a")
	require.NoError(t, err)
	b, err := store.ListByOwner(context.Background(), "owner-b")
	require.NoError(t, err)
	assert.Len(t, a, 2)
	assert.Len(t, b, 2)
}

func TestUpdateBumpsVersionAndRotatesCSRF(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute})

	sess, oldToken, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)

	updated, newToken, err := store.Update(context.Background(), sess.ID, Data{
		Role:        RoleAdmin,
		DisplayName: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, RoleAdmin, updated.Data.Role)
	assert.NotEqual(t, oldToken, newToken)

	// The pre-update token is dead, the fresh one works
	err = store.VerifyCSRF(context.Background(), sess.ID, oldToken)
	require.ErrorIs(t, err, skerrors.ErrCsrfMismatch)
	require.NoError(t, store.VerifyCSRF(context.Background(), sess.ID, newToken))
}

func TestVerifyCSRFRejectsForgedToken(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute})

	sess, _, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)

	err = store.VerifyCSRF(context.Background(), sess.ID, "deadbeef")
	require.ErrorIs(t, err, skerrors.ErrCsrfMismatch)
	assert.True(t, skerrors.IsInvalid(err))
}

func TestRevokeIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute})

	sess, _, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)

	require.NoError(t, store.Revoke(context.Background(), sess.ID))
	require.NoError(t, store.Revoke(context.Background(), sess.ID))
}

func TestRevokeAll(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute})

	for i := 0; i < 3; i++ {
		_, _, err := store.Create(context.Background(), "owner-1", userData())
		require.NoError(t, err)
	}
	keep, _, err := store.Create(context.Background(), "owner-2", userData())
	require.NoError(t, err)

	revoked, err := store.RevokeAll(context.Background(), "owner-1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	live, err := store.ListByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, live)

	// Other owners are untouched
	_, err = store.Get(context.Background(), keep.ID)
	require.NoError(t, err)
}

func TestRevokeAllSparesExceptedSession(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute})

	current, _, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, _, err := store.Create(context.Background(), "owner-1", userData())
		require.NoError(t, err)
	}

	revoked, err := store.RevokeAll(context.Background(), "owner-1", current.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	_, err = store.Get(context.Background(), current.ID)
	require.NoError(t, err)

	live, err := store.ListByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, current.ID, live[0].ID)
}

func TestCleanupExpiredSweepsAgedRecords(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: 20 * time.Millisecond, Retention: 20 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_, _, err := store.Create(context.Background(), "owner-1", userData())
		require.NoError(t, err)
	}
	survivor, _, err := store.Create(context.Background(), "owner-2", userData())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	// Everything is past TTL plus retention by now
	_, err = store.Get(context.Background(), survivor.ID)
	require.ErrorIs(t, err, skerrors.ErrSessionNotFound)

	// A bounded sweep removes at most the batch size
	removed, err := store.CleanupExpired(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = store.CleanupExpired(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// A final sweep finds nothing
	removed, err = store.CleanupExpired(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestConcurrentGetsOnOneSession(t *testing.T) {
	store, _ := newTestStore(t, Config{TTL: time.Minute})

	sess, _, err := store.Create(context.Background(), "owner-1", userData())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.Get(context.Background(), sess.ID)
			assert.NoError(t, err)
			assert.Equal(t, sess.ID, got.ID)
		}()
	}
	wg.Wait()
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
