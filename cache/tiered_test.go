package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/testutil"
)

type profile struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func newTestTiered(t *testing.T, store *testutil.MemStore, cfg TieredConfig) *Tiered[profile] {
	t.Helper()
	tc, err := NewTiered[profile]("profiles", store, cfg)
	if err != nil {
		t.Fatalf("Unexpected error creating tiered cache: %v", err)
	}
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

func seedRemote(t *testing.T, store *testutil.MemStore, key string, p profile, ttl time.Duration) {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Unexpected marshal error: %v", err)
	}
	if err := store.Set(context.Background(), "cache:profiles:"+key, string(raw), ttl); err != nil {
		t.Fatalf("Unexpected error seeding remote: %v", err)
	}
	store.ResetCalls()
}

func TestTieredMissReturnsKeyNotFound(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	_, err := tc.Get(context.Background(), "absent")
	if !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestTieredLocalHitMakesNoRemoteCall(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	alice := profile{Name: "alice", Age: 34}
	if err := tc.Set(context.Background(), "alice", alice, time.Minute); err != nil {
		t.Fatalf("Unexpected set error: %v", err)
	}
	store.ResetCalls()

	for i := 0; i < 5; i++ {
		got, err := tc.Get(context.Background(), "alice")
		if err != nil {
			t.Fatalf("Unexpected get error: %v", err)
		}
		if got != alice {
			t.Errorf("Expected %+v, got %+v", alice, got)
		}
	}

	if n := store.CallCount("get"); n != 0 {
		t.Errorf("Local hits must not touch the remote store, saw %d remote gets", n)
	}
}

func TestTieredRemoteHitWritesBack(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	bob := profile{Name: "bob", Age: 52}
	seedRemote(t, store, "bob", bob, time.Minute)

	got, err := tc.Get(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Unexpected get error: %v", err)
	}
	if got != bob {
		t.Errorf("Expected %+v, got %+v", bob, got)
	}
	if n := store.CallCount("get"); n != 1 {
		t.Fatalf("Expected exactly 1 remote get, got %d", n)
	}

	// Second read is served from the write-back
	if _, err := tc.Get(context.Background(), "bob"); err != nil {
		t.Fatalf("Unexpected get error: %v", err)
	}
	if n := store.CallCount("get"); n != 1 {
		t.Errorf("Expected write-back to absorb the second read, got %d remote gets", n)
	}
}

func TestTieredWritebackCapsLocalTTL(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{L1TTLCeiling: time.Hour})

	// Remote entry expires well before the local ceiling: the local
	// copy must not outlive it.
	seedRemote(t, store, "brief", profile{Name: "brief"}, 10*time.Second)
	if _, err := tc.Get(context.Background(), "brief"); err != nil {
		t.Fatalf("Unexpected get error: %v", err)
	}

	exp := localExpiry(t, tc, "brief")
	if remaining := time.Until(exp); remaining > 11*time.Second {
		t.Errorf("Local TTL %v exceeds remaining remote TTL", remaining)
	}

	// Long-lived remote entry: the ceiling applies instead
	tc2 := newTestTiered(t, store, TieredConfig{L1TTLCeiling: 5 * time.Second})
	seedRemote(t, store, "durable", profile{Name: "durable"}, time.Hour)
	if _, err := tc2.Get(context.Background(), "durable"); err != nil {
		t.Fatalf("Unexpected get error: %v", err)
	}

	exp = localExpiry(t, tc2, "durable")
	if remaining := time.Until(exp); remaining > 6*time.Second {
		t.Errorf("Local TTL %v exceeds the ceiling", remaining)
	}
}

func localExpiry[V any](t *testing.T, tc *Tiered[V], key string) time.Time {
	t.Helper()
	tc.local.mu.Lock()
	defer tc.local.mu.Unlock()
	element, ok := tc.local.items[key]
	if !ok {
		t.Fatalf("Expected %q in the local level", key)
	}
	return element.Value.(*localEntry[V]).expiresAt
}

func TestTieredSetWritesThrough(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	carol := profile{Name: "carol", Age: 29}
	if err := tc.Set(context.Background(), "carol", carol, time.Minute); err != nil {
		t.Fatalf("Unexpected set error: %v", err)
	}

	raw, err := store.Get(context.Background(), "cache:profiles:carol")
	if err != nil {
		t.Fatalf("Expected value in remote store: %v", err)
	}
	var got profile
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("Unexpected unmarshal error: %v", err)
	}
	if got != carol {
		t.Errorf("Expected %+v in remote store, got %+v", carol, got)
	}
}

func TestTieredSetServesLocallyThroughRemoteOutage(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	store.FailWith(stderrors.New("connection refused"))

	// A plain set absorbs the remote failure; it is counted, not returned
	dave := profile{Name: "dave", Age: 41}
	if err := tc.Set(context.Background(), "dave", dave, time.Minute); err != nil {
		t.Fatalf("Expected set to absorb the remote failure, got %v", err)
	}
	if n := tc.Stats().RemoteErrors(); n != 1 {
		t.Errorf("Expected 1 absorbed remote error, got %d", n)
	}

	// Reads keep working from the local level during the outage
	got, err := tc.Get(context.Background(), "dave")
	if err != nil {
		t.Fatalf("Expected local read during outage, got error: %v", err)
	}
	if got != dave {
		t.Errorf("Expected %+v, got %+v", dave, got)
	}
}

func TestTieredGetReadsRemoteOutageAsMiss(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	store.FailWith(stderrors.New("connection refused"))

	// Not cached locally and the remote level is down: the caller sees a
	// plain miss, not a transport error.
	_, err := tc.Get(context.Background(), "unseen")
	if !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound during outage, got %v", err)
	}
	if n := tc.Stats().RemoteErrors(); n != 1 {
		t.Errorf("Expected 1 absorbed remote error, got %d", n)
	}
}

func TestTieredSetDurableSkipsLocalOnFailure(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	store.FailWith(stderrors.New("connection refused"))

	err := tc.SetDurable(context.Background(), "eve", profile{Name: "eve"}, time.Minute)
	if err == nil {
		t.Fatal("Expected remote write error")
	}
	store.FailWith(nil)

	if _, err := tc.Get(context.Background(), "eve"); !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("Expected nothing cached after failed durable write, got %v", err)
	}
}

func TestTieredDeleteRemovesBothLevels(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	if err := tc.Set(context.Background(), "gone", profile{Name: "gone"}, time.Minute); err != nil {
		t.Fatalf("Unexpected set error: %v", err)
	}
	if err := tc.Delete(context.Background(), "gone"); err != nil {
		t.Fatalf("Unexpected delete error: %v", err)
	}

	if _, err := tc.Get(context.Background(), "gone"); !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("Expected miss after delete, got %v", err)
	}
	if _, err := store.Get(context.Background(), "cache:profiles:gone"); !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("Expected remote entry removed, got %v", err)
	}
}

func TestTieredClearOnlyDropsOwnPrefix(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	other, err := NewTiered[profile]("orders", store, TieredConfig{})
	if err != nil {
		t.Fatalf("Unexpected error creating second cache: %v", err)
	}
	defer func() { _ = other.Close() }()

	_ = tc.Set(context.Background(), "a", profile{Name: "a"}, time.Minute)
	_ = other.Set(context.Background(), "b", profile{Name: "b"}, time.Minute)

	if err := tc.Clear(context.Background()); err != nil {
		t.Fatalf("Unexpected clear error: %v", err)
	}

	if _, err := tc.Get(context.Background(), "a"); !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("Expected own entries cleared, got %v", err)
	}
	if _, err := other.Get(context.Background(), "b"); err != nil {
		t.Errorf("Expected other cache untouched, got %v", err)
	}
}

func TestTieredInvalidateForcesRemoteRefetch(t *testing.T) {
	store := testutil.NewMemStore()
	tc := newTestTiered(t, store, TieredConfig{})

	_ = tc.Set(context.Background(), "fred", profile{Name: "fred", Age: 1}, time.Minute)
	store.ResetCalls()

	tc.Invalidate("fred")

	if _, err := tc.Get(context.Background(), "fred"); err != nil {
		t.Fatalf("Unexpected get error: %v", err)
	}
	if n := store.CallCount("get"); n != 1 {
		t.Errorf("Expected invalidation to force a remote read, got %d", n)
	}
}
