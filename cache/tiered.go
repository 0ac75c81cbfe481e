package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/redisclient"
)

// TieredConfig configures a two-level cache.
type TieredConfig struct {
	// L1MaxSize bounds the local cache entry count
	L1MaxSize int

	// L1TTLCeiling caps how long any entry may live locally, regardless
	// of its remote TTL
	L1TTLCeiling time.Duration

	// DefaultTTL is the remote TTL applied when Set is called with a
	// zero ttl
	DefaultTTL time.Duration
}

func (c TieredConfig) normalized() TieredConfig {
	if c.L1MaxSize <= 0 {
		c.L1MaxSize = 1024
	}
	if c.L1TTLCeiling <= 0 {
		c.L1TTLCeiling = 30 * time.Second
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	return c
}

// Tiered is a two-level cache: a bounded local level in front of the
// remote store. Values are JSON-encoded at the remote level. A local hit
// never touches the remote store; a local entry never outlives the
// remote entry it mirrors, because its TTL is capped at the remaining
// remote TTL.
type Tiered[V any] struct {
	name    string
	prefix  string
	remote  redisclient.RemoteStore
	local   *Local[V]
	ceiling time.Duration
	ttl     time.Duration
}

// NewTiered creates a two-level cache named name. The name namespaces
// remote keys so multiple caches can share one store.
func NewTiered[V any](name string, remote redisclient.RemoteStore, cfg TieredConfig, options ...Option[V]) (*Tiered[V], error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTiered", "name cannot be empty")
	}
	if remote == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "cache", "NewTiered", "remote store")
	}
	cfg = cfg.normalized()

	local, err := NewLocal(cfg.L1MaxSize, options...)
	if err != nil {
		return nil, err
	}

	return &Tiered[V]{
		name:    name,
		prefix:  "cache:" + name + ":",
		remote:  remote,
		local:   local,
		ceiling: cfg.L1TTLCeiling,
		ttl:     cfg.DefaultTTL,
	}, nil
}

// Get returns the cached value for key. A local hit is served without
// any remote call. On a local miss the remote level is consulted and a
// hit is written back locally with a TTL of min(ceiling, remaining
// remote TTL). An absent key reports errors.ErrKeyNotFound, and so does
// a failing remote level: cache readers see a miss, never a transport
// error, and the failure is counted in the statistics instead.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V

	if v, ok := t.local.Get(key); ok {
		return v, nil
	}

	raw, err := t.remote.Get(ctx, t.prefix+key)
	if err != nil {
		if !stderrors.Is(err, errors.ErrKeyNotFound) {
			t.noteRemoteError()
			return zero, fmt.Errorf("get %q: %w", key, errors.ErrKeyNotFound)
		}
		return zero, err
	}

	var value V
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return zero, errors.WrapInvalid(err, "cache", "Get", "decode cached value")
	}

	_ = t.local.Set(key, value, t.localTTL(ctx, key))
	return value, nil
}

// localTTL computes the write-back TTL: the remaining remote lifetime,
// capped at the ceiling. When the remote TTL cannot be read the ceiling
// alone applies; the entry still cannot outlive it.
func (t *Tiered[V]) localTTL(ctx context.Context, key string) time.Duration {
	remaining, err := t.remote.TTL(ctx, t.prefix+key)
	if err != nil || remaining <= 0 {
		return t.ceiling
	}
	if remaining < t.ceiling {
		return remaining
	}
	return t.ceiling
}

// Set writes the value to the remote level and then to the local level.
// The local level is updated even when the remote write fails, so reads
// keep being served during a remote outage; the failure is counted in
// the statistics rather than returned. Use SetDurable when the remote
// write must succeed.
func (t *Tiered[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	encodeFailed, remoteErr := t.writeRemote(ctx, key, value, ttl)
	if encodeFailed {
		return remoteErr
	}
	if remoteErr != nil {
		t.noteRemoteError()
	}

	if ttl <= 0 {
		ttl = t.ttl
	}
	localTTL := ttl
	if localTTL > t.ceiling {
		localTTL = t.ceiling
	}
	return t.local.Set(key, value, localTTL)
}

// SetDurable writes the value to the remote level and only caches it
// locally once the remote write succeeded.
func (t *Tiered[V]) SetDurable(ctx context.Context, key string, value V, ttl time.Duration) error {
	encodeFailed, remoteErr := t.writeRemote(ctx, key, value, ttl)
	if encodeFailed || remoteErr != nil {
		return remoteErr
	}

	if ttl <= 0 {
		ttl = t.ttl
	}
	localTTL := ttl
	if localTTL > t.ceiling {
		localTTL = t.ceiling
	}
	return t.local.Set(key, value, localTTL)
}

// writeRemote encodes and stores the value remotely. The bool result is
// true when encoding failed, in which case the error describes it and
// nothing was written anywhere.
func (t *Tiered[V]) writeRemote(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return true, errors.WrapInvalid(err, "cache", "Set", "encode value")
	}
	if ttl <= 0 {
		ttl = t.ttl
	}
	return false, t.remote.Set(ctx, t.prefix+key, string(raw), ttl)
}

// noteRemoteError counts a remote failure this cache absorbed.
func (t *Tiered[V]) noteRemoteError() {
	t.local.stats.RemoteError()
	if t.local.metrics != nil {
		t.local.metrics.remoteErrors.Inc()
	}
}

// Delete removes the key from both levels. The local level is cleared
// first so a failed remote delete cannot leave a stale local entry.
func (t *Tiered[V]) Delete(ctx context.Context, key string) error {
	t.local.Delete(key)
	return t.remote.Del(ctx, t.prefix+key)
}

// Clear drops every entry of this cache from both levels.
func (t *Tiered[V]) Clear(ctx context.Context) error {
	t.local.Clear()

	keys, err := t.remote.Keys(ctx, t.prefix+"*")
	if err != nil {
		return err
	}
	return t.remote.Del(ctx, keys...)
}

// Invalidate drops a key from the local level only. Used when another
// process owns the remote write.
func (t *Tiered[V]) Invalidate(key string) {
	t.local.Delete(key)
}

// Stats returns the local level's statistics.
func (t *Tiered[V]) Stats() *Statistics {
	return t.local.Stats()
}

// LocalSize returns the local level's entry count.
func (t *Tiered[V]) LocalSize() int {
	return t.local.Size()
}

// Close releases the local level's background resources.
func (t *Tiered[V]) Close() error {
	return t.local.Close()
}
