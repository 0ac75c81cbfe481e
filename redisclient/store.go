package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brixsport/statekit/breaker"
	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/metric"
)

// ZMember is a scored member of a remote sorted set.
type ZMember struct {
	Member string
	Score  float64
}

// RemoteStore is the command surface the state layers build on. All
// operations go through the pool and the caller's circuit breaker group;
// a miss is reported as errors.ErrKeyNotFound, never as a failure that
// trips the breaker.
type RemoteStore interface {
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	HSet(ctx context.Context, key string, fields map[string]any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRangeOldest(ctx context.Context, key string, n int64) ([]string, error)
}

// StoreOption is a functional option for configuring a Store
type StoreOption func(*Store)

// WithCommandTimeout bounds every remote command independently of the
// caller's context
func WithCommandTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

// WithStoreMetrics exports per-operation latency and error counters
func WithStoreMetrics(metrics *metric.Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithStoreLogger sets a custom logger for the store
func WithStoreLogger(logger Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store executes remote commands on pooled connections behind one
// circuit breaker group. Each state layer (cache, session, ratelimit)
// owns its own Store so a failing dependency only trips its own group.
type Store struct {
	manager        *Manager
	breaker        *breaker.Breaker
	commandTimeout time.Duration
	metrics        *metric.Metrics
	logger         Logger
}

// NewStore creates a breaker-guarded command surface over the pool.
func NewStore(manager *Manager, br *breaker.Breaker, opts ...StoreOption) *Store {
	s := &Store{
		manager:        manager,
		breaker:        br,
		commandTimeout: 2 * time.Second,
		logger:         &defaultLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// do runs one remote command through the breaker on a leased connection.
// fn must translate "key absent" replies into a nil error itself so that
// misses never count against the breaker.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context, cmd redis.Cmdable) error) error {
	run := func(ctx context.Context) error {
		lease, err := s.manager.Acquire(ctx)
		if err != nil {
			return err
		}

		cmdCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()

		start := time.Now()
		err = fn(cmdCtx, lease.Conn().Cmd())
		if s.metrics != nil {
			s.metrics.RecordRemoteCommand(op, time.Since(start), err)
		}

		if err != nil {
			if cmdCtx.Err() != nil {
				// Connection state unknown after a timeout, never pool it
				lease.Discard(err)
				return errors.WrapTransient(errors.ErrCommandTimeout, "Store", op, "execute command")
			}
			lease.Discard(err)
			return errors.WrapTransient(err, "Store", op, "execute command")
		}

		lease.Release()
		return nil
	}

	return s.breaker.Execute(ctx, run, nil)
}

// Ping probes the remote store through the breaker
func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context, cmd redis.Cmdable) error {
		return cmd.Ping(ctx).Err()
	})
}

// Get fetches a key's value, returning ErrKeyNotFound on a miss.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var val string
	var missing bool
	err := s.do(ctx, "get", func(ctx context.Context, cmd redis.Cmdable) error {
		v, err := cmd.Get(ctx, key).Result()
		if err == redis.Nil {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		return "", err
	}
	if missing {
		return "", fmt.Errorf("get %q: %w", key, errors.ErrKeyNotFound)
	}
	return val, nil
}

// Set writes a key with a TTL. A zero TTL stores the key without expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.do(ctx, "set", func(ctx context.Context, cmd redis.Cmdable) error {
		return cmd.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys. Deleting absent keys is not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.do(ctx, "del", func(ctx context.Context, cmd redis.Cmdable) error {
		return cmd.Del(ctx, keys...).Err()
	})
}

// Exists reports whether a key is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.do(ctx, "exists", func(ctx context.Context, cmd redis.Cmdable) error {
		n, err := cmd.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		found = n > 0
		return nil
	})
	return found, err
}

// Expire sets a key's TTL, returning ErrKeyNotFound when the key is absent.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var missing bool
	err := s.do(ctx, "expire", func(ctx context.Context, cmd redis.Cmdable) error {
		ok, err := cmd.Expire(ctx, key, ttl).Result()
		if err != nil {
			return err
		}
		missing = !ok
		return nil
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("expire %q: %w", key, errors.ErrKeyNotFound)
	}
	return nil
}

// TTL returns the remaining lifetime of a key. A key stored without
// expiry reports zero; an absent key reports ErrKeyNotFound.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var remaining time.Duration
	var missing bool
	err := s.do(ctx, "ttl", func(ctx context.Context, cmd redis.Cmdable) error {
		d, err := cmd.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		// go-redis passes the server's -2 (absent) and -1 (no expiry)
		// sentinels through as raw nanosecond counts, not seconds
		switch {
		case d == time.Duration(-2):
			missing = true
		case d < 0:
			remaining = 0 // no expiry
		default:
			remaining = d
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if missing {
		return 0, fmt.Errorf("ttl %q: %w", key, errors.ErrKeyNotFound)
	}
	return remaining, nil
}

// Keys lists keys matching a glob pattern. Intended for prefix
// invalidation and administrative sweeps, not hot paths.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.do(ctx, "keys", func(ctx context.Context, cmd redis.Cmdable) error {
		ks, err := cmd.Keys(ctx, pattern).Result()
		if err != nil {
			return err
		}
		keys = ks
		return nil
	})
	return keys, err
}

// HSet writes hash fields under a key
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return s.do(ctx, "hset", func(ctx context.Context, cmd redis.Cmdable) error {
		return cmd.HSet(ctx, key, args...).Err()
	})
}

// HGetAll reads all fields of a hash. An absent key yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := s.do(ctx, "hgetall", func(ctx context.Context, cmd redis.Cmdable) error {
		m, err := cmd.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		fields = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return fields, nil
}

// HIncrBy atomically adjusts a hash counter field, creating it at delta
// when absent, and returns the new value.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var val int64
	err := s.do(ctx, "hincrby", func(ctx context.Context, cmd redis.Cmdable) error {
		n, err := cmd.HIncrBy(ctx, key, field, delta).Result()
		if err != nil {
			return err
		}
		val = n
		return nil
	})
	return val, err
}

// ZAdd inserts scored members into a sorted set
func (s *Store) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Member: m.Member, Score: m.Score}
	}
	return s.do(ctx, "zadd", func(ctx context.Context, cmd redis.Cmdable) error {
		return cmd.ZAdd(ctx, key, zs...).Err()
	})
}

// ZRem removes members from a sorted set
func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.do(ctx, "zrem", func(ctx context.Context, cmd redis.Cmdable) error {
		return cmd.ZRem(ctx, key, args...).Err()
	})
}

// ZCard returns the member count of a sorted set
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.do(ctx, "zcard", func(ctx context.Context, cmd redis.Cmdable) error {
		n, err := cmd.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	return count, err
}

// ZRangeByScore returns members whose score falls in [min, max],
// ordered by score ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	var members []string
	err := s.do(ctx, "zrangebyscore", func(ctx context.Context, cmd redis.Cmdable) error {
		ms, err := cmd.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: formatScore(min),
			Max: formatScore(max),
		}).Result()
		if err != nil {
			return err
		}
		members = ms
		return nil
	})
	return members, err
}

// ZRangeOldest returns the n lowest-scored members, ascending.
func (s *Store) ZRangeOldest(ctx context.Context, key string, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	var members []string
	err := s.do(ctx, "zrange", func(ctx context.Context, cmd redis.Cmdable) error {
		ms, err := cmd.ZRange(ctx, key, 0, n-1).Result()
		if err != nil {
			return err
		}
		members = ms
		return nil
	})
	return members, err
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}
