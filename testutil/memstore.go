// Package testutil provides in-memory test doubles for the remote store.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/redisclient"
)

// MemStore is an in-memory RemoteStore with TTL simulation, per-operation
// call counting, and failure injection. The clock can be advanced
// artificially so expiry behavior is testable without sleeping.
type MemStore struct {
	mu     sync.Mutex
	offset time.Duration

	values map[string]string
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	expiry map[string]time.Time

	calls    map[string]int
	failOps  map[string]error
	failEach error
}

var _ redisclient.RemoteStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
		expiry: make(map[string]time.Time),
		calls:  make(map[string]int),
	}
}

// Advance moves the store's simulated clock forward.
func (s *MemStore) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += d
}

// Now returns the store's simulated current time.
func (s *MemStore) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked()
}

// FailWith makes every subsequent operation return err until cleared
// with a nil err.
func (s *MemStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEach = err
}

// FailOp makes one named operation (e.g. "get", "zadd") fail with err.
// A nil err clears the injection.
func (s *MemStore) FailOp(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOps == nil {
		s.failOps = make(map[string]error)
	}
	if err == nil {
		delete(s.failOps, op)
		return
	}
	s.failOps[op] = err
}

// CallCount reports how many times an operation has run, including
// failed attempts.
func (s *MemStore) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ResetCalls zeroes all call counters.
func (s *MemStore) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *MemStore) nowLocked() time.Time {
	return time.Now().Add(s.offset)
}

// enter counts the call and returns any injected failure. Caller holds mu.
func (s *MemStore) enter(op string) error {
	s.calls[op]++
	if s.failEach != nil {
		return s.failEach
	}
	if err, ok := s.failOps[op]; ok {
		return err
	}
	return nil
}

// aliveLocked reports whether a key exists and has not expired, removing
// it lazily when it has.
func (s *MemStore) aliveLocked(key string) bool {
	exp, hasExp := s.expiry[key]
	if hasExp && s.nowLocked().After(exp) {
		s.dropLocked(key)
		return false
	}
	_, inValues := s.values[key]
	_, inHashes := s.hashes[key]
	_, inZsets := s.zsets[key]
	return inValues || inHashes || inZsets
}

func (s *MemStore) dropLocked(key string) {
	delete(s.values, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.expiry, key)
}

// Ping always succeeds unless a failure is injected.
func (s *MemStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("ping")
}

// Get implements RemoteStore.
func (s *MemStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get"); err != nil {
		return "", err
	}
	if !s.aliveLocked(key) {
		return "", fmt.Errorf("get %q: %w", key, errors.ErrKeyNotFound)
	}
	v, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("get %q: %w", key, errors.ErrKeyNotFound)
	}
	return v, nil
}

// Set implements RemoteStore. A zero ttl stores the key without expiry.
func (s *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("set"); err != nil {
		return err
	}
	s.values[key] = value
	if ttl > 0 {
		s.expiry[key] = s.nowLocked().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

// Del implements RemoteStore.
func (s *MemStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("del"); err != nil {
		return err
	}
	for _, key := range keys {
		s.dropLocked(key)
	}
	return nil
}

// Exists implements RemoteStore.
func (s *MemStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("exists"); err != nil {
		return false, err
	}
	return s.aliveLocked(key), nil
}

// Expire implements RemoteStore.
func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("expire"); err != nil {
		return err
	}
	if !s.aliveLocked(key) {
		return fmt.Errorf("expire %q: %w", key, errors.ErrKeyNotFound)
	}
	s.expiry[key] = s.nowLocked().Add(ttl)
	return nil
}

// TTL implements RemoteStore.
func (s *MemStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ttl"); err != nil {
		return 0, err
	}
	if !s.aliveLocked(key) {
		return 0, fmt.Errorf("ttl %q: %w", key, errors.ErrKeyNotFound)
	}
	exp, ok := s.expiry[key]
	if !ok {
		return 0, nil
	}
	return exp.Sub(s.nowLocked()), nil
}

// Keys implements RemoteStore. Only the trailing-star prefix form of
// glob patterns is supported, which is all the state layers use.
func (s *MemStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("keys"); err != nil {
		return nil, err
	}

	match := func(key string) bool {
		if pattern == "*" {
			return true
		}
		if n := len(pattern); n > 0 && pattern[n-1] == '*' {
			prefix := pattern[:n-1]
			return len(key) >= len(prefix) && key[:len(prefix)] == prefix
		}
		return key == pattern
	}

	var keys []string
	for key := range s.values {
		if s.aliveLocked(key) && match(key) {
			keys = append(keys, key)
		}
	}
	for key := range s.hashes {
		if s.aliveLocked(key) && match(key) {
			keys = append(keys, key)
		}
	}
	for key := range s.zsets {
		if s.aliveLocked(key) && match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// HSet implements RemoteStore.
func (s *MemStore) HSet(_ context.Context, key string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("hset"); err != nil {
		return err
	}
	s.aliveLocked(key) // lazy-expire first
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = fmt.Sprintf("%v", v)
	}
	return nil
}

// HGetAll implements RemoteStore. An absent key yields an empty map.
func (s *MemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("hgetall"); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if !s.aliveLocked(key) {
		return out, nil
	}
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// HIncrBy implements RemoteStore.
func (s *MemStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("hincrby"); err != nil {
		return 0, err
	}
	s.aliveLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// ZAdd implements RemoteStore.
func (s *MemStore) ZAdd(_ context.Context, key string, members ...redisclient.ZMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("zadd"); err != nil {
		return err
	}
	s.aliveLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
	return nil
}

// ZRem implements RemoteStore.
func (s *MemStore) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("zrem"); err != nil {
		return err
	}
	z := s.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return nil
}

// ZCard implements RemoteStore.
func (s *MemStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("zcard"); err != nil {
		return 0, err
	}
	if !s.aliveLocked(key) {
		return 0, nil
	}
	return int64(len(s.zsets[key])), nil
}

// ZRangeByScore implements RemoteStore.
func (s *MemStore) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("zrangebyscore"); err != nil {
		return nil, err
	}
	if !s.aliveLocked(key) {
		return nil, nil
	}
	var members []redisclient.ZMember
	for m, score := range s.zsets[key] {
		if score >= min && score <= max {
			members = append(members, redisclient.ZMember{Member: m, Score: score})
		}
	}
	sortByScore(members)
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Member
	}
	return out, nil
}

// ZRangeOldest implements RemoteStore.
func (s *MemStore) ZRangeOldest(_ context.Context, key string, n int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("zrange"); err != nil {
		return nil, err
	}
	if n <= 0 || !s.aliveLocked(key) {
		return nil, nil
	}
	var members []redisclient.ZMember
	for m, score := range s.zsets[key] {
		members = append(members, redisclient.ZMember{Member: m, Score: score})
	}
	sortByScore(members)
	if int64(len(members)) > n {
		members = members[:n]
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Member
	}
	return out, nil
}

func sortByScore(members []redisclient.ZMember) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score == members[j].Score {
			return members[i].Member < members[j].Member
		}
		return members[i].Score < members[j].Score
	})
}
