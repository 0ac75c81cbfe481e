package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks cache performance counters. Every cache carries one;
// observability is not optional.
type Statistics struct {
	hits         atomic.Int64
	misses       atomic.Int64
	sets         atomic.Int64
	deletes      atomic.Int64
	evictions    atomic.Int64
	expirations  atomic.Int64
	remoteErrors atomic.Int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	peakSize    int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Hit records a cache hit.
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a cache miss.
func (s *Statistics) Miss() { s.misses.Add(1) }

// Set records a store operation.
func (s *Statistics) Set() { s.sets.Add(1) }

// Delete records a delete operation.
func (s *Statistics) Delete() { s.deletes.Add(1) }

// Eviction records a capacity eviction.
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// Expiration records an entry dropped because its TTL lapsed.
func (s *Statistics) Expiration() { s.expirations.Add(1) }

// RemoteError records a failing remote call the cache absorbed instead
// of surfacing to its caller.
func (s *Statistics) RemoteError() { s.remoteErrors.Add(1) }

// UpdateSize records the current entry count, tracking the peak.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.peakSize {
		s.peakSize = size
	}
	s.mu.Unlock()
}

// Hits returns the total number of cache hits.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the total number of cache misses.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the total number of store operations.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes returns the total number of delete operations.
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Evictions returns the total number of capacity evictions.
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// Expirations returns the total number of TTL expirations.
func (s *Statistics) Expirations() int64 { return s.expirations.Load() }

// RemoteErrors returns the total number of absorbed remote failures.
func (s *Statistics) RemoteErrors() int64 { return s.remoteErrors.Load() }

// CurrentSize returns the current entry count.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// PeakSize returns the largest entry count the cache has held.
func (s *Statistics) PeakSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peakSize
}

// HitRatio returns hits / (hits + misses), in [0.0, 1.0].
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// Uptime returns how long this cache has been collecting statistics.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Reset zeroes all counters and restarts the uptime clock.
func (s *Statistics) Reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.sets.Store(0)
	s.deletes.Store(0)
	s.evictions.Store(0)
	s.expirations.Store(0)
	s.remoteErrors.Store(0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.currentSize = 0
	s.peakSize = 0
	s.mu.Unlock()
}

// StatsSummary is a point-in-time snapshot of all counters.
type StatsSummary struct {
	Hits         int64         `json:"hits"`
	Misses       int64         `json:"misses"`
	Sets         int64         `json:"sets"`
	Deletes      int64         `json:"deletes"`
	Evictions    int64         `json:"evictions"`
	Expirations  int64         `json:"expirations"`
	RemoteErrors int64         `json:"remote_errors"`
	CurrentSize  int64         `json:"current_size"`
	PeakSize     int64         `json:"peak_size"`
	HitRatio     float64       `json:"hit_ratio"`
	Uptime       time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:         s.Hits(),
		Misses:       s.Misses(),
		Sets:         s.Sets(),
		Deletes:      s.Deletes(),
		Evictions:    s.Evictions(),
		Expirations:  s.Expirations(),
		RemoteErrors: s.RemoteErrors(),
		CurrentSize:  s.CurrentSize(),
		PeakSize:     s.PeakSize(),
		HitRatio:     s.HitRatio(),
		Uptime:       s.Uptime(),
	}
}
