package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/brixsport/statekit/errors"
)

// localEntry is one entry in the local cache.
type localEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e *localEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Local is a thread-safe bounded cache combining LRU capacity eviction
// with per-entry TTLs. Expired entries are dropped lazily on access and
// swept periodically by a background janitor.
type Local[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // most recently used at front
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLocal creates a bounded local cache. maxSize must be positive.
func NewLocal[V any](maxSize int, options ...Option[V]) (*Local[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLocal", "maxSize must be positive")
	}
	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsLabel)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLocal", "metrics registration")
		}
	}

	c := &Local[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.evictCallback,
		stopCh:  make(chan struct{}),
	}

	go c.janitor(opts.cleanupInterval)

	return c, nil
}

// Get retrieves a value by key, marking it recently used. An expired
// entry counts as a miss and is removed.
func (c *Local[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.recordMissLocked()
		c.mu.Unlock()
		return zero, false
	}

	entry := element.Value.(*localEntry[V])
	if entry.expired(time.Now()) {
		c.removeElementLocked(element)
		c.stats.Expiration()
		if c.metrics != nil {
			c.metrics.expirations.Inc()
		}
		c.recordMissLocked()
		evicted := *entry
		c.mu.Unlock()
		c.notifyEvict(evicted.key, evicted.value)
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	value := entry.value
	c.mu.Unlock()
	return value, true
}

// Set stores a value under key with a TTL. A zero or negative ttl stores
// the entry without expiry. The least recently used entry is evicted
// when the cache is over capacity.
func (c *Local[V]) Set(key string, value V, ttl time.Duration) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Set", "key cannot be empty")
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	var evicted *localEntry[V]

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		entry := element.Value.(*localEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(element)
	} else {
		element = c.order.PushFront(&localEntry[V]{key: key, value: value, expiresAt: expiresAt})
		c.items[key] = element

		if len(c.items) > c.maxSize {
			oldest := c.order.Back()
			entry := oldest.Value.(*localEntry[V])
			c.removeElementLocked(oldest)
			c.stats.Eviction()
			if c.metrics != nil {
				c.metrics.evictions.Inc()
			}
			e := *entry
			evicted = &e
		}
	}

	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.sets.Inc()
		c.metrics.size.Set(float64(len(c.items)))
	}
	c.mu.Unlock()

	if evicted != nil {
		c.notifyEvict(evicted.key, evicted.value)
	}
	return nil
}

// Delete removes an entry by key, reporting whether it existed.
func (c *Local[V]) Delete(key string) bool {
	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false
	}
	entry := element.Value.(*localEntry[V])
	c.removeElementLocked(element)
	c.stats.Delete()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
	evicted := *entry
	c.mu.Unlock()

	c.notifyEvict(evicted.key, evicted.value)
	return true
}

// Clear removes all entries.
func (c *Local[V]) Clear() {
	c.mu.Lock()
	var evicted []localEntry[V]
	if c.evictFn != nil {
		evicted = make([]localEntry[V], 0, len(c.items))
		for element := c.order.Back(); element != nil; element = element.Prev() {
			evicted = append(evicted, *element.Value.(*localEntry[V]))
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.size.Set(0)
	}
	c.mu.Unlock()

	for _, entry := range evicted {
		c.notifyEvict(entry.key, entry.value)
	}
}

// Size returns the current entry count, including entries that have
// expired but not yet been swept.
func (c *Local[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all keys in LRU order, most recently used first.
func (c *Local[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*localEntry[V]).key)
	}
	return keys
}

// Stats returns the cache's statistics tracker.
func (c *Local[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background janitor.
func (c *Local[V]) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

// janitor periodically sweeps expired entries so unread keys do not pin
// memory until their next access.
func (c *Local[V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Local[V]) sweep() {
	now := time.Now()
	var evicted []localEntry[V]

	c.mu.Lock()
	for element := c.order.Back(); element != nil; {
		prev := element.Prev()
		entry := element.Value.(*localEntry[V])
		if entry.expired(now) {
			c.removeElementLocked(element)
			c.stats.Expiration()
			if c.metrics != nil {
				c.metrics.expirations.Inc()
			}
			evicted = append(evicted, *entry)
		}
		element = prev
	}
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
	c.mu.Unlock()

	for _, entry := range evicted {
		c.notifyEvict(entry.key, entry.value)
	}
}

func (c *Local[V]) recordMissLocked() {
	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.misses.Inc()
	}
}

// removeElementLocked removes an element from both the list and the map.
// Caller holds mu.
func (c *Local[V]) removeElementLocked(element *list.Element) {
	entry := element.Value.(*localEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
}

// notifyEvict runs the eviction callback outside the lock.
func (c *Local[V]) notifyEvict(key string, value V) {
	if c.evictFn != nil {
		c.evictFn(key, value)
	}
}
