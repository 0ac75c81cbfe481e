package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestLocal(t *testing.T, maxSize int, options ...Option[string]) *Local[string] {
	t.Helper()
	c, err := NewLocal(maxSize, options...)
	if err != nil {
		t.Fatalf("Unexpected error creating cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLocalBasicOperations(t *testing.T) {
	c := newTestLocal(t, 10)

	if value, exists := c.Get("key1"); exists {
		t.Errorf("Expected miss on empty cache, got value: %s", value)
	}

	if err := c.Set("key1", "value1", 0); err != nil {
		t.Fatalf("Unexpected error setting key: %v", err)
	}
	if value, exists := c.Get("key1"); !exists || value != "value1" {
		t.Errorf("Expected 'value1', got value: %s, exists: %t", value, exists)
	}

	if err := c.Set("key1", "value1_updated", 0); err != nil {
		t.Fatalf("Unexpected error updating key: %v", err)
	}
	if value, _ := c.Get("key1"); value != "value1_updated" {
		t.Errorf("Expected updated value, got: %s", value)
	}

	if !c.Delete("key1") {
		t.Error("Expected successful deletion")
	}
	if c.Delete("key1") {
		t.Error("Expected deletion failure for non-existent key")
	}
	if _, exists := c.Get("key1"); exists {
		t.Error("Expected miss after deletion")
	}
}

func TestLocalRejectsEmptyKey(t *testing.T) {
	c := newTestLocal(t, 10)

	if err := c.Set("", "value", 0); err == nil {
		t.Error("Expected error for empty key")
	}
}

func TestLocalLRUEviction(t *testing.T) {
	c := newTestLocal(t, 3)

	_ = c.Set("a", "1", 0)
	_ = c.Set("b", "2", 0)
	_ = c.Set("c", "3", 0)

	// Touch "a" so "b" becomes the least recently used
	c.Get("a")

	_ = c.Set("d", "4", 0)

	if _, exists := c.Get("b"); exists {
		t.Error("Expected 'b' to be evicted as least recently used")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, exists := c.Get(key); !exists {
			t.Errorf("Expected %q to survive eviction", key)
		}
	}
	if c.Stats().Evictions() != 1 {
		t.Errorf("Expected 1 eviction, got %d", c.Stats().Evictions())
	}
}

func TestLocalTTLExpiry(t *testing.T) {
	c := newTestLocal(t, 10)

	_ = c.Set("short", "v", 20*time.Millisecond)
	_ = c.Set("forever", "v", 0)

	if _, exists := c.Get("short"); !exists {
		t.Fatal("Expected hit before expiry")
	}

	time.Sleep(40 * time.Millisecond)

	if _, exists := c.Get("short"); exists {
		t.Error("Expected miss after expiry")
	}
	if _, exists := c.Get("forever"); !exists {
		t.Error("Expected entry without TTL to survive")
	}
	if c.Stats().Expirations() != 1 {
		t.Errorf("Expected 1 expiration, got %d", c.Stats().Expirations())
	}
}

func TestLocalJanitorSweepsExpired(t *testing.T) {
	c := newTestLocal(t, 10, WithCleanupInterval[string](10*time.Millisecond))

	_ = c.Set("a", "1", 15*time.Millisecond)
	_ = c.Set("b", "2", 0)

	deadline := time.Now().Add(time.Second)
	for c.Size() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// The expired entry must be gone without ever being read again
	if c.Size() != 1 {
		t.Errorf("Expected janitor to sweep expired entry, size is %d", c.Size())
	}
}

func TestLocalEvictionCallback(t *testing.T) {
	var mu sync.Mutex
	evicted := make(map[string]string)

	c := newTestLocal(t, 2, WithEvictionCallback(func(key, value string) {
		mu.Lock()
		evicted[key] = value
		mu.Unlock()
	}))

	_ = c.Set("a", "1", 0)
	_ = c.Set("b", "2", 0)
	_ = c.Set("c", "3", 0) // evicts "a"
	c.Delete("b")

	mu.Lock()
	defer mu.Unlock()
	if evicted["a"] != "1" {
		t.Errorf("Expected eviction callback for 'a', got %v", evicted)
	}
	if evicted["b"] != "2" {
		t.Errorf("Expected eviction callback for deleted 'b', got %v", evicted)
	}
}

func TestLocalStats(t *testing.T) {
	c := newTestLocal(t, 10)

	_ = c.Set("key", "value", 0)
	c.Get("key")
	c.Get("key")
	c.Get("absent")

	stats := c.Stats()
	if stats.Hits() != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits())
	}
	if stats.Misses() != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses())
	}
	if ratio := stats.HitRatio(); ratio < 0.66 || ratio > 0.67 {
		t.Errorf("Expected hit ratio ~0.667, got %f", ratio)
	}
	if stats.CurrentSize() != 1 {
		t.Errorf("Expected current size 1, got %d", stats.CurrentSize())
	}
}

func TestLocalKeysInLRUOrder(t *testing.T) {
	c := newTestLocal(t, 10)

	_ = c.Set("a", "1", 0)
	_ = c.Set("b", "2", 0)
	c.Get("a")

	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Expected [a b] in recency order, got %v", keys)
	}
}

func TestLocalClear(t *testing.T) {
	c := newTestLocal(t, 10)

	_ = c.Set("a", "1", 0)
	_ = c.Set("b", "2", 0)
	c.Clear()

	if c.Size() != 0 {
		t.Errorf("Expected size 0 after clear, got %d", c.Size())
	}
}

func TestLocalConcurrentAccess(t *testing.T) {
	c := newTestLocal(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d-%d", n, j%20)
				_ = c.Set(key, "value", time.Second)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if c.Size() > 100 {
		t.Errorf("Cache exceeded its bound: %d", c.Size())
	}
}
