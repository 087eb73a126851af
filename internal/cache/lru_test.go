package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestTTLCacheBasicOperations(t *testing.T) {
	c, err := New[string, int](3, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("a", 42)
	if val, ok := c.Get("a"); !ok || val != 42 {
		t.Errorf("Get(a) = (%v, %v), want (42, true)", val, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should return false")
	}

	c.Set("b", 100)
	c.Set("c", 200)
	c.Set("d", 300)

	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted as least recently used")
	}
	if val, ok := c.Get("d"); !ok || val != 300 {
		t.Errorf("Get(d) = (%v, %v), want (300, true)", val, ok)
	}
}

func TestTTLCacheExpiration(t *testing.T) {
	c, err := New[string, string](10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("k", "v")
	if _, ok := c.Get("k"); !ok {
		t.Error("k should be present before expiration")
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Error("k should have expired")
	}

	c.Set("k2", "v2")
	time.Sleep(100 * time.Millisecond)
	if removed := c.CleanupExpired(); removed != 2 {
		t.Errorf("CleanupExpired removed %d entries, want 2", removed)
	}
	if c.Len() != 0 {
		t.Errorf("cache should be empty after cleanup, has %d", c.Len())
	}
}

func TestTTLCachePurge(t *testing.T) {
	c, err := New[string, int](10, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	if c.Len() != 5 {
		t.Fatalf("Len = %d, want 5", c.Len())
	}
	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Len after Purge = %d, want 0", c.Len())
	}
}

func TestTTLCacheStats(t *testing.T) {
	c, err := New[string, int](10, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("x", 1)
	c.Get("x")
	c.Get("x")
	c.Get("y")

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Errorf("HitRate = %f, want ~0.667", stats.HitRate)
	}
}
