package cache

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGetOrCompute_HitSkipsCompute(t *testing.T) {
	c := New()

	calls := 0
	compute := func() (any, error) {
		calls++
		return "payload", nil
	}

	v, err := c.GetOrCompute("k", time.Minute, nil, compute)
	if err != nil || v != "payload" {
		t.Fatalf("first call: got %v, %v", v, err)
	}
	v, err = c.GetOrCompute("k", time.Minute, nil, compute)
	if err != nil || v != "payload" {
		t.Fatalf("second call: got %v, %v", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 compute call, got %d", calls)
	}
}

func TestGetOrCompute_ExpiryIsBackstop(t *testing.T) {
	c := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	if _, err := c.GetOrCompute("k", 5*time.Minute, nil, compute); err != nil {
		t.Fatal(err)
	}

	// Within TTL: served from cache even though no invalidation happened.
	now = now.Add(4 * time.Minute)
	v, _ := c.GetOrCompute("k", 5*time.Minute, nil, compute)
	if v != 1 {
		t.Fatalf("expected cached value 1, got %v", v)
	}

	// Past TTL: never served stale.
	now = now.Add(2 * time.Minute)
	v, _ = c.GetOrCompute("k", 5*time.Minute, nil, compute)
	if v != 2 {
		t.Fatalf("expected recomputed value 2, got %v", v)
	}
}

func TestGetOrCompute_ErrorNotStored(t *testing.T) {
	c := New()

	boom := errors.New("boom")
	if _, err := c.GetOrCompute("k", time.Minute, nil, func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("failed compute must not be cached")
	}
}

func TestInvalidate_ForcesRecompute(t *testing.T) {
	c := New()

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	c.GetOrCompute("k", time.Hour, nil, compute)
	c.Invalidate("k")
	v, _ := c.GetOrCompute("k", time.Hour, nil, compute)
	if v != 2 || calls != 2 {
		t.Fatalf("invalidation must force recompute: v=%v calls=%d", v, calls)
	}
}

func TestInvalidateByTag_FansOut(t *testing.T) {
	c := New()

	fill := func(key string, tags ...string) {
		c.GetOrCompute(key, time.Hour, tags, func() (any, error) { return key, nil })
	}
	fill("popular_grants_5", TagPopular)
	fill("search_abc", TagSearch, GrantTag("g1"))
	fill("related_g1_4", RelatedTag("g1"), GrantTag("g1"))
	fill("grant_stats", TagStats)

	removed := c.InvalidateByTag(GrantTag("g1"))
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if _, ok := c.Get("search_abc"); ok {
		t.Fatal("tagged search entry should be gone")
	}
	if _, ok := c.Get("related_g1_4"); ok {
		t.Fatal("tagged related entry should be gone")
	}
	if _, ok := c.Get("popular_grants_5"); !ok {
		t.Fatal("untagged entry must survive")
	}
}

func TestInvalidateGrant_ClearsDerivedViews(t *testing.T) {
	c := New()

	c.GetOrCompute("popular_grants_5", time.Hour, []string{TagPopular}, func() (any, error) { return 1, nil })
	c.GetOrCompute("search_fp", time.Hour, []string{TagSearch}, func() (any, error) { return 1, nil })
	c.GetOrCompute("grant_g7", time.Hour, []string{GrantTag("g7")}, func() (any, error) { return 1, nil })

	c.InvalidateGrant("g7")

	if c.Len() != 0 {
		t.Fatalf("expected all derived views cleared, %d left", c.Len())
	}
}

func TestFlushAll(t *testing.T) {
	c := New()
	c.GetOrCompute("a", time.Hour, []string{TagStats}, func() (any, error) { return 1, nil })
	c.GetOrCompute("b", time.Hour, nil, func() (any, error) { return 2, nil })

	c.FlushAll()

	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}

func TestNilCache_DegradesToMiss(t *testing.T) {
	var c *Cache

	calls := 0
	v, err := c.GetOrCompute("k", time.Hour, nil, func() (any, error) {
		calls++
		return "direct", nil
	})
	if err != nil || v != "direct" || calls != 1 {
		t.Fatalf("nil cache must pass through: v=%v err=%v calls=%d", v, err, calls)
	}

	// No panics on the rest of the surface either.
	c.Invalidate("k")
	c.InvalidateByTag(TagSearch)
	c.InvalidateGrant("g1")
	c.FlushAll()
}

func TestConcurrentAccess(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.GetOrCompute("shared", time.Millisecond, []string{TagSearch}, func() (any, error) { return n, nil })
				if j%10 == 0 {
					c.InvalidateByTag(TagSearch)
				}
			}
		}(i)
	}
	wg.Wait()
}
