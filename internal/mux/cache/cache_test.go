package cache

import (
	"fmt"
	"testing"
	"time"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c := New(cfg, nil)
	t.Cleanup(c.Close)
	return c
}

func TestExpiredEntryMissesExactlyOnce(t *testing.T) {
	c := newTestCache(t, Config{TTL: time.Minute})
	key := SessionKey("s1")
	c.SetTTL(key, "payload", 50*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Fatalf("expired entry was returned")
	}
	st := c.Stats()
	if st.Hits != 0 || st.Misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 0/1", st.Hits, st.Misses)
	}
	if st.Expirations != 1 {
		t.Fatalf("expirations = %d, want 1", st.Expirations)
	}
	if st.Entries != 0 {
		t.Fatalf("expired entry still resident")
	}
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	c := newTestCache(t, Config{TTL: time.Minute, MaxEntries: 3})
	for i := 0; i < 3; i++ {
		c.Set(SessionKey(fmt.Sprintf("s%d", i)), i)
	}
	// Touch s0 so s1 becomes the eviction candidate.
	if _, ok := c.Get(SessionKey("s0")); !ok {
		t.Fatalf("s0 missing before eviction")
	}
	c.Set(SessionKey("s3"), 3)

	if _, ok := c.Get(SessionKey("s1")); ok {
		t.Fatalf("least recently used entry survived eviction")
	}
	for _, id := range []string{"s0", "s2", "s3"} {
		if _, ok := c.Get(SessionKey(id)); !ok {
			t.Fatalf("entry %s evicted unexpectedly", id)
		}
	}
	if st := c.Stats(); st.Evictions != 1 {
		t.Fatalf("evictions = %d, want 1", st.Evictions)
	}
}

func TestInvalidateSessionRemovesHierarchy(t *testing.T) {
	c := newTestCache(t, Config{TTL: time.Minute})
	c.Set(SessionKey("s1"), "session")
	c.Set(WindowKey("s1", "w1"), "window")
	c.Set(PaneKey("s1", "w1", "p1"), "pane")
	c.Set(PaneKey("s1", "w1", "p2"), "pane")
	c.Set(SessionKey("s2"), "other session")
	c.Set(WindowKey("s2", "w1"), "other window")

	if removed := c.InvalidateSession("s1"); removed != 4 {
		t.Fatalf("removed = %d, want 4", removed)
	}
	for _, key := range []Key{SessionKey("s1"), WindowKey("s1", "w1"), PaneKey("s1", "w1", "p1")} {
		if _, ok := c.Get(key); ok {
			t.Fatalf("key %s survived invalidation", key)
		}
	}
	for _, key := range []Key{SessionKey("s2"), WindowKey("s2", "w1")} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("unrelated key %s was invalidated", key)
		}
	}
}

func TestLookupTypeMismatchIsMiss(t *testing.T) {
	c := newTestCache(t, Config{TTL: time.Minute})
	c.Set(SessionKey("s1"), "a string")
	if got, ok := Lookup[string](c, SessionKey("s1")); !ok || got != "a string" {
		t.Fatalf("typed lookup = %q, %v", got, ok)
	}
	if _, ok := Lookup[int](c, SessionKey("s1")); ok {
		t.Fatalf("mismatched type asserted successfully")
	}
}

func TestWarmSeedsEntries(t *testing.T) {
	c := newTestCache(t, Config{TTL: time.Minute})
	c.Warm(map[Key]any{
		SessionKey("s1"): "one",
		SessionKey("s2"): "two",
	})
	if st := c.Stats(); st.Entries != 2 {
		t.Fatalf("entries = %d after warm", st.Entries)
	}
	if v, ok := c.Get(SessionKey("s2")); !ok || v != "two" {
		t.Fatalf("warmed entry = %v, %v", v, ok)
	}
}

func TestSweepPurgesColdExpiredEntries(t *testing.T) {
	c := newTestCache(t, Config{TTL: 20 * time.Millisecond, CleanupInterval: 10 * time.Millisecond})
	c.Set(SessionKey("cold"), "never read again")

	deadline := time.Now().Add(time.Second)
	for {
		if c.Stats().Entries == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper never purged the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := c.Stats(); st.Expirations != 1 {
		t.Fatalf("expirations = %d, want 1", st.Expirations)
	}
}

func TestVersionedKeysAreDistinct(t *testing.T) {
	c := newTestCache(t, Config{TTL: time.Minute})
	v1 := Key{Type: "session", Path: "s1", Version: "1"}
	v2 := Key{Type: "session", Path: "s1", Version: "2"}
	c.Set(v1, "old")
	c.Set(v2, "new")
	if got, _ := c.Get(v1); got != "old" {
		t.Fatalf("v1 = %v", got)
	}
	if got, _ := c.Get(v2); got != "new" {
		t.Fatalf("v2 = %v", got)
	}
}
