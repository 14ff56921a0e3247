package whitelist

import (
	"testing"
	"time"
)

func newTestCache(now *time.Time) *Cache {
	c := NewCache(nil)
	c.nowFn = func() time.Time { return *now }
	return c
}

func TestTouchRefreshesLastAccess(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(&now)

	c.Put("alice", "chan-1")
	now = now.Add(30 * time.Minute)
	if !c.Touch("chan-1", "alice") {
		t.Fatalf("expected cache hit")
	}

	// The touch above moved last access to T+30m, so a sweep at T+60m with a
	// one hour TTL must keep the channel.
	now = now.Add(30 * time.Minute)
	if evicted := c.Sweep(time.Hour); evicted != 0 {
		t.Fatalf("expected no eviction, got %d", evicted)
	}
	if c.Len() != 1 {
		t.Fatalf("channel vanished after sweep")
	}
}

func TestTouchHitsOnUserWithOtherChannel(t *testing.T) {
	now := time.Now()
	c := newTestCache(&now)

	c.Put("alice", "chan-1")
	if !c.Touch("chan-2", "alice") {
		t.Fatalf("expected hit through the user's existing channel")
	}
	if c.Touch("chan-9", "bob") {
		t.Fatalf("unexpected hit for unknown user and channel")
	}

	// The user-level hit cached chan-2 in both indices: it survives the
	// sibling's removal and counts as a cached channel of its own.
	if c.Len() != 2 {
		t.Fatalf("user-level hit did not cache the channel, len=%d", c.Len())
	}
	c.RemoveChannel("alice", "chan-1")
	if !c.Touch("chan-2", "nobody") {
		t.Fatalf("channel cached via user hit vanished with its sibling")
	}
}

func TestTouchUserHitExpiresOnItsOwn(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(&now)

	c.Put("alice", "chan-1")
	now = now.Add(30 * time.Minute)
	if !c.Touch("chan-2", "alice") {
		t.Fatalf("expected hit through the user's existing channel")
	}

	// chan-1 lapses at T+89m under a one hour TTL; chan-2 was cached at
	// T+30m, is only 59m old, and stays.
	now = now.Add(59 * time.Minute)
	if evicted := c.Sweep(time.Hour); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if !c.Touch("chan-2", "alice") {
		t.Fatalf("freshly cached channel swept with the stale one")
	}
}

func TestSweepRemovesFromBothIndices(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(&now)

	c.Put("alice", "chan-1")
	c.Put("alice", "chan-2")

	now = now.Add(time.Hour)
	if evicted := c.Sweep(time.Hour); evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	if c.Len() != 0 {
		t.Fatalf("forward index not empty")
	}
	if c.Touch("chan-3", "alice") {
		t.Fatalf("reverse index still holds the user")
	}
}

func TestSweepBeforeTTLKeepsRecords(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(&now)

	c.Put("alice", "chan-1")
	now = now.Add(59 * time.Minute)
	if evicted := c.Sweep(time.Hour); evicted != 0 {
		t.Fatalf("sweep before TTL evicted %d", evicted)
	}
}

func TestRemoveUserEvictsEveryChannel(t *testing.T) {
	now := time.Now()
	c := newTestCache(&now)

	c.Put("alice", "chan-1")
	c.Put("alice", "chan-2")
	c.Put("bob", "chan-3")

	if evicted := c.RemoveUser("alice"); evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	if c.Touch("chan-1", "alice") || c.Touch("chan-2", "alice") {
		t.Fatalf("alice's channels survived the ban eviction")
	}
	if !c.Touch("chan-3", "bob") {
		t.Fatalf("bob's channel was collaterally evicted")
	}
}

func TestRemoveChannelKeepsSiblings(t *testing.T) {
	now := time.Now()
	c := newTestCache(&now)

	c.Put("alice", "chan-1")
	c.Put("alice", "chan-2")

	c.RemoveChannel("alice", "chan-1")
	if c.Touch("chan-1", "nobody") {
		t.Fatalf("removed channel still cached")
	}
	if !c.Touch("chan-2", "alice") {
		t.Fatalf("sibling channel lost")
	}
}

func TestSweepSkipsBrokenRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(&now)

	c.Put("alice", "chan-1")
	c.mu.Lock()
	c.channels["chan-broken"] = cacheRecord{lastAccess: now}
	c.mu.Unlock()

	// An ownerless record is logged but not force-dropped while fresh.
	if evicted := c.Sweep(time.Hour); evicted != 0 {
		t.Fatalf("fresh broken record evicted, got %d evictions", evicted)
	}
	if c.Len() != 2 {
		t.Fatalf("sweep disturbed records, len=%d", c.Len())
	}

	// It lapses through the ordinary TTL comparison.
	now = now.Add(time.Hour)
	if evicted := c.Sweep(time.Hour); evicted != 2 {
		t.Fatalf("expected both records to lapse, got %d evictions", evicted)
	}
	if c.Len() != 0 {
		t.Fatalf("forward index not empty after sweep")
	}
}
