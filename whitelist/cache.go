// Package whitelist implements the gateway's authorization layer: a TTL cache
// of recently approved channels, the durable per-user whitelist, and the
// external registration and blacklist collaborators.
package whitelist

import (
	"log/slog"
	"sync"
	"time"
)

type cacheRecord struct {
	user       string
	lastAccess time.Time
}

// Cache is the in-memory channel index. The forward map (channel id to
// record) and the reverse map (user to channel set) are always mutated inside
// the same critical section so neither can reference an entry missing from
// the other.
type Cache struct {
	mu       sync.Mutex
	channels map[string]cacheRecord
	users    map[string]map[string]struct{}
	nowFn    func() time.Time
	logger   *slog.Logger
}

// NewCache constructs an empty cache.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		channels: make(map[string]cacheRecord),
		users:    make(map[string]map[string]struct{}),
		nowFn:    time.Now,
		logger:   logger,
	}
}

// Touch reports whether the channel or any channel of the user is cached, and
// refreshes the channel's last-access time when present. A hit through the
// user's other channels caches this channel too, so it refreshes and expires
// like any other. Test, refresh, and insert are one atomic step so concurrent
// requests for the same channel cannot lose the refresh.
func (c *Cache) Touch(channelID, user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if rec, ok := c.channels[channelID]; ok {
		rec.lastAccess = now
		c.channels[channelID] = rec
		return true
	}
	set, ok := c.users[user]
	if !ok {
		return false
	}
	c.channels[channelID] = cacheRecord{user: user, lastAccess: now}
	set[channelID] = struct{}{}
	return true
}

// Put inserts a channel for the user, refreshing it when already present.
func (c *Cache) Put(user, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.channels[channelID] = cacheRecord{user: user, lastAccess: c.nowFn()}
	set, ok := c.users[user]
	if !ok {
		set = make(map[string]struct{})
		c.users[user] = set
	}
	set[channelID] = struct{}{}
}

// RemoveChannel drops a single channel from both maps. Other channels of the
// same user stay cached.
func (c *Cache) RemoveChannel(user, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictChannel(channelID, user)
}

// RemoveUser evicts every channel of the user and returns how many were
// dropped.
func (c *Cache) RemoveUser(user string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.users[user]
	for channelID := range set {
		delete(c.channels, channelID)
	}
	delete(c.users, user)
	return len(set)
}

// Sweep evicts every channel whose last access is at least ttl ago and
// returns the eviction count. A record with a missing owner is logged and
// otherwise treated like any other: it lapses through the same TTL
// comparison, never as a fatal condition.
func (c *Cache) Sweep(ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	evicted := 0
	for channelID, rec := range c.channels {
		if rec.user == "" {
			c.logger.Warn("broken cache record", "channelId", channelID)
		}
		if now.Sub(rec.lastAccess) >= ttl {
			c.evictChannel(channelID, rec.user)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of cached channels.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// evictChannel removes one channel from both maps and drops the user's set
// when it empties. Callers hold c.mu.
func (c *Cache) evictChannel(channelID, user string) {
	delete(c.channels, channelID)
	if set, ok := c.users[user]; ok {
		delete(set, channelID)
		if len(set) == 0 {
			delete(c.users, user)
		}
	}
}
