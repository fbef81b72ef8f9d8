package profile

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached snapshot is trusted before Warm
// reloads it.
const DefaultCacheTTL = 5 * time.Minute

// Loader loads a profile from the backing store.
type Loader interface {
	Get(ctx context.Context, sessionID string) (Snapshot, error)
}

type cacheEntry struct {
	snap     Snapshot
	loadedAt time.Time
}

// Cache is the local snapshot table read by the coordinator. Reads never
// touch the network; Warm is called outside the coordinator to fill it.
type Cache struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	entries   map[string]cacheEntry
	lastPrune time.Time
}

// NewCache creates a cache in front of loader.
func NewCache(loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		loader:  loader,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// GetPlayerSnapshot returns the cached snapshot for a session. Stale entries
// are still returned.
func (c *Cache) GetPlayerSnapshot(sessionID string) (Snapshot, bool) {
	c.mu.RLock()
	e, ok := c.entries[sessionID]
	c.mu.RUnlock()
	return e.snap, ok
}

// Warm makes sure a fresh snapshot for the session is cached, loading it
// when missing or older than the TTL. If the reload fails but a stale entry
// exists, the stale entry is kept and returned.
func (c *Cache) Warm(ctx context.Context, sessionID string) (Snapshot, error) {
	c.mu.RLock()
	e, ok := c.entries[sessionID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.loadedAt) < c.ttl {
		return e.snap, nil
	}

	snap, err := c.loader.Get(ctx, sessionID)
	if err != nil {
		if ok {
			return e.snap, nil
		}
		return Snapshot{}, err
	}
	c.Set(sessionID, snap)
	return snap, nil
}

// Set stores a snapshot directly. At most once per TTL it also drops
// entries loaded more than two TTLs ago, so sessions that never come back
// do not accumulate.
func (c *Cache) Set(sessionID string, snap Snapshot) {
	now := c.now()
	c.mu.Lock()
	c.entries[sessionID] = cacheEntry{snap: snap, loadedAt: now}
	if now.Sub(c.lastPrune) >= c.ttl {
		c.pruneLocked(now)
	}
	c.mu.Unlock()
}

// Prune drops entries loaded more than two TTLs ago and returns how many
// were removed. Warm reloads anything older than one TTL, so a snapshot
// that was just warmed is never pruned.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(c.now())
}

func (c *Cache) pruneLocked(now time.Time) int {
	c.lastPrune = now
	removed := 0
	for sid, e := range c.entries {
		if now.Sub(e.loadedAt) > 2*c.ttl {
			delete(c.entries, sid)
			removed++
		}
	}
	return removed
}

// Forget drops a session's snapshot once it has left matchmaking.
func (c *Cache) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
