package usecase

import (
	"sync"
	"time"

	"clinic-registration/internal/domain/model"
	"clinic-registration/internal/infra/metrics"
)

// DefaultStatusCacheTTL bounds how stale a served status snapshot can be.
const DefaultStatusCacheTTL = 30 * time.Second

type cacheEntry struct {
	snap      *model.StatusSnapshot
	expiresAt time.Time
}

// StatusCache is a short-lived in-memory cache in front of the remote status
// query. It is deliberately process-local: each process rebuilds it lazily,
// so cross-process staleness is bounded by the TTL, not by invalidation
// propagation. A hit short-circuits the remote fetch entirely.
type StatusCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func NewStatusCache(ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusCacheTTL
	}
	return &StatusCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached snapshot for the user, or nil on a miss or an
// expired entry.
func (c *StatusCache) Get(userID string) *model.StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, userID)
		metrics.IncCacheRequest("status", "miss")
		return nil
	}
	metrics.IncCacheRequest("status", "hit")
	return e.snap
}

// Set stores a snapshot for the cache TTL.
func (c *StatusCache) Set(userID string, snap *model.StatusSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{snap: snap, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate drops the user's entry. The orchestrator calls this after every
// mutating operation so the next read observes the change.
func (c *StatusCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
