package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fieldstack/blueprint/state"
)

// Cache memoizes Plan results keyed on (intent, populated-field-shape),
// purely as a latency optimization: since Planner.Plan is stateless and
// deterministic (L1), repeated identical inputs always yield an identical
// plan, so caching never changes observable behavior.
//
// Adapted from the teacher's pkg/routing.SimpleCache (cache.go):
// hash-keyed map with per-entry TTL and a periodic cleanup goroutine,
// generalized from a prompt-string key to the (intent, state-shape) key
// this planner actually varies on.
type Cache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	ttl   time.Duration
	stop  chan struct{}
}

type cacheItem struct {
	plan      Plan
	expiresAt time.Time
}

// NewCache creates a Cache with the given per-entry TTL and starts its
// background eviction loop.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{
		items: make(map[string]cacheItem),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Stop halts the cache's background eviction goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for k, v := range c.items {
				if now.After(v.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) key(it string, populated map[state.FieldName]bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s", it)
	for _, f := range []state.FieldName{
		state.FieldFiles, state.FieldProcessedFilesContent, state.FieldTradeMapping,
		state.FieldScopeItems, state.FieldTakeoffData, state.FieldEstimate,
		state.FieldQAFindings, state.FieldExportArtifacts,
	} {
		fmt.Fprintf(h, "|%s=%v", f, populated[f])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached plan for the given intent/state shape, if present
// and unexpired.
func (c *Cache) Get(it string, snapshot *state.AppState) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[c.key(it, populatedSnapshot(snapshot))]
	if !ok || time.Now().After(item.expiresAt) {
		return Plan{}, false
	}
	return item.plan, true
}

// Set stores plan for the given intent/state shape.
func (c *Cache) Set(it string, snapshot *state.AppState, plan Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[c.key(it, populatedSnapshot(snapshot))] = cacheItem{plan: plan, expiresAt: time.Now().Add(c.ttl)}
}

