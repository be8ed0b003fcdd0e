package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stagewise/stagewise/pkg/schema"
)

// cacheEntry holds one replayable result with its write time, so the
// janitor can sweep stale entries.
type cacheEntry struct {
	result  schema.ActionResult
	written time.Time
}

// ResultCache stores action results keyed by a hash of the step identity
// and the state snapshot. Multiple sessions may read concurrently; writes
// to the same key are last-write-wins.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewResultCache creates an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{entries: make(map[string]cacheEntry)}
}

// Key derives the cache key from the step identity and a sorted snapshot
// of the workflow state, so identical states always produce the same key.
func (c *ResultCache) Key(step schema.StepDefinition, state *schema.WorkflowState) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", step.ID, step.Index)

	keys := make([]string, 0, len(state.StepResults))
	for k := range state.StepResults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		inner := state.StepResults[k]
		innerKeys := make([]string, 0, len(inner))
		for ik := range inner {
			innerKeys = append(innerKeys, ik)
		}
		sort.Strings(innerKeys)
		for _, ik := range innerKeys {
			b, _ := json.Marshal(inner[ik])
			fmt.Fprintf(h, "|%s.%s=%s", k, ik, b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for the key, if present.
func (c *ResultCache) Get(key string) (schema.ActionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.result, ok
}

// Put stores a result under the key.
func (c *ResultCache) Put(key string, result schema.ActionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: result, written: time.Now()}
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SweepOlderThan removes entries written before the cutoff and returns the
// number removed.
func (c *ResultCache) SweepOlderThan(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.written.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
