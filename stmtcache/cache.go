// Package stmtcache is the prepared-statement cache (spec §4.4): a
// slice kept sorted by normalized SQL text so lookup and insertion can
// both binary search, with eviction picking the oldest-timestamp entry
// and breaking ties on the lowest execution count.
//
// Its shape is grounded on this codebase's hand-rolled query cache
// (CacheEntry/CacheStats, hit/miss/eviction/expiration counters), with
// the doubly-linked LRU list replaced by the sorted slice the
// binary-search invariant below requires - a map-backed LRU library
// can't give you "sorted by text" for free, so this one stays
// hand-rolled the way the teacher's own cache was.
package stmtcache

import (
	"sort"
	"sync"
	"time"

	"github.com/shardstore/occworker/driverfacade"
)

// APIVersion distinguishes the v1/v2 temporal-handling split spec §4.4
// requires: a v2 caller's prepared statement for a given SQL text is
// never reused to serve a v1 caller and vice versa, because the two
// API versions bind DATE/TIMESTAMP columns differently.
type APIVersion int

const (
	V1 APIVersion = 1
	V2 APIVersion = 2
)

// Entry is one cached prepared statement.
type Entry struct {
	NormalizedSQL string
	APIVersion    APIVersion
	Handle        *driverfacade.StmtHandle
	Kind          StatementKind

	CreatedAt   time.Time
	LastUsed    time.Time
	ExecCount   int64
}

// key is what the slice is sorted by: normalized SQL text first, then
// API version, so the two cache-split entries for the same text sort
// next to each other.
func (e *Entry) key() (string, APIVersion) { return e.NormalizedSQL, e.APIVersion }

// Stats mirrors the hit/miss/eviction/expiration counters this
// codebase's query cache tracks.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// Cache is the sorted-slice prepared-statement cache.
type Cache struct {
	mu          sync.Mutex
	entries     []*Entry // kept sorted by (NormalizedSQL, APIVersion)
	maxSize     int
	expireAfter time.Duration
	expireEvery time.Duration
	lastSweep   time.Time
	stats       Stats
}

func New(maxSize int, expireAfter, expireEvery time.Duration) *Cache {
	return &Cache{
		maxSize:     maxSize,
		expireAfter: expireAfter,
		expireEvery: expireEvery,
		lastSweep:   time.Now(),
	}
}

// indexOf returns the slice position of (text, ver) and whether it was
// found, via binary search over the sorted slice.
func (c *Cache) indexOf(text string, ver APIVersion) (int, bool) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return !less(c.entries[i], text, ver)
	})
	if i < len(c.entries) && c.entries[i].NormalizedSQL == text && c.entries[i].APIVersion == ver {
		return i, true
	}
	return i, false
}

func less(e *Entry, text string, ver APIVersion) bool {
	if e.NormalizedSQL != text {
		return e.NormalizedSQL < text
	}
	return e.APIVersion < ver
}

// LinearIndexOf is the O(n) reference search used only by tests to
// assert the binary-search invariant: both searches must agree on
// every lookup.
func (c *Cache) LinearIndexOf(text string, ver APIVersion) (int, bool) {
	for i, e := range c.entries {
		if e.NormalizedSQL == text && e.APIVersion == ver {
			return i, true
		}
	}
	return -1, false
}

// Get looks up a cached statement for (normalizedSQL, apiVersion).
func (c *Cache) Get(normalizedSQL string, ver APIVersion) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, found := c.indexOf(normalizedSQL, ver)
	if !found {
		c.stats.Misses++
		return nil, false
	}
	e := c.entries[i]
	e.LastUsed = time.Now()
	e.ExecCount++
	c.stats.Hits++
	return e, true
}

// Put inserts a freshly prepared statement, evicting the oldest entry
// first if the cache is already at capacity.
func (c *Cache) Put(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, found := c.indexOf(e.NormalizedSQL, e.APIVersion)
	if found {
		c.entries[i] = e
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
}

// evictOldestLocked removes the entry with the oldest CreatedAt,
// breaking ties on the lowest ExecCount, matching spec §4.4's eviction
// rule. Caller must hold c.mu.
func (c *Cache) evictOldestLocked() {
	if len(c.entries) == 0 {
		return
	}
	victim := 0
	for i, e := range c.entries {
		v := c.entries[victim]
		if e.CreatedAt.Before(v.CreatedAt) ||
			(e.CreatedAt.Equal(v.CreatedAt) && e.ExecCount < v.ExecCount) {
			victim = i
		}
	}
	c.entries = append(c.entries[:victim], c.entries[victim+1:]...)
	c.stats.Evictions++
}

// SweepExpired drops entries older than expireAfter, at most once per
// expireEvery — the idle-tick task spec §4.9 calls between requests.
// Close is the caller-supplied hook to release the underlying prepared
// statement handle.
func (c *Cache) SweepExpired(now time.Time, close func(*Entry)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastSweep) < c.expireEvery {
		return
	}
	c.lastSweep = now

	kept := c.entries[:0]
	for _, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.expireAfter {
			c.stats.Expirations++
			if close != nil {
				close(e)
			}
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
}

// DumpAll removes every entry, used at session teardown; returns the
// removed entries so the caller can close their handles.
func (c *Cache) DumpAll() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := c.entries
	c.entries = nil
	return all
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
