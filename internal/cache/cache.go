// Package cache is the resume cache: a content-addressed chunk store with
// reference pinning and LRU eviction under a byte budget.
//
// Entries referenced by a live session (refs > 0) are never evicted. An
// invalidated entry that is still pinned keeps its pin count without its
// bytes until the last Release or a fresh Put. Writes
// for one hash are serialised on a sharded mutex; the index is guarded by a
// single mutex that is also held while an evicted blob is deleted, so a
// concurrent Put of the same hash always observes a consistent index.
package cache

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/fts/internal/manifest"
	"github.com/danmuck/fts/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound           = errors.New("cache: chunk not found")
	ErrCorrupt            = errors.New("cache: stored chunk is corrupt")
	ErrHashMismatch       = errors.New("cache: data does not match hash")
	ErrInvariantViolation = errors.New("cache: different bytes stored under one hash")
	ErrNotPinned          = errors.New("cache: chunk is not pinned")
)

const shardCount = 64

// DefaultBudget is used when Config.Budget is zero.
const DefaultBudget int64 = 1 << 30

type Config struct {
	// Budget is the byte ceiling Evict works towards. Pinned entries may
	// keep the cache above it.
	Budget int64
}

type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Budget    int64 `json:"budget"`
	Pinned    int   `json:"pinned"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type entry struct {
	hash manifest.Hash
	size int64
	refs int
	elem *list.Element
	// stale entries have lost their blob but are still pinned
	stale bool
}

type Cache struct {
	store  BlobStore
	budget int64
	shards [shardCount]sync.Mutex

	mu        sync.Mutex
	entries   map[manifest.Hash]*entry
	lru       *list.List // front is most recently used
	used      int64
	staleN    int
	hits      int64
	misses    int64
	evictions int64
}

// Open builds the index from what the store already holds. LRU order is
// seeded from blob modification times.
func Open(store BlobStore, cfg Config) (*Cache, error) {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	blobs, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("cache: list store: %w", err)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].ModTime.Before(blobs[j].ModTime) })

	c := &Cache{
		store:   store,
		budget:  cfg.Budget,
		entries: make(map[manifest.Hash]*entry, len(blobs)),
		lru:     list.New(),
	}
	for _, b := range blobs {
		e := &entry{hash: b.Hash, size: b.Size}
		e.elem = c.lru.PushFront(e)
		c.entries[b.Hash] = e
		c.used += b.Size
	}
	log.Debug().Int("entries", len(c.entries)).Int64("bytes", c.used).Int64("budget", c.budget).Msg("cache.Open")
	c.Evict()
	return c, nil
}

func (c *Cache) shard(h manifest.Hash) *sync.Mutex {
	return &c.shards[h[0]%shardCount]
}

func (c *Cache) Has(h manifest.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[h]
	return ok && !e.stale
}

// Get returns verified chunk bytes. A blob that no longer matches its hash
// is dropped and reported as ErrCorrupt.
func (c *Cache) Get(h manifest.Hash) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.entries[h]
	if !ok || e.stale {
		c.misses++
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	c.lru.MoveToFront(e.elem)
	c.mu.Unlock()

	data, err := c.store.Read(h)
	if errors.Is(err, ErrNotFound) {
		c.Invalidate(h)
		c.countMiss()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", h.Short(), err)
	}
	if manifest.Sum(data) != h {
		log.Warn().Str("hash", h.Short()).Msg("cache.Get dropping corrupt chunk")
		c.Invalidate(h)
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, h.Short())
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return data, nil
}

// Put stores data under h. Storing identical bytes again is a no-op.
func (c *Cache) Put(h manifest.Hash, data []byte) error {
	return c.put(h, data, false)
}

// PutAcquire stores data and pins it in one step so eviction cannot slip in
// between.
func (c *Cache) PutAcquire(h manifest.Hash, data []byte) error {
	return c.put(h, data, true)
}

func (c *Cache) put(h manifest.Hash, data []byte, pin bool) error {
	if manifest.Sum(data) != h {
		return fmt.Errorf("%w: %s", ErrHashMismatch, h.Short())
	}
	lock := c.shard(h)
	lock.Lock()
	defer lock.Unlock()

	if c.Has(h) {
		stored, err := c.store.Read(h)
		switch {
		case err == nil && bytes.Equal(stored, data):
			if c.touch(h, pin) {
				return nil
			}
		case err == nil && manifest.Sum(stored) == h:
			return fmt.Errorf("%w: %s", ErrInvariantViolation, h.Short())
		default:
			log.Warn().Str("hash", h.Short()).Err(err).Msg("cache.Put replacing unreadable chunk")
		}
	}

	c.evictFor(int64(len(data)))
	if err := c.store.Write(h, data); err != nil {
		return fmt.Errorf("cache: write %s: %w", h.Short(), err)
	}

	c.mu.Lock()
	if e, ok := c.entries[h]; ok {
		if e.stale {
			e.stale = false
			c.staleN--
		}
		c.used -= e.size
		e.size = int64(len(data))
		c.used += e.size
		c.lru.MoveToFront(e.elem)
		if pin {
			e.refs++
		}
	} else {
		e := &entry{hash: h, size: int64(len(data))}
		if pin {
			e.refs = 1
		}
		e.elem = c.lru.PushFront(e)
		c.entries[h] = e
		c.used += e.size
	}
	used, n := c.used, c.liveLocked()
	c.mu.Unlock()
	observability.SetCacheUsage(used, n)
	return nil
}

// touch marks an existing entry used and optionally pins it. It reports
// false if the entry vanished since the caller looked.
func (c *Cache) touch(h manifest.Hash, pin bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[h]
	if !ok || e.stale {
		return false
	}
	c.lru.MoveToFront(e.elem)
	if pin {
		e.refs++
	}
	return true
}

// Acquire pins h if it is cached and reports whether it did.
func (c *Cache) Acquire(h manifest.Hash) bool {
	return c.touch(h, true)
}

func (c *Cache) Release(h manifest.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[h]
	if !ok || e.refs == 0 {
		return fmt.Errorf("%w: %s", ErrNotPinned, h.Short())
	}
	e.refs--
	if e.refs == 0 && e.stale {
		c.removeLocked(e)
	}
	return nil
}

// Refs reports the pin count of h.
func (c *Cache) Refs(h manifest.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[h]; ok {
		return e.refs
	}
	return 0
}

// Evict drops least recently used unpinned entries until the cache is within
// budget and returns how many it removed.
func (c *Cache) Evict() int {
	return c.evictFor(0)
}

func (c *Cache) evictFor(incoming int64) int {
	c.mu.Lock()
	removed := 0
	for el := c.lru.Back(); el != nil && c.used+incoming > c.budget; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.refs == 0 {
			c.removeLocked(e)
			removed++
		}
		el = prev
	}
	c.evictions += int64(removed)
	over := c.used+incoming > c.budget
	used, n := c.used, c.liveLocked()
	c.mu.Unlock()

	if removed > 0 {
		log.Debug().Int("removed", removed).Int64("bytes", used).Msg("cache.Evict")
		observability.RecordCacheEvictions(removed)
	}
	if over {
		log.Warn().Int64("bytes", used).Int64("incoming", incoming).Int64("budget", c.budget).
			Msg("cache.Evict pinned chunks keep cache over budget")
	}
	observability.SetCacheUsage(used, n)
	return removed
}

// removeLocked drops e from the index and deletes its blob. c.mu must be held.
func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.hash)
	c.used -= e.size
	if e.stale {
		c.staleN--
		return
	}
	c.deleteBlob(e.hash)
}

func (c *Cache) deleteBlob(h manifest.Hash) {
	if err := c.store.Delete(h); err != nil {
		log.Warn().Str("hash", h.Short()).Err(err).Msg("cache.remove delete blob")
	}
}

// Invalidate drops the bytes stored under h. Pins on h stay counted: the
// entry reads as missing until a Put restores it, and the holders still
// Release it as usual.
func (c *Cache) Invalidate(h manifest.Hash) {
	c.mu.Lock()
	if e, ok := c.entries[h]; ok && !e.stale {
		if e.refs == 0 {
			c.removeLocked(e)
		} else {
			c.deleteBlob(h)
			c.used -= e.size
			e.size = 0
			e.stale = true
			c.staleN++
		}
	}
	used, n := c.used, c.liveLocked()
	c.mu.Unlock()
	observability.SetCacheUsage(used, n)
}

// liveLocked counts entries that hold bytes. c.mu must be held.
func (c *Cache) liveLocked() int {
	return len(c.entries) - c.staleN
}

// Purge removes every unpinned entry.
func (c *Cache) Purge() int {
	c.mu.Lock()
	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); e.refs == 0 {
			c.removeLocked(e)
			removed++
		}
		el = prev
	}
	used, n := c.used, c.liveLocked()
	c.mu.Unlock()
	observability.SetCacheUsage(used, n)
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	pinned := 0
	for _, e := range c.entries {
		if e.refs > 0 && !e.stale {
			pinned++
		}
	}
	return Stats{
		Entries:   c.liveLocked(),
		Bytes:     c.used,
		Budget:    c.budget,
		Pinned:    pinned,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
