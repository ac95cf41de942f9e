// Package cache implements the content-addressed page cache. Entries are
// keyed by the hash of their content, so an entry can never be stale: a
// hit is always correct, and a miss only costs a round trip to the engine.
package cache

import (
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"github.com/golang/groupcache/lru"
)

// KeySize is the length of a content hash.
const KeySize = 32

// Key is the content hash of a cached page.
type Key [KeySize]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

const (
	// maxShards must be a power of two.
	maxShards = 16

	// MinShardBytes is the smallest budget a shard is given: room for one
	// page of the largest page size. Smaller budgets use fewer shards,
	// down to one.
	MinShardBytes = 64 << 10
)

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Bytes     int64
}

// Cache is a byte-bounded LRU cache of page contents, split into shards
// to keep lock contention low. Recency is tracked per shard, so the entry
// evicted is the least recently used of its shard. A zero budget disables
// caching.
type Cache struct {
	shards   []*shard
	mask     uint64
	maxBytes int64

	hits, misses, evictions uint64
}

// entry is the value held in the LRU.
type entry struct {
	data       []byte
	lastAccess time.Time
	// refs counts the puts which deduplicated onto this entry.
	refs int
}

type shard struct {
	mu       sync.Mutex
	lru      *lru.Cache
	bytes    int64
	maxBytes int64
	c        *Cache
}

// New returns a cache holding at most maxBytes of page data.
func New(maxBytes int64) *Cache {
	n := shardsFor(maxBytes)
	c := &Cache{
		shards:   make([]*shard, n),
		mask:     uint64(n - 1),
		maxBytes: maxBytes,
	}
	for i := range c.shards {
		s := &shard{
			// Entries are bounded by bytes, not count.
			lru:      lru.New(0),
			maxBytes: maxBytes / int64(n),
			c:        c,
		}
		s.lru.OnEvicted = s.onEvicted
		c.shards[i] = s
	}
	return c
}

// shardsFor returns the number of shards for a budget: the largest power
// of two up to maxShards which leaves each shard MinShardBytes.
func shardsFor(maxBytes int64) int {
	n := maxShards
	for n > 1 && maxBytes/int64(n) < MinShardBytes {
		n /= 2
	}
	return n
}

// Shards returns the number of shards the budget is split into.
func (c *Cache) Shards() int { return len(c.shards) }

// MaxBytes returns the budget the cache was created with.
func (c *Cache) MaxBytes() int64 { return c.maxBytes }

func (c *Cache) shard(k Key) *shard {
	return c.shards[xxhash.Sum64(k[:])&c.mask]
}

// Get returns a copy of the cached content for k.
func (c *Cache) Get(k Key) ([]byte, bool) {
	if c == nil || c.maxBytes <= 0 {
		return nil, false
	}
	s := c.shard(k)
	s.mu.Lock()
	v, ok := s.lru.Get(k)
	var data []byte
	if ok {
		e := v.(*entry)
		e.lastAccess = time.Now()
		data = append([]byte(nil), e.data...)
	}
	s.mu.Unlock()

	if ok {
		atomic.AddUint64(&c.hits, 1)
	} else {
		atomic.AddUint64(&c.misses, 1)
	}
	return data, ok
}

// Put stores a copy of data under k, evicting least recently used entries
// until the shard is back within budget. Data larger than a shard's budget
// is not cached.
func (c *Cache) Put(k Key, data []byte) {
	if c == nil || c.maxBytes <= 0 {
		return
	}
	s := c.shard(k)
	size := int64(len(data))
	if size > s.maxBytes {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.lru.Get(k); ok {
		e := v.(*entry)
		e.refs++
		e.lastAccess = time.Now()
		return
	}
	s.lru.Add(k, &entry{
		data:       append([]byte(nil), data...),
		lastAccess: time.Now(),
		refs:       1,
	})
	s.bytes += size
	for s.bytes > s.maxBytes && s.lru.Len() > 0 {
		s.lru.RemoveOldest()
		atomic.AddUint64(&c.evictions, 1)
	}
}

// Remove drops k from the cache, if present.
func (c *Cache) Remove(k Key) {
	if c == nil || c.maxBytes <= 0 {
		return
	}
	s := c.shard(k)
	s.mu.Lock()
	s.lru.Remove(k)
	s.mu.Unlock()
}

// onEvicted is called by the LRU with the shard lock held.
func (s *shard) onEvicted(_ lru.Key, v interface{}) {
	s.bytes -= int64(len(v.(*entry).data))
}

// Refs returns how many puts were deduplicated onto k's entry, or zero if
// k is not cached.
func (c *Cache) Refs(k Key) int {
	if c == nil || c.maxBytes <= 0 {
		return 0
	}
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(k)
	if !ok {
		return 0
	}
	return v.(*entry).refs
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Evictions: atomic.LoadUint64(&c.evictions),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Entries += s.lru.Len()
		st.Bytes += s.bytes
		s.mu.Unlock()
	}
	return st
}
