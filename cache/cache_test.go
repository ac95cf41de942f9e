package cache_test

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/featurebasedb/pagestore/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func key(data []byte) cache.Key {
	return blake3.Sum256(data)
}

func TestCache_GetPut(t *testing.T) {
	c := cache.New(1 << 20)
	data := []byte("page contents")
	k := key(data)

	_, ok := c.Get(k)
	assert.False(t, ok)

	c.Put(k, data)
	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, data, got)

	// The cache keeps its own copy.
	data[0] = 'X'
	got[1] = 'Y'
	again, _ := c.Get(k)
	assert.Equal(t, []byte("page contents"), again)

	st := c.Stats()
	assert.EqualValues(t, 2, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.Equal(t, 1, st.Entries)
	assert.EqualValues(t, len(data), st.Bytes)
}

func TestCache_DedupRefs(t *testing.T) {
	c := cache.New(1 << 20)
	data := bytes.Repeat([]byte{7}, 4096)
	k := key(data)
	c.Put(k, data)
	c.Put(k, data)
	c.Put(k, data)
	assert.Equal(t, 3, c.Refs(k))
	assert.Equal(t, 1, c.Stats().Entries)
	assert.EqualValues(t, 4096, c.Stats().Bytes)
}

func TestCache_Eviction(t *testing.T) {
	// Two shards of 64KB each.
	c := cache.New(2 * cache.MinShardBytes)
	require.Equal(t, 2, c.Shards())
	const n = 200
	keys := make([]cache.Key, n)
	for i := 0; i < n; i++ {
		data := bytes.Repeat([]byte(fmt.Sprint(i%10)), 4096)
		data = append(data[:4090], []byte(fmt.Sprintf("%06d", i))...)
		keys[i] = key(data)
		c.Put(keys[i], data)
	}
	st := c.Stats()
	assert.LessOrEqual(t, st.Bytes, c.MaxBytes())
	assert.Greater(t, st.Evictions, uint64(0))
	assert.Equal(t, uint64(n-st.Entries), st.Evictions)

	// The most recent entry always survives.
	_, ok := c.Get(keys[n-1])
	assert.True(t, ok)
}

func TestCache_TooLarge(t *testing.T) {
	c := cache.New(1600)
	data := make([]byte, 2000)
	c.Put(key(data), data)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCache_SmallBudget(t *testing.T) {
	assert.Equal(t, 16, cache.New(64<<20).Shards())
	assert.Equal(t, 4, cache.New(4*cache.MinShardBytes+1).Shards())

	// A budget of three pages keeps three pages, whatever their hashes.
	c := cache.New(3 * 4096)
	require.Equal(t, 1, c.Shards())
	pages := make([][]byte, 4)
	for i := range pages {
		pages[i] = bytes.Repeat([]byte{byte(i + 1)}, 4096)
	}
	for _, p := range pages[:3] {
		c.Put(key(p), p)
	}
	assert.Equal(t, 3, c.Stats().Entries)

	// Touch the oldest page, so the next put evicts the second one.
	_, ok := c.Get(key(pages[0]))
	require.True(t, ok)
	c.Put(key(pages[3]), pages[3])
	_, ok = c.Get(key(pages[1]))
	assert.False(t, ok, "least recently used page is evicted")
	for _, i := range []int{0, 2, 3} {
		_, ok = c.Get(key(pages[i]))
		assert.True(t, ok, "page %d", i)
	}
}

func TestCache_Disabled(t *testing.T) {
	c := cache.New(0)
	data := []byte("x")
	c.Put(key(data), data)
	_, ok := c.Get(key(data))
	assert.False(t, ok)

	var nilCache *cache.Cache
	nilCache.Put(key(data), data)
	_, ok = nilCache.Get(key(data))
	assert.False(t, ok)
}

func TestCache_Remove(t *testing.T) {
	c := cache.New(1 << 20)
	data := []byte("gone soon")
	c.Put(key(data), data)
	c.Remove(key(data))
	_, ok := c.Get(key(data))
	assert.False(t, ok)
	assert.EqualValues(t, 0, c.Stats().Bytes)
}

func TestCache_Concurrent(t *testing.T) {
	c := cache.New(1 << 16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				data := []byte(fmt.Sprintf("%d-%d", g, i%50))
				k := key(data)
				c.Put(k, data)
				if got, ok := c.Get(k); ok && !bytes.Equal(got, data) {
					t.Errorf("corrupt entry for %s", k)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Stats().Bytes, c.MaxBytes())
}
