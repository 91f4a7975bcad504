package sstable

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockCache_BasicPutGet(t *testing.T) {
	cache := NewBlockCache(1024)
	defer cache.Close()

	key := CacheKey{FileNum: 1, Offset: 0}
	value := []byte("test_value")

	cache.Put(key, value)
	retrieved, found := cache.Get(key)
	require.True(t, found)
	require.True(t, bytes.Equal(retrieved, value))

	_, found = cache.Get(CacheKey{FileNum: 2, Offset: 0})
	require.False(t, found)

	hits, misses := cache.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(1), misses)
}

func TestBlockCache_ItemLargerThanShardCapacity(t *testing.T) {
	cache := NewBlockCache(100)
	defer cache.Close()

	key := CacheKey{FileNum: 1}
	cache.Put(key, make([]byte, 101))

	_, found := cache.Get(key)
	require.False(t, found)
}

func TestBlockCache_LRUEviction(t *testing.T) {
	cacheSize := int64(8 * 1024 * 1024)
	itemSize := 1024
	cache := NewBlockCache(cacheSize)
	defer cache.Close()

	for i := range 10000 {
		cache.Put(CacheKey{FileNum: 1, Offset: uint64(i)}, make([]byte, itemSize))
	}
	require.LessOrEqual(t, cache.Size(), cacheSize)

	// The most recent insert always survives.
	_, found := cache.Get(CacheKey{FileNum: 1, Offset: 9999})
	require.True(t, found)
}

func TestBlockCache_EvictFile(t *testing.T) {
	cache := NewBlockCache(1 << 20)
	defer cache.Close()

	for off := range uint64(10) {
		cache.Put(CacheKey{FileNum: 7, Offset: off}, []byte("seven"))
		cache.Put(CacheKey{FileNum: 8, Offset: off}, []byte("eight"))
	}
	cache.EvictFile(7)

	for off := range uint64(10) {
		_, found := cache.Get(CacheKey{FileNum: 7, Offset: off})
		require.False(t, found)
		_, found = cache.Get(CacheKey{FileNum: 8, Offset: off})
		require.True(t, found)
	}
}

func TestBlockCache_Disabled(t *testing.T) {
	cache := NewBlockCache(0)
	cache.Put(CacheKey{FileNum: 1}, []byte("x"))
	_, found := cache.Get(CacheKey{FileNum: 1})
	require.False(t, found)

	var nilCache *BlockCache
	nilCache.Put(CacheKey{}, []byte("x"))
	_, found = nilCache.Get(CacheKey{})
	require.False(t, found)
}

func TestBlockCache_Concurrent(t *testing.T) {
	cache := NewBlockCache(64 * 1024)
	defer cache.Close()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				key := CacheKey{FileNum: uint64(g), Offset: uint64(i % 50)}
				cache.Put(key, []byte(fmt.Sprintf("v-%d-%d", g, i)))
				cache.Get(key)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, cache.Size(), int64(64*1024))
}
