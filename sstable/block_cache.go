package sstable

import (
	"container/list"
	"runtime"
	"sync"
	"sync/atomic"
)

// BlockCache is a sharded LRU of decoded (checksummed and inflated)
// data blocks, keyed by table file number and block offset.
type BlockCache struct {
	shards []*blockCacheShard
	mu     sync.RWMutex
	closed bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheKey identifies one block of one table.
type CacheKey struct {
	FileNum uint64
	Offset  uint64
}

func (k CacheKey) shardHash() uint64 {
	// splitmix64 over both halves
	x := k.FileNum*0x9e3779b97f4a7c15 ^ k.Offset
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	return x ^ (x >> 31)
}

type blockCacheShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	cache    map[CacheKey]*list.Element
	lru      *list.List
}

type cacheEntry struct {
	key   CacheKey
	value []byte
}

// NewBlockCache creates a block cache holding roughly capacity bytes.
// A non-positive capacity disables caching.
func NewBlockCache(capacity int64) *BlockCache {
	if capacity <= 0 {
		return &BlockCache{}
	}

	numShards := max(4, 4*runtime.GOMAXPROCS(0))
	shardCapacity := max(1, capacity/int64(numShards))

	bc := &BlockCache{shards: make([]*blockCacheShard, numShards)}
	for i := range bc.shards {
		bc.shards[i] = &blockCacheShard{
			capacity: shardCapacity,
			cache:    make(map[CacheKey]*list.Element),
			lru:      list.New(),
		}
	}
	return bc
}

func (bc *BlockCache) getShard(key CacheKey) *blockCacheShard {
	if bc == nil {
		return nil
	}
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.closed || len(bc.shards) == 0 {
		return nil
	}
	return bc.shards[key.shardHash()%uint64(len(bc.shards))]
}

// Get returns a cached block. The returned slice must not be modified.
func (bc *BlockCache) Get(key CacheKey) ([]byte, bool) {
	shard := bc.getShard(key)
	if shard == nil {
		return nil, false
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if elem, ok := shard.cache[key]; ok {
		shard.lru.MoveToFront(elem)
		bc.hits.Add(1)
		return elem.Value.(*cacheEntry).value, true
	}
	bc.misses.Add(1)
	return nil, false
}

// Put adds a block. Blocks bigger than a shard are not cached.
func (bc *BlockCache) Put(key CacheKey, value []byte) {
	shard := bc.getShard(key)
	if shard == nil {
		return
	}

	itemSize := int64(len(value))

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if itemSize > shard.capacity {
		return
	}

	if elem, ok := shard.cache[key]; ok {
		entry := elem.Value.(*cacheEntry)
		shard.size += itemSize - int64(len(entry.value))
		entry.value = value
		shard.lru.MoveToFront(elem)
	} else {
		for shard.size+itemSize > shard.capacity && shard.lru.Len() > 0 {
			shard.evictLRU()
		}
		shard.cache[key] = shard.lru.PushFront(&cacheEntry{key: key, value: value})
		shard.size += itemSize
	}

	for shard.size > shard.capacity && shard.lru.Len() > 0 {
		shard.evictLRU()
	}
}

// EvictFile drops every block of a table. Called when the table file
// is deleted so a reused offset can never hit stale data.
func (bc *BlockCache) EvictFile(fileNum uint64) {
	if bc == nil {
		return
	}
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.closed {
		return
	}
	for _, shard := range bc.shards {
		shard.mu.Lock()
		for key, elem := range shard.cache {
			if key.FileNum == fileNum {
				shard.lru.Remove(elem)
				delete(shard.cache, key)
				shard.size -= int64(len(elem.Value.(*cacheEntry).value))
			}
		}
		shard.mu.Unlock()
	}
}

// Stats returns hit and miss counters.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	return bc.hits.Load(), bc.misses.Load()
}

// Size returns the bytes currently cached.
func (bc *BlockCache) Size() int64 {
	if bc == nil {
		return 0
	}
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	var total int64
	for _, shard := range bc.shards {
		shard.mu.Lock()
		total += shard.size
		shard.mu.Unlock()
	}
	return total
}

// Close clears the block cache.
func (bc *BlockCache) Close() {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return
	}
	bc.closed = true

	for _, shard := range bc.shards {
		shard.mu.Lock()
		shard.cache = nil
		shard.lru = nil
		shard.size = 0
		shard.mu.Unlock()
	}
	bc.shards = nil
}

// evictLRU removes the least recently used entry. Caller holds s.mu.
func (s *blockCacheShard) evictLRU() {
	elem := s.lru.Back()
	if elem == nil {
		return
	}
	entry := s.lru.Remove(elem).(*cacheEntry)
	delete(s.cache, entry.key)
	s.size -= int64(len(entry.value))
}
