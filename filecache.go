package lgkv

import (
	"container/list"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/twlk9/lgkv/sstable"
)

// FileCache provides a sharded LRU cache of open table readers so
// reads don't reopen files. Entries are reference counted: eviction
// drops the cache's reference and the reader closes once the last
// user releases it.
type FileCache struct {
	shards     []*fileCacheShard
	dir        string
	closed     atomic.Bool
	logger     *slog.Logger
	blockCache *sstable.BlockCache
}

// fileCacheShard is a single shard of the file cache with its own LRU list and mutex
type fileCacheShard struct {
	mu       sync.Mutex
	capacity int
	cache    map[uint64]*TableHandle
	lru      *list.List
}

// TableHandle is a shared reader plus its reference count.
type TableHandle struct {
	fileNum uint64
	reader  *sstable.Reader
	refs    atomic.Int32
	element *list.Element
	logger  *slog.Logger
}

// Reader returns the open table.
func (h *TableHandle) Reader() *sstable.Reader {
	return h.reader
}

// Release drops a reference taken by FileCache.Get.
func (h *TableHandle) Release() {
	if h.refs.Add(-1) == 0 {
		if err := h.reader.Close(); err != nil {
			h.logger.Warn("failed to close table", "file", h.fileNum, "error", err)
		}
	}
}

// NewFileCache creates a new file cache with the specified capacity.
// Uses 4 shards per CPU core for reduced contention.
func NewFileCache(dir string, capacity int, blockCache *sstable.BlockCache, logger *slog.Logger) *FileCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	capacity = max(capacity, 1)
	numShards := min(max(4, 4*runtime.GOMAXPROCS(0)), capacity)
	shardCapacity := max(1, capacity/numShards)

	fc := &FileCache{
		shards:     make([]*fileCacheShard, numShards),
		dir:        dir,
		logger:     logger,
		blockCache: blockCache,
	}
	for i := range fc.shards {
		fc.shards[i] = &fileCacheShard{
			capacity: shardCapacity,
			cache:    make(map[uint64]*TableHandle),
			lru:      list.New(),
		}
	}
	return fc
}

// getShard returns the appropriate shard for a given file number
func (fc *FileCache) getShard(fileNum uint64) *fileCacheShard {
	h := fnv.New64a()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], fileNum)
	h.Write(b[:])
	return fc.shards[h.Sum64()%uint64(len(fc.shards))]
}

// Get returns a referenced handle for table fileNum, opening it on a
// miss. The caller must Release it.
func (fc *FileCache) Get(fileNum uint64) (*TableHandle, error) {
	if fc.closed.Load() {
		return nil, ErrDBClosed
	}
	shard := fc.getShard(fileNum)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if h, ok := shard.cache[fileNum]; ok {
		shard.lru.MoveToFront(h.element)
		h.refs.Add(1)
		return h, nil
	}

	path := tableFileName(fc.dir, fileNum)
	reader, err := sstable.Open(path, sstable.ReaderOptions{
		FileNum: fileNum,
		Cache:   fc.blockCache,
		Logger:  fc.logger,
	})
	if err != nil {
		fc.logger.Error("failed to open table", "error", err, "file_num", fileNum, "path", path)
		return nil, err
	}

	for shard.lru.Len() >= shard.capacity {
		shard.evictLRU()
	}
	h := &TableHandle{fileNum: fileNum, reader: reader, logger: fc.logger}
	// one reference for the cache, one for the caller
	h.refs.Store(2)
	h.element = shard.lru.PushFront(h)
	shard.cache[fileNum] = h
	return h, nil
}

// Evict removes a file from the cache. Used once a table is deleted.
func (fc *FileCache) Evict(fileNum uint64) {
	shard := fc.getShard(fileNum)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if h, ok := shard.cache[fileNum]; ok {
		shard.remove(h)
	}
}

// Len returns the number of cached readers.
func (fc *FileCache) Len() int {
	n := 0
	for _, shard := range fc.shards {
		shard.mu.Lock()
		n += len(shard.cache)
		shard.mu.Unlock()
	}
	return n
}

// Close drops every cached reader. Readers still in use close when
// released.
func (fc *FileCache) Close() error {
	if fc.closed.Swap(true) {
		return nil
	}
	for _, shard := range fc.shards {
		shard.mu.Lock()
		for _, h := range shard.cache {
			shard.remove(h)
		}
		shard.mu.Unlock()
	}
	return nil
}

// evictLRU removes the least recently used entry from the shard
// Must be called with shard.mu held
func (s *fileCacheShard) evictLRU() {
	if elem := s.lru.Back(); elem != nil {
		s.remove(elem.Value.(*TableHandle))
	}
}

// remove unlinks h and drops the cache's reference.
// Must be called with shard.mu held
func (s *fileCacheShard) remove(h *TableHandle) {
	delete(s.cache, h.fileNum)
	s.lru.Remove(h.element)
	h.Release()
}
