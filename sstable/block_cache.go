package sstable

import (
	"container/list"
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BlockCache is a sharded LRU over decompressed block bytes, keyed by
// (file number, block offset). It keeps hot blocks off the disk path.
type BlockCache struct {
	shards []*blockCacheShard
	mu     sync.RWMutex
	closed bool
}

type blockCacheShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	cache    map[uint64]*cacheEntry
	lru      *list.List
}

type cacheEntry struct {
	key     uint64
	value   []byte
	element *list.Element
}

// NewBlockCache creates a block cache with the given capacity in bytes,
// split across shards to reduce lock contention. A non-positive
// capacity disables the cache.
func NewBlockCache(capacity int64) *BlockCache {
	if capacity <= 0 {
		return &BlockCache{}
	}

	numShards := max(4, 4*runtime.GOMAXPROCS(0))
	shardCapacity := max(1, capacity/int64(numShards))

	bc := &BlockCache{
		shards: make([]*blockCacheShard, numShards),
	}
	for i := range bc.shards {
		bc.shards[i] = &blockCacheShard{
			capacity: shardCapacity,
			cache:    make(map[uint64]*cacheEntry),
			lru:      list.New(),
		}
	}
	return bc
}

func (bc *BlockCache) getShard(key uint64) *blockCacheShard {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.closed || len(bc.shards) == 0 {
		return nil
	}
	return bc.shards[key%uint64(len(bc.shards))]
}

// Get returns the cached block bytes for key, if present.
func (bc *BlockCache) Get(key uint64) ([]byte, bool) {
	shard := bc.getShard(key)
	if shard == nil {
		return nil, false
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, exists := shard.cache[key]; exists {
		shard.lru.MoveToFront(entry.element)
		return entry.value, true
	}
	return nil, false
}

// Put adds block bytes to the cache, evicting LRU entries to make room.
func (bc *BlockCache) Put(key uint64, value []byte) {
	shard := bc.getShard(key)
	if shard == nil {
		return
	}

	itemSize := int64(len(value))

	shard.mu.Lock()
	defer shard.mu.Unlock()

	// An item bigger than the whole shard would just thrash it.
	if itemSize > shard.capacity {
		return
	}

	if entry, exists := shard.cache[key]; exists {
		shard.size += itemSize - int64(len(entry.value))
		entry.value = value
		shard.lru.MoveToFront(entry.element)
	} else {
		for shard.size+itemSize > shard.capacity && shard.lru.Len() > 0 {
			shard.evictLRU()
		}
		entry := &cacheEntry{key: key, value: value}
		entry.element = shard.lru.PushFront(entry)
		shard.cache[key] = entry
		shard.size += itemSize
	}

	for shard.size > shard.capacity && shard.lru.Len() > 0 {
		shard.evictLRU()
	}
}

// Close drops all cached blocks. Further Get/Put calls are no-ops.
func (bc *BlockCache) Close() {
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

// Must be called with shard.mu held.
func (s *blockCacheShard) evictLRU() {
	if s.lru.Len() == 0 {
		return
	}
	elem := s.lru.Back()
	if elem != nil {
		entry := s.lru.Remove(elem).(*cacheEntry)
		delete(s.cache, entry.key)
		s.size -= int64(len(entry.value))
	}
}

// GenerateCacheKey hashes a file number and block offset into a cache
// key.
func GenerateCacheKey(fileNum uint64, blockOffset uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], fileNum)
	binary.LittleEndian.PutUint64(buf[8:], blockOffset)
	return xxhash.Sum64(buf[:])
}
