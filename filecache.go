package replidb

import (
	"container/list"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/twlk9/replidb/sstable"
)

// FileCache is a sharded LRU of open table readers, so hot tables don't
// pay a footer parse and file open on every read.
type FileCache struct {
	shards          []*fileCacheShard
	mu              sync.RWMutex
	closed          bool
	dir             string
	blockCache      *sstable.BlockCache
	verifyChecksums bool
	logger          *slog.Logger
}

type fileCacheShard struct {
	mu       sync.Mutex
	capacity int
	cache    map[uint64]*fileCacheEntry
	lru      *list.List
}

type fileCacheEntry struct {
	fileNum uint64
	reader  *sstable.Reader
	element *list.Element
}

// NewFileCache creates a table cache over dir with the given capacity.
// Shard count follows 4 per CPU core, like Pebble.
func NewFileCache(capacity int, dir string, blockCache *sstable.BlockCache, verifyChecksums bool, logger *slog.Logger) *FileCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	if capacity <= 0 {
		capacity = MinFileCacheSize
	}

	numShards := max(4, 4*runtime.GOMAXPROCS(0))
	numShards = min(numShards, capacity)
	shardCapacity := max(1, capacity/numShards)

	fc := &FileCache{
		shards:          make([]*fileCacheShard, numShards),
		dir:             dir,
		blockCache:      blockCache,
		verifyChecksums: verifyChecksums,
		logger:          logger,
	}
	for i := range fc.shards {
		fc.shards[i] = &fileCacheShard{
			capacity: shardCapacity,
			cache:    make(map[uint64]*fileCacheEntry),
			lru:      list.New(),
		}
	}
	return fc
}

func (fc *FileCache) getShard(fileNum uint64) *fileCacheShard {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	if fc.closed {
		return nil
	}

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], fileNum)
	return fc.shards[xxhash.Sum64(b[:])%uint64(len(fc.shards))]
}

// Get returns a cached reader for the table, opening it on a miss.
func (fc *FileCache) Get(fileNum uint64) (*CachedReader, error) {
	shard := fc.getShard(fileNum)
	if shard == nil {
		return nil, ErrClosed
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, exists := shard.cache[fileNum]; exists {
		shard.lru.MoveToFront(entry.element)
		return &CachedReader{entry: entry}, nil
	}

	path := filepath.Join(fc.dir, TableFileName(fileNum))
	reader, err := sstable.NewReader(sstable.ReaderOpts{
		Path:            path,
		FileNum:         fileNum,
		Cache:           fc.blockCache,
		VerifyChecksums: fc.verifyChecksums,
		Logger:          fc.logger,
	})
	if err != nil {
		fc.logger.Error("failed to open table file", "error", err,
			"file_num", fileNum,
			"path", path)
		return nil, err
	}

	if shard.lru.Len() >= shard.capacity {
		shard.evictLRU()
	}

	entry := &fileCacheEntry{
		fileNum: fileNum,
		reader:  reader,
	}
	entry.element = shard.lru.PushFront(entry)
	shard.cache[fileNum] = entry

	return &CachedReader{entry: entry}, nil
}

// Evict drops a table from the cache. Readers already handed out keep
// working; only the cache's reference goes away.
func (fc *FileCache) Evict(fileNum uint64) {
	shard := fc.getShard(fileNum)
	if shard == nil {
		return
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, exists := shard.cache[fileNum]; exists {
		shard.removeFromCache(entry)
	}
}

// Close closes the cache and every reader it still holds.
func (fc *FileCache) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true

	for _, shard := range fc.shards {
		shard.mu.Lock()
		for _, entry := range shard.cache {
			if entry.reader != nil {
				entry.reader.Close()
			}
		}
		shard.cache = nil
		shard.lru = nil
		shard.mu.Unlock()
	}
	return nil
}

// Must be called with shard.mu held.
func (s *fileCacheShard) evictLRU() {
	if s.lru.Len() == 0 {
		return
	}
	elem := s.lru.Back()
	if elem != nil {
		entry := elem.Value.(*fileCacheEntry)
		s.removeFromCache(entry)
	}
}

// removeFromCache drops the entry from the map and LRU. The reader is
// NOT closed or cleared here: CachedReaders and iterators handed out
// earlier keep using it, and the descriptor goes away with the last
// reference. Clearing the cache slot is enough to make room.
// Must be called with shard.mu held.
func (s *fileCacheShard) removeFromCache(entry *fileCacheEntry) {
	if entry.element != nil {
		delete(s.cache, entry.fileNum)
		s.lru.Remove(entry.element)
		entry.element = nil
	}
}

// CachedReader wraps a table reader handed out by the file cache.
type CachedReader struct {
	entry *fileCacheEntry
}

// Reader returns the underlying table reader.
func (cr *CachedReader) Reader() *sstable.Reader {
	if cr.entry == nil {
		return nil
	}
	return cr.entry.reader
}
