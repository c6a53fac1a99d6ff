package replidb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/twlk9/replidb/keys"
	"github.com/twlk9/replidb/sstable"
)

// DB is a readonly view of a database image that another process
// writes. It replays the writer's manifest to learn the live file set
// and serves reads from the tables those edits name. It never writes to
// the directory, so many readers can attach to one image at once, even
// while the writer is still appending.
type DB struct {
	mu sync.RWMutex

	opts   *Options
	dir    string
	logger *slog.Logger

	versions   *VersionSet
	fileCache  *FileCache
	blockCache *sstable.BlockCache
	tail       *manifestTail
	metrics    *Metrics

	loaded bool
	closed bool
}

// Open attaches to the database image at opts.Path and replays the
// manifest up to its current end. The image must contain at least one
// manifest record; an empty directory is not a database.
func Open(opts *Options) (*DB, error) {
	opts = opts.Clone()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
	}

	blockCache := sstable.NewBlockCache(opts.BlockCacheSize)
	db := &DB{
		opts:       opts,
		dir:        opts.Path,
		logger:     logger,
		versions:   NewVersionSet(opts.MaxLevels, opts.Path, logger),
		blockCache: blockCache,
		fileCache:  NewFileCache(opts.GetFileCacheSize(), opts.Path, blockCache, opts.VerifyChecksums, logger),
		metrics:    opts.Metrics,
	}

	if err := db.Load(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Load locates the manifest and replays it from the start. It is the
// first half of the attach; Reload handles picking up appended edits
// afterwards.
func (db *DB) Load() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDBClosed
	}
	if db.loaded {
		return nil
	}

	path, err := findDescriptor(db.dir)
	if err != nil {
		return err
	}
	tail, err := openManifestTail(path)
	if err != nil {
		return err
	}

	if err := db.advance(tail, false); err != nil {
		tail.Close()
		return err
	}

	db.tail = tail
	db.loaded = true
	db.logger.Info("database image loaded",
		"dir", db.dir,
		"manifest", path,
		"last_seq", db.versions.LastSequence(),
		"offset", tail.Offset())
	return nil
}

// Reload picks up manifest records appended since the last Load or
// Reload. A reader that never loaded successfully gets the full Load
// instead. Versions handed out before the reload stay valid until their
// holders release them.
func (db *DB) Reload() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if !db.loaded {
		db.mu.Unlock()
		return db.Load()
	}

	db.metrics.reload()

	// A fresh handle sees data appended after the old one was opened.
	if err := db.tail.Reattach(); err != nil {
		db.mu.Unlock()
		return err
	}
	err := db.advance(db.tail, true)
	db.mu.Unlock()
	return err
}

// advance replays manifest records until it runs out of complete ones.
// Hitting the end of the manifest is a clean stop when tolerateEOF is
// set; during the initial load an empty manifest is corruption since
// every image starts with at least a comparator record. Any failing
// record stops the replay but leaves every previously applied edit in
// place, so the view lags rather than vanishes.
func (db *DB) advance(tail *manifestTail, tolerateEOF bool) error {
	applied := 0
	for {
		recordType, payload, err := tail.ReadRecord()
		if err == io.EOF {
			if applied == 0 && !tolerateEOF {
				return fmt.Errorf("manifest %s has no records: %w", tail.path, ErrCorruption)
			}
			return nil
		}
		if err != nil {
			return err
		}

		if recordType != ManifestRecordVersionEdit {
			return fmt.Errorf("manifest %s: unknown record type %d at offset %d: %w",
				tail.path, recordType, tail.Offset(), ErrCorruption)
		}

		edit, err := DecodeVersionEdit(payload)
		if err != nil {
			return fmt.Errorf("manifest %s: %w", tail.path, err)
		}
		if err := db.versions.ForeignApply(edit); err != nil {
			return err
		}
		db.metrics.editApplied()
		applied++
	}
}

// Get returns the value for key at the latest sequence the replay has
// seen, or at the read options' snapshot. The returned slice is the
// caller's to keep.
func (db *DB) Get(key []byte, opts *ReadOptions) ([]byte, error) {
	return db.get(key, opts, nil)
}

// GetTo is Get without the allocation: the value is copied into
// scratch, which must be large enough or ErrBufferFull comes back with
// the required size recoverable from the image via a plain Get.
func (db *DB) GetTo(key []byte, scratch []byte) ([]byte, error) {
	if scratch == nil {
		scratch = []byte{}
	}
	return db.get(key, nil, scratch)
}

// get runs the lookup. When scratch is non-nil the value is copied into
// it, otherwise a freshly allocated slice comes back.
func (db *DB) get(key []byte, opts *ReadOptions, scratch []byte) ([]byte, error) {
	if !keys.IsValidUserKey(key) {
		return nil, ErrInvalidKey
	}
	if opts == nil {
		opts = DefaultReadOptions()
	}

	db.mu.RLock()
	if db.closed || !db.loaded {
		db.mu.RUnlock()
		return nil, ErrDBClosed
	}
	version := db.versions.Current()
	seq := db.versions.LastSequence()
	db.mu.RUnlock()
	defer version.Unref()

	if opts.Snapshot != nil {
		seq = opts.Snapshot.Sequence()
	}
	lookup := keys.NewSnapshotKey(key, seq)

	value, found, err := db.searchVersion(version, key, lookup, opts.VerifyChecksums)
	if errors.Is(err, errKeyDeleted) {
		value, found, err = nil, false, nil
	}
	db.metrics.get(found && err == nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}

	if scratch != nil {
		if len(value) > cap(scratch) {
			return nil, fmt.Errorf("value needs %d bytes, scratch holds %d: %w",
				len(value), cap(scratch), ErrBufferFull)
		}
		scratch = scratch[:len(value)]
		copy(scratch, value)
		return scratch, nil
	}
	return value, nil
}

// searchVersion looks for the newest visible entry for key. L0 files
// can overlap and are kept newest first, so the first hit wins. Deeper
// levels are disjoint, and a key found at level N shadows everything
// below it.
func (db *DB) searchVersion(version *Version, userKey []byte, lookup keys.EncodedKey, verify bool) ([]byte, bool, error) {
	for _, file := range version.GetFiles(0) {
		if !file.overlapsUserRange(userKey, nil) || file.SmallestKey.UserKey().Compare(userKey) > 0 {
			continue
		}
		value, found, err := db.searchFile(file, userKey, lookup, verify)
		if err != nil || found {
			return value, found, err
		}
	}

	for level := 1; level < version.NumLevels(); level++ {
		file := findFileForKey(version.GetFiles(level), userKey)
		if file == nil {
			continue
		}
		value, found, err := db.searchFile(file, userKey, lookup, verify)
		if err != nil || found {
			return value, found, err
		}
	}
	return nil, false, nil
}

// searchFile checks one table for the key. A tombstone is a definitive
// answer: the key is gone and no older level may resurrect it. Read
// failures, corruption included, surface instead of letting the lookup
// fall through to an older level.
func (db *DB) searchFile(file *FileMetadata, userKey []byte, lookup keys.EncodedKey, verify bool) ([]byte, bool, error) {
	cr, err := db.fileCache.Get(file.FileNum)
	if err != nil {
		return nil, false, fmt.Errorf("table %06d: %w", file.FileNum, err)
	}
	reader := cr.Reader()
	if reader == nil {
		return nil, false, fmt.Errorf("table %06d: %w", file.FileNum, ErrIOError)
	}

	value, foundKey, err := reader.Get(lookup, verify)
	if err != nil {
		return nil, false, fmt.Errorf("table %06d: %w", file.FileNum, err)
	}
	if foundKey == nil || foundKey.UserKey().Compare(userKey) != 0 {
		return nil, false, nil
	}
	if foundKey.Kind() == keys.KindDelete {
		return nil, false, errKeyDeleted
	}
	return value, true, nil
}

// errKeyDeleted is an internal marker telling searchVersion to stop
// descending. It never escapes Get; it is translated to ErrNotFound.
var errKeyDeleted = errors.New("key deleted")

// findFileForKey binary-searches a sorted, disjoint level for the one
// file whose range may hold the key.
func findFileForKey(files []*FileMetadata, userKey []byte) *FileMetadata {
	lo, hi := 0, len(files)
	for lo < hi {
		mid := (lo + hi) / 2
		if files[mid].LargestKey.UserKey().Compare(userKey) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(files) && files[lo].SmallestKey.UserKey().Compare(userKey) <= 0 {
		return files[lo]
	}
	return nil
}

// GetApproximateSizes estimates the on-disk bytes spanned by each user
// key range. The estimate counts whole tables inside the range and uses
// index blocks for tables straddling an endpoint.
func (db *DB) GetApproximateSizes(ranges []keys.Range) ([]uint64, error) {
	db.mu.RLock()
	if db.closed || !db.loaded {
		db.mu.RUnlock()
		return nil, ErrDBClosed
	}
	version := db.versions.Current()
	db.mu.RUnlock()
	defer version.Unref()

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		var start uint64
		if r.Start != nil {
			start = db.versions.ApproximateOffsetOf(version, r.Start, db.fileCache)
		}
		// A nil limit is unbounded and covers through the last table.
		limit := version.TotalSize()
		if r.Limit != nil {
			limit = db.versions.ApproximateOffsetOf(version, r.Limit, db.fileCache)
		}
		if limit > start {
			sizes[i] = limit - start
		}
	}
	return sizes, nil
}

// GetProperty exists for interface parity with the writable engine. A
// readonly view keeps no counters the writer side exposes, so every
// property reads as absent.
func (db *DB) GetProperty(name string) (string, bool) {
	return "", false
}

// LastSequence returns the highest sequence number the replay has seen.
func (db *DB) LastSequence() uint64 {
	return db.versions.LastSequence()
}

// Stats describes the current file layout for tooling.
type Stats struct {
	LastSequence   uint64
	NextFileNumber uint64
	LogNumber      uint64
	ManifestOffset int64
	LevelFiles     []int
	LevelBytes     []uint64
}

// Stats snapshots the replayed state.
func (db *DB) Stats() (Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed || !db.loaded {
		return Stats{}, ErrDBClosed
	}

	version := db.versions.Current()
	defer version.Unref()

	s := Stats{
		LastSequence:   db.versions.LastSequence(),
		NextFileNumber: db.versions.NextFileNumber(),
		LogNumber:      db.versions.LogNumber(),
		ManifestOffset: db.tail.Offset(),
		LevelFiles:     make([]int, version.NumLevels()),
		LevelBytes:     make([]uint64, version.NumLevels()),
	}
	for level := 0; level < version.NumLevels(); level++ {
		for _, f := range version.GetFiles(level) {
			s.LevelFiles[level]++
			s.LevelBytes[level] += f.Size
		}
	}
	return s, nil
}

// Batch collects write operations. A readonly engine can only reject
// it, but accepting the type keeps call sites portable between the
// reader and the writer.
type Batch struct {
	ops int
}

// Put records a set operation.
func (b *Batch) Put(key, value []byte) { b.ops++ }

// Delete records a delete operation.
func (b *Batch) Delete(key []byte) { b.ops++ }

// Len returns the number of recorded operations.
func (b *Batch) Len() int { return b.ops }

// Put is not supported on a readonly database.
func (db *DB) Put(key, value []byte) error { return ErrNotSupported }

// Delete is not supported on a readonly database.
func (db *DB) Delete(key []byte) error { return ErrNotSupported }

// DeleteRange is not supported on a readonly database.
func (db *DB) DeleteRange(start, end []byte) error { return ErrNotSupported }

// Write is not supported on a readonly database.
func (db *DB) Write(batch *Batch) error { return ErrNotSupported }

// Flush is not supported on a readonly database.
func (db *DB) Flush() error { return ErrNotSupported }

// CompactRange is not supported on a readonly database.
func (db *DB) CompactRange(start, end []byte) error { return ErrNotSupported }

// Dump is not supported on a readonly database.
func (db *DB) Dump(path string) error { return ErrNotSupported }

// Close detaches from the image and releases caches. Idempotent. Open
// iterators keep their pinned versions and table readers until they are
// closed themselves.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	if db.tail != nil {
		if err := db.tail.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.tail = nil
	}
	if db.fileCache != nil {
		if err := db.fileCache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.blockCache != nil {
		db.blockCache.Close()
	}
	db.logger.Info("database closed", "dir", db.dir)
	return firstErr
}

// Logger returns the database's logger for tooling that wants to share
// it.
func (db *DB) Logger() *slog.Logger {
	return db.logger
}
