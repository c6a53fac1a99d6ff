package replidb

import (
	"fmt"
	"sync"

	"github.com/twlk9/replidb/keys"
)

// Iterator provides an interface for iterating over key-value pairs in forward order.
type Iterator interface {
	// Valid returns true if the iterator is positioned at a valid element.
	Valid() bool

	// SeekToFirst positions the iterator at the first element.
	SeekToFirst()

	// Seek positions the iterator at the first element >= target.
	Seek(target keys.EncodedKey)

	// Next moves the iterator to the next element.
	Next()

	// Key returns the current key.
	Key() keys.EncodedKey

	// Value returns the current value.
	Value() []byte

	// Error returns any accumulated error.
	Error() error

	// Close releases any resources held by the iterator.
	Close() error
}

// DBIterator provides iteration over the entire database image. It
// pins the version it was created against so a concurrent reload can't
// change the file set underneath it; Close releases the pin exactly
// once.
type DBIterator struct {
	mergeIter Iterator
	valid     bool
	err       error
	bounds    *keys.Range
	version   *Version
	cleanup   sync.Once
}

// NewIterator creates a new database iterator over the full key range.
func (db *DB) NewIterator(opts *ReadOptions) *DBIterator {
	b := &keys.Range{Start: nil, Limit: nil}
	return db.NewIteratorWithBounds(b, opts)
}

// NewIteratorWithBounds creates a new database iterator with bounds.
func (db *DB) NewIteratorWithBounds(bounds *keys.Range, opts *ReadOptions) *DBIterator {
	if bounds == nil {
		bounds = &keys.Range{Start: nil, Limit: nil}
	}
	if opts == nil {
		opts = DefaultReadOptions()
	}

	db.mu.RLock()
	if db.closed || !db.loaded {
		db.mu.RUnlock()
		return &DBIterator{valid: false, err: ErrDBClosed}
	}
	version := db.versions.Current()
	seq := db.versions.LastSequence()
	db.mu.RUnlock()

	if opts.Snapshot != nil {
		seq = opts.Snapshot.Sequence()
	}

	// Count overlapping tables so the merge heap is sized exactly.
	expectedIterators := 0
	for level := 0; level < version.NumLevels(); level++ {
		for _, file := range version.GetFiles(level) {
			if fileOverlapsBounds(file, bounds) {
				expectedIterators++
			}
		}
	}

	mergeIter := NewMergeIterator(bounds, false, seq, expectedIterators)

	for level := 0; level < version.NumLevels(); level++ {
		for _, file := range version.GetFiles(level) {
			if !fileOverlapsBounds(file, bounds) {
				continue
			}

			cachedReader, err := db.fileCache.Get(file.FileNum)
			if err != nil {
				// A missing table would make the merge silently
				// incomplete, so the whole iterator is poisoned.
				mergeIter.Close()
				version.Unref()
				return &DBIterator{err: fmt.Errorf("table %06d: %w", file.FileNum, err)}
			}
			reader := cachedReader.Reader()
			if reader == nil {
				mergeIter.Close()
				version.Unref()
				return &DBIterator{err: fmt.Errorf("table %06d: %w", file.FileNum, ErrIOError)}
			}
			mergeIter.AddIterator(reader.NewIteratorWithBounds(bounds, opts.VerifyChecksums))
		}
	}

	db.metrics.iteratorOpened()

	return &DBIterator{
		mergeIter: mergeIter,
		valid:     false,
		bounds:    bounds,
		version:   version,
	}
}

func fileOverlapsBounds(file *FileMetadata, bounds *keys.Range) bool {
	if bounds == nil {
		return true
	}
	if bounds.Start != nil && file.LargestKey.Compare(bounds.Start) < 0 {
		return false
	}
	if bounds.Limit != nil && file.SmallestKey.Compare(bounds.Limit) >= 0 {
		return false
	}
	return true
}

// Valid returns true if the iterator is positioned at a valid element.
func (it *DBIterator) Valid() bool {
	return it.valid && it.err == nil && it.mergeIter.Valid()
}

// SeekToFirst positions the iterator at the first element.
func (it *DBIterator) SeekToFirst() {
	if it.mergeIter == nil {
		return
	}
	it.err = nil

	if it.bounds != nil && it.bounds.Start != nil {
		it.mergeIter.Seek(it.bounds.Start)
	} else {
		it.mergeIter.SeekToFirst()
	}
	it.valid = it.mergeIter.Valid()
}

// Seek positions the iterator at the first element >= target.
func (it *DBIterator) Seek(target []byte) {
	if it.mergeIter == nil {
		return
	}
	encTarget := keys.NewQueryKey(target)
	it.err = nil
	it.mergeIter.Seek(encTarget)
	it.valid = it.mergeIter.Valid()
}

// Next moves the iterator to the next element.
func (it *DBIterator) Next() {
	if !it.valid {
		return
	}
	it.mergeIter.Next()
	it.valid = it.mergeIter.Valid()
}

// Key returns the current key (user key only).
func (it *DBIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	key := it.mergeIter.Key()
	if key != nil {
		return key.UserKey()
	}
	return nil
}

// Value returns the current value.
func (it *DBIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.mergeIter.Value()
}

// Error returns any accumulated error.
func (it *DBIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.mergeIter == nil {
		return nil
	}
	return it.mergeIter.Error()
}

// Close releases the version pin and all underlying iterators. Safe to
// call more than once.
func (it *DBIterator) Close() error {
	var err error
	it.cleanup.Do(func() {
		if it.mergeIter != nil {
			err = it.mergeIter.Close()
		}
		if it.version != nil {
			it.version.Unref()
			it.version = nil
		}
	})
	it.valid = false
	return err
}
