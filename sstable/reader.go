package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/twlk9/replidb/bufferpool"
	"github.com/twlk9/replidb/compression"
	"github.com/twlk9/replidb/keys"
)

// copyInto copies src into dst, growing dst if needed.
func copyInto(dst []byte, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}

var entryBuffersPool = sync.Pool{
	New: func() any {
		return NewEntryBuffers(512, 512)
	},
}

// ReaderAtCloser is what a Reader needs from its underlying file.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// ReaderOpts configures a table reader.
type ReaderOpts struct {
	Path            string
	FileNum         uint64
	Cache           *BlockCache
	VerifyChecksums bool
	Logger          *slog.Logger
}

// Reader serves point lookups and iteration over a single immutable
// table file. The footer and index block are parsed once at open.
type Reader struct {
	file            ReaderAtCloser
	size            int64
	fileNum         uint64
	indexBlock      *Block
	indexHandle     BlockHandle
	cache           *BlockCache
	verifyChecksums bool
	logger          *slog.Logger
	path            string

	smallestKey keys.EncodedKey
	largestKey  keys.EncodedKey

	// Scratch buffers for open-time key extraction.
	buffers *EntryBuffers
}

// NewReader opens the table file at opts.Path and parses its footer and
// index block.
func NewReader(opts ReaderOpts) (*Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	file, err := os.OpenFile(opts.Path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	reader := &Reader{
		file:            file,
		size:            stat.Size(),
		fileNum:         opts.FileNum,
		cache:           opts.Cache,
		verifyChecksums: opts.VerifyChecksums,
		logger:          logger,
		path:            opts.Path,
		buffers:         NewEntryBuffers(512, 512),
	}

	if err := reader.readFooter(); err != nil {
		file.Close()
		return nil, err
	}

	return reader, nil
}

// Path returns the file path backing this reader.
func (r *Reader) Path() string {
	return r.path
}

// FileNum returns the table's file number.
func (r *Reader) FileNum() uint64 {
	return r.fileNum
}

func (r *Reader) readFooter() error {
	if r.size < FooterSize {
		return fmt.Errorf("%s: file too small to be a valid table: %w", r.path, keys.ErrCorruption)
	}

	footer := bufferpool.GetBuffer(FooterSize)
	defer bufferpool.PutBuffer(footer)
	if _, err := r.file.ReadAt(footer, r.size-FooterSize); err != nil {
		r.logger.Error("failed to read table footer", "error", err, "table", r.path)
		return err
	}

	magic := footer[FooterSize-MagicSize:]
	if string(magic) != string(TableMagic) {
		return fmt.Errorf("%s: bad table magic: %w", r.path, keys.ErrCorruption)
	}

	versionOffset := FooterSize - MagicSize - VersionSize
	version := binary.LittleEndian.Uint32(footer[versionOffset : versionOffset+VersionSize])
	if version != TableVersion {
		return fmt.Errorf("%s: unsupported table version %d: %w", r.path, version, keys.ErrCorruption)
	}

	// Skip the checksum type byte, then the unused meta index handle.
	footerOffset := 1
	_, n := decodeBlockHandle(footer[footerOffset:])
	if n == 0 {
		return fmt.Errorf("%s: invalid meta index handle: %w", r.path, keys.ErrCorruption)
	}
	footerOffset += n

	indexHandle, n := decodeBlockHandle(footer[footerOffset:])
	if n == 0 {
		return fmt.Errorf("%s: invalid index handle: %w", r.path, keys.ErrCorruption)
	}
	r.indexHandle = indexHandle

	var err error
	r.indexBlock, err = r.readBlock(indexHandle, false, r.verifyChecksums)
	if err != nil {
		return fmt.Errorf("failed to read index block: %w", err)
	}

	// Pull the table's key range from the first and last data blocks.
	if r.indexBlock.numEntries > 0 {
		if err := r.indexBlock.getEntry(0, r.buffers); err != nil {
			return err
		}
		if firstHandle, n := decodeBlockHandle(r.buffers.value); n > 0 {
			firstBlock, err := r.readBlock(firstHandle, true, r.verifyChecksums)
			if err == nil && firstBlock.numEntries > 0 {
				if err := firstBlock.getEntry(0, r.buffers); err == nil {
					r.smallestKey = copyInto(r.smallestKey, r.buffers.key)
				}
			}
		}

		if err := r.indexBlock.getEntry(int(r.indexBlock.numEntries-1), r.buffers); err != nil {
			return err
		}
		if lastHandle, n := decodeBlockHandle(r.buffers.value); n > 0 {
			lastBlock, err := r.readBlock(lastHandle, true, r.verifyChecksums)
			if err == nil && lastBlock.numEntries > 0 {
				if err := lastBlock.getEntry(int(lastBlock.numEntries-1), r.buffers); err == nil {
					r.largestKey = copyInto(r.largestKey, r.buffers.key)
				}
			}
		}
	}

	return nil
}

// readBlock reads, verifies and decompresses the block at handle.
// Cacheable blocks go through the block cache keyed by file number and
// offset.
func (r *Reader) readBlock(handle BlockHandle, cacheable bool, verify bool) (*Block, error) {
	if cacheable && r.cache != nil {
		key := GenerateCacheKey(r.fileNum, handle.Offset)
		if data, ok := r.cache.Get(key); ok {
			return parseBlock(data)
		}
	}

	raw := bufferpool.GetBuffer(int(handle.Size))
	defer bufferpool.PutBuffer(raw)

	if _, err := r.file.ReadAt(raw, int64(handle.Offset)); err != nil {
		r.logger.Error("failed to read block", "error", err, "table", r.path, "offset", handle.Offset, "size", handle.Size)
		return nil, err
	}

	if len(raw) < BlockTrailerSize {
		return nil, fmt.Errorf("%s: block too small for trailer: %w", r.path, keys.ErrCorruption)
	}

	compressionType := raw[len(raw)-BlockTrailerSize]
	blockData := raw[:len(raw)-BlockTrailerSize]

	if verify {
		stored := binary.LittleEndian.Uint32(raw[len(raw)-ChecksumSize:])
		if computed := blockChecksum(blockData, compressionType); computed != stored {
			return nil, fmt.Errorf("%s: block checksum mismatch at offset %d (stored %#x computed %#x): %w",
				r.path, handle.Offset, stored, computed, keys.ErrCorruption)
		}
	}

	decompressed, err := compression.DecompressBlock(nil, blockData, compressionType)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to decompress block: %w", r.path, err)
	}

	if cacheable && r.cache != nil {
		r.cache.Put(GenerateCacheKey(r.fileNum, handle.Offset), decompressed)
	}

	return parseBlock(decompressed)
}

// Get looks up an internal key and returns the raw entry value and key.
// Higher layers interpret tombstones and sequence visibility. A miss is
// (nil, nil, nil); block read failures, including checksum mismatches,
// come back as errors so callers never mistake corruption for absence.
// verify forces checksum verification for this lookup even when the
// reader-wide setting is off.
func (r *Reader) Get(k keys.EncodedKey, verify bool) ([]byte, keys.EncodedKey, error) {
	blockHandle, found, err := r.findDataBlock(k)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}

	dataBlock, err := r.readBlock(blockHandle, true, verify || r.verifyChecksums)
	if err != nil {
		return nil, nil, err
	}

	left := 0
	right := int(dataBlock.numEntries) - 1

	localBuffers := entryBuffersPool.Get().(*EntryBuffers)
	defer entryBuffersPool.Put(localBuffers)

	for left <= right {
		mid := (left + right) / 2
		if err := dataBlock.getEntry(mid, localBuffers); err != nil {
			return nil, nil, err
		}

		cmp := localBuffers.key.Compare(k)
		if cmp == 0 {
			value, key := copyEntryOut(localBuffers)
			return value, key, nil
		} else if cmp < 0 {
			left = mid + 1
		} else {
			right = mid - 1
		}
	}

	// Lookup keys carry a sentinel sequence so an exact match is rare.
	// The first entry >= the lookup key wins if its user key matches.
	if left < int(dataBlock.numEntries) {
		if err := dataBlock.getEntry(left, localBuffers); err != nil {
			return nil, nil, err
		}
		if localBuffers.key.UserKey().Compare(k.UserKey()) == 0 {
			value, key := copyEntryOut(localBuffers)
			return value, key, nil
		}
	}
	return nil, nil, nil
}

// copyEntryOut detaches a hit from the pooled decode buffers so the
// returned slices stay valid after the buffers are reused.
func copyEntryOut(buffers *EntryBuffers) ([]byte, keys.EncodedKey) {
	value := make([]byte, len(buffers.value))
	copy(value, buffers.value)
	key := make(keys.EncodedKey, len(buffers.key))
	copy(key, buffers.key)
	return value, key
}

// findDataBlock locates the data block that may contain the key.
// Index separators are the smallest key not in their block, so the
// first separator greater than the key names the block.
func (r *Reader) findDataBlock(k keys.EncodedKey) (BlockHandle, bool, error) {
	if r.indexBlock.numEntries == 0 {
		return BlockHandle{}, false, nil
	}

	left := 0
	right := int(r.indexBlock.numEntries) - 1
	result := -1

	localBuffers := entryBuffersPool.Get().(*EntryBuffers)
	defer entryBuffersPool.Put(localBuffers)

	for left <= right {
		mid := left + (right-left)/2
		if err := r.indexBlock.getEntry(mid, localBuffers); err != nil {
			return BlockHandle{}, false, err
		}

		if localBuffers.key.Compare(k) > 0 {
			result = mid
			right = mid - 1
		} else {
			left = mid + 1
		}
	}

	entry := result
	if entry < 0 {
		entry = int(r.indexBlock.numEntries) - 1
	}
	if err := r.indexBlock.getEntry(entry, localBuffers); err != nil {
		return BlockHandle{}, false, err
	}
	handle, n := decodeBlockHandle(localBuffers.value)
	if n == 0 {
		return BlockHandle{}, false, fmt.Errorf("%s: invalid block handle in index: %w", r.path, keys.ErrCorruption)
	}
	return handle, true, nil
}

// ApproximateOffsetOf estimates the byte offset within the table at
// which the key would reside. Keys past the last block map to the start
// of the index block, i.e. the size of the data area.
func (r *Reader) ApproximateOffsetOf(k keys.EncodedKey) uint64 {
	if r.indexBlock == nil || r.indexBlock.numEntries == 0 {
		return 0
	}

	left := 0
	right := int(r.indexBlock.numEntries) - 1
	result := -1

	localBuffers := entryBuffersPool.Get().(*EntryBuffers)
	defer entryBuffersPool.Put(localBuffers)

	for left <= right {
		mid := left + (right-left)/2
		if err := r.indexBlock.getEntry(mid, localBuffers); err != nil {
			return 0
		}
		if localBuffers.key.Compare(k) > 0 {
			result = mid
			right = mid - 1
		} else {
			left = mid + 1
		}
	}

	if result < 0 {
		return r.indexHandle.Offset
	}
	if err := r.indexBlock.getEntry(result, localBuffers); err != nil {
		return 0
	}
	handle, n := decodeBlockHandle(localBuffers.value)
	if n == 0 {
		return 0
	}
	return handle.Offset
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// SmallestKey returns the smallest key in the table.
func (r *Reader) SmallestKey() keys.EncodedKey {
	return r.smallestKey
}

// LargestKey returns the largest key in the table.
func (r *Reader) LargestKey() keys.EncodedKey {
	return r.largestKey
}

// Iterator walks a table in key order. It keeps one data block open at
// a time, driven by an iterator over the index block.
type Iterator struct {
	reader    *Reader
	blockIter *BlockIterator
	indexIter *BlockIterator
	bounds    *keys.Range
	err       error
	buffers   *EntryBuffers
	verify    bool
}

// NewIterator creates an iterator over the whole table.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{
		reader:    r,
		indexIter: r.indexBlock.NewIterator(),
		buffers:   NewEntryBuffers(512, 512),
		verify:    r.verifyChecksums,
	}
}

// NewIteratorWithBounds creates an iterator restricted to bounds.
// verify forces checksum verification of every block the iterator
// touches even when the reader-wide setting is off.
func (r *Reader) NewIteratorWithBounds(bounds *keys.Range, verify bool) *Iterator {
	return &Iterator{
		reader:    r,
		indexIter: r.indexBlock.NewIterator(),
		buffers:   NewEntryBuffers(512, 512),
		bounds:    bounds,
		verify:    verify || r.verifyChecksums,
	}
}

// SeekToFirst positions the iterator at the first entry, honoring any
// lower bound.
func (it *Iterator) SeekToFirst() {
	it.err = nil

	if it.bounds != nil && it.bounds.Start != nil {
		it.Seek(it.bounds.Start)
		return
	}

	it.indexIter.SeekToFirst()
	if it.indexIter.Valid() {
		it.loadCurrentBlock()
		if it.blockIter != nil {
			it.blockIter.SeekToFirst()
		}
	}
}

// SeekToLast positions the iterator at the last entry.
func (it *Iterator) SeekToLast() {
	it.err = nil
	it.indexIter.SeekToLast()
	if it.indexIter.Valid() {
		it.loadCurrentBlock()
		if it.blockIter != nil {
			it.blockIter.SeekToLast()
		}
	}
}

// Seek positions the iterator at the first entry >= target.
func (it *Iterator) Seek(target keys.EncodedKey) {
	it.err = nil

	if it.reader.indexBlock.numEntries == 0 {
		it.blockIter = nil
		return
	}

	numEntries := int(it.reader.indexBlock.numEntries)
	left, right := 0, numEntries-1
	foundBlockIndex := numEntries - 1

	for left <= right {
		mid := left + (right-left)/2
		if err := it.reader.indexBlock.getEntry(mid, it.buffers); err != nil {
			it.err = err
			return
		}

		if it.buffers.key.Compare(target) > 0 {
			foundBlockIndex = mid
			right = mid - 1
		} else {
			left = mid + 1
		}
	}

	it.indexIter.err = nil
	it.indexIter.index = foundBlockIndex
	it.indexIter.loadCurrentEntry()

	if it.indexIter.Valid() {
		it.loadCurrentBlock()
		if it.blockIter != nil {
			it.blockIter.Seek(target)
			// Target may fall in the gap between this block's last key
			// and the next block's first key.
			if !it.blockIter.Valid() {
				it.indexIter.Next()
				if it.indexIter.Valid() {
					it.loadCurrentBlock()
					if it.blockIter != nil {
						it.blockIter.SeekToFirst()
					}
				}
			}
		}
	}
}

// Valid reports whether the iterator points at an in-bounds entry.
func (it *Iterator) Valid() bool {
	if it.err != nil || it.blockIter == nil || !it.blockIter.Valid() {
		return false
	}

	if it.bounds != nil {
		key := it.blockIter.Key()
		if it.bounds.Start != nil && key.Compare(it.bounds.Start) < 0 {
			return false
		}
		if it.bounds.Limit != nil && key.Compare(it.bounds.Limit) >= 0 {
			return false
		}
	}
	return true
}

// Next advances to the next entry, crossing block boundaries as needed.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}

	it.blockIter.Next()

	if !it.blockIter.Valid() {
		it.indexIter.Next()
		if it.indexIter.Valid() {
			it.loadCurrentBlock()
			if it.blockIter != nil {
				it.blockIter.SeekToFirst()
			}
		}
	}
}

// Key returns the current key.
func (it *Iterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.blockIter.Key()
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.blockIter.Value()
}

// Error returns any accumulated error.
func (it *Iterator) Error() error {
	return it.err
}

// Close releases iterator resources.
func (it *Iterator) Close() error {
	it.blockIter = nil
	return nil
}

func (it *Iterator) loadCurrentBlock() {
	if !it.indexIter.Valid() {
		it.blockIter = nil
		return
	}

	handle, n := decodeBlockHandle(it.indexIter.Value())
	if n == 0 {
		it.err = fmt.Errorf("%s: invalid block handle in index: %w", it.reader.path, keys.ErrCorruption)
		return
	}

	block, err := it.reader.readBlock(handle, true, it.verify)
	if err != nil {
		it.err = err
		return
	}

	it.blockIter = block.NewIterator()
}
