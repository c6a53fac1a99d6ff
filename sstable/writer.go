package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/twlk9/replidb/compression"
	"github.com/twlk9/replidb/keys"
)

// WriterOpts configures a table writer.
type WriterOpts struct {
	Path                 string
	Compression          compression.Config
	Logger               *slog.Logger
	BlockSize            int
	BlockRestartInterval int
	BlockMinEntries      int
}

// Writer produces table files. The read path never writes tables, but
// tooling and tests use this to build database images.
type Writer struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	logger *slog.Logger

	dataBlock  *BlockBuilder
	indexBlock *BlockBuilder

	offset     uint64
	numEntries uint64

	smallestKey keys.EncodedKey
	largestKey  keys.EncodedKey

	// Last key of the in-progress block, needed to compute the index
	// separator once the next key is known.
	currentBlockLastKey keys.EncodedKey
	pendingIndexEntries []pendingIndexEntry

	compressor compression.Compressor

	closed bool
}

type pendingIndexEntry struct {
	handle  BlockHandle
	lastKey []byte
}

// NewWriter creates a table writer at opts.Path.
func NewWriter(opts WriterOpts) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}

	compressor, err := compression.NewCompressor(opts.Compression)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return &Writer{
		file:                file,
		writer:              bufio.NewWriter(file),
		path:                opts.Path,
		logger:              opts.Logger,
		dataBlock:           NewBlockBuilder(opts.BlockSize, opts.BlockRestartInterval, opts.BlockMinEntries),
		indexBlock:          NewBlockBuilder(opts.BlockSize, opts.BlockRestartInterval, opts.BlockMinEntries),
		pendingIndexEntries: make([]pendingIndexEntry, 0),
		compressor:          compressor,
	}, nil
}

// Add appends an internal key and value. Keys must be added in sorted
// order.
func (w *Writer) Add(key keys.EncodedKey, value []byte) error {
	if w.closed {
		return fmt.Errorf("table writer is closed")
	}
	if len(key) == 0 {
		return fmt.Errorf("cannot add empty key")
	}

	if w.numEntries == 0 {
		w.smallestKey = append(keys.EncodedKey(nil), key...)
	}
	w.largestKey = append(w.largestKey[:0], key...)

	// Index separators for flushed blocks can only be computed once the
	// first key of the following block is known.
	w.processPendingIndexEntries(key)

	w.dataBlock.Add(key, value)
	w.numEntries++

	w.currentBlockLastKey = append(w.currentBlockLastKey[:0], key...)

	if w.dataBlock.IsFull() {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
		w.dataBlock.Reset()
		w.currentBlockLastKey = nil
	}

	return nil
}

// writeBlock compresses data, appends the trailer (compression type +
// CRC32) and writes it at the current offset. Returns the handle.
func (w *Writer) writeBlock(data []byte) (BlockHandle, error) {
	compressed, compressionType, err := compression.CompressBlock(w.compressor, nil, data)
	if err != nil {
		return BlockHandle{}, fmt.Errorf("failed to compress block: %w", err)
	}

	trailer := make([]byte, len(compressed)+BlockTrailerSize)
	copy(trailer, compressed)
	trailer[len(compressed)] = compressionType
	crc := blockChecksum(compressed, compressionType)
	binary.LittleEndian.PutUint32(trailer[len(compressed)+1:], crc)

	n, err := w.writer.Write(trailer)
	if err != nil {
		w.logger.Error("failed to write block", "error", err, "table", w.path, "offset", w.offset)
		return BlockHandle{}, err
	}

	handle := BlockHandle{Offset: w.offset, Size: uint64(n)}
	w.offset += uint64(n)
	return handle, nil
}

func (w *Writer) flushDataBlock() error {
	if w.dataBlock.IsEmpty() {
		return nil
	}

	handle, err := w.writeBlock(w.dataBlock.Finish())
	if err != nil {
		return err
	}

	if w.currentBlockLastKey != nil {
		w.pendingIndexEntries = append(w.pendingIndexEntries, pendingIndexEntry{
			handle:  handle,
			lastKey: append([]byte(nil), w.currentBlockLastKey...),
		})
	}
	return nil
}

func (w *Writer) processPendingIndexEntries(nextKey []byte) {
	for _, entry := range w.pendingIndexEntries {
		separator := computeSeparator(entry.lastKey, nextKey)
		w.indexBlock.Add(separator, encodeBlockHandle(entry.handle))
	}
	w.pendingIndexEntries = w.pendingIndexEntries[:0]
}

// The final block has no following key, so its index entry uses a
// successor of its last key instead of a separator.
func (w *Writer) processFinalPendingIndexEntries() {
	for _, entry := range w.pendingIndexEntries {
		successor := computeSuccessor(entry.lastKey)
		w.indexBlock.Add(successor, encodeBlockHandle(entry.handle))
	}
	w.pendingIndexEntries = w.pendingIndexEntries[:0]
}

// Finish flushes remaining data, writes the index block and footer, and
// syncs the file.
func (w *Writer) Finish() error {
	if w.closed {
		return nil
	}

	if !w.dataBlock.IsEmpty() {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
	}
	w.processFinalPendingIndexEntries()

	indexHandle, err := w.writeBlock(w.indexBlock.Finish())
	if err != nil {
		return fmt.Errorf("failed to write index block: %w", err)
	}

	footer := make([]byte, FooterSize)
	footerOffset := 0

	// Checksum type byte.
	footer[footerOffset] = 0
	footerOffset++

	// Meta index handle, unused but present in the layout.
	metaHandleBytes := encodeBlockHandle(BlockHandle{})
	copy(footer[footerOffset:], metaHandleBytes)
	footerOffset += len(metaHandleBytes)

	indexHandleBytes := encodeBlockHandle(indexHandle)
	copy(footer[footerOffset:], indexHandleBytes)

	versionOffset := FooterSize - MagicSize - VersionSize
	binary.LittleEndian.PutUint32(footer[versionOffset:], TableVersion)
	copy(footer[FooterSize-MagicSize:], TableMagic)

	if _, err := w.writer.Write(footer); err != nil {
		w.logger.Error("failed to write footer", "error", err, "table", w.path)
		return err
	}

	if err := w.writer.Flush(); err != nil {
		w.logger.Error("failed to flush writer", "error", err, "table", w.path)
		return err
	}
	return w.file.Sync()
}

// Close syncs and closes the file, then syncs the containing directory
// so the entry is visible to subsequent opens.
func (w *Writer) Close() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := w.syncDir(); err != nil {
		return err
	}
	w.closed = true
	return nil
}

func (w *Writer) syncDir() error {
	dir := filepath.Dir(w.path)
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	// Some filesystems don't support directory sync.
	if err := f.Sync(); err != nil {
		if err == os.ErrInvalid {
			return nil
		}
		return err
	}
	return nil
}

// EstimatedSize returns the size the table would have if finished now.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimatedSize()) + uint64(w.indexBlock.EstimatedSize()) + FooterSize
}

// NumEntries returns the number of entries added.
func (w *Writer) NumEntries() uint64 {
	return w.numEntries
}

// SmallestKey returns the smallest key added.
func (w *Writer) SmallestKey() keys.EncodedKey {
	return w.smallestKey
}

// LargestKey returns the largest key added.
func (w *Writer) LargestKey() keys.EncodedKey {
	return w.largestKey
}

// computeSeparator returns the shortest internal key that is >= lastKey
// and < nextKey, used as the index entry for a finished block.
func computeSeparator(lastKey, nextKey keys.EncodedKey) keys.EncodedKey {
	lastUserKey := lastKey.UserKey()
	nextUserKey := nextKey.UserKey()

	i := 0
	for i < len(lastUserKey) && i < len(nextUserKey) && lastUserKey[i] == nextUserKey[i] {
		i++
	}

	var sep []byte
	switch {
	case i < len(lastUserKey) && i < len(nextUserKey) && lastUserKey[i] < nextUserKey[i] && lastUserKey[i] < 255:
		sep = make([]byte, i+1)
		copy(sep, lastUserKey[:i])
		sep[i] = lastUserKey[i] + 1
	case i == len(lastUserKey) && i < len(nextUserKey):
		// lastUserKey is a prefix of nextUserKey.
		sep = make([]byte, len(lastUserKey)+1)
		copy(sep, lastUserKey)
	default:
		found := false
		for j := len(lastUserKey) - 1; j >= 0; j-- {
			if lastUserKey[j] < 255 {
				sep = make([]byte, j+1)
				copy(sep, lastUserKey[:j])
				sep[j] = lastUserKey[j] + 1
				found = true
				break
			}
		}
		if !found {
			sep = make([]byte, len(lastUserKey)+1)
			copy(sep, lastUserKey)
		}
	}

	// Max sequence and the seek kind make the separator sort before any
	// real entry or lookup key with the same user key.
	return keys.NewQueryKey(sep)
}

// computeSuccessor returns an internal key just past lastKey, for the
// final block's index entry.
func computeSuccessor(lastKey keys.EncodedKey) keys.EncodedKey {
	ukey := lastKey.UserKey()
	succ := make([]byte, len(ukey)+1)
	copy(succ, ukey)
	return keys.NewQueryKey(succ)
}
