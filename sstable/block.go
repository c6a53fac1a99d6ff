package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/twlk9/replidb/keys"
)

// BlockBuilder builds prefix-compressed blocks. Entry format:
// varint(shared) varint(unshared) varint(valueLen) keySuffix value.
// Restart points reset the shared prefix so seeks can start decoding
// mid-block.
type BlockBuilder struct {
	buffer          []byte
	restarts        []uint32
	numEntries      int
	lastKey         []byte
	finished        bool
	restartInterval int
	blockSize       int
	minEntries      int
}

// NewBlockBuilder creates a new block builder
func NewBlockBuilder(blockSize, restartInterval, minEntries int) *BlockBuilder {
	if blockSize == 0 {
		blockSize = BlockSize
	}
	if restartInterval == 0 {
		restartInterval = RestartInterval
	}
	if minEntries == 0 {
		minEntries = 4
	}
	return &BlockBuilder{
		buffer:          make([]byte, 0, blockSize),
		restarts:        make([]uint32, 0),
		restartInterval: restartInterval,
		blockSize:       blockSize,
		minEntries:      minEntries,
	}
}

// Add appends a key-value pair. Keys must arrive in sorted order.
func (b *BlockBuilder) Add(key, value []byte) {
	if b.finished {
		panic("add to finished block")
	}

	var shared int
	if len(b.lastKey) > 0 {
		shared = sharedPrefixLen(b.lastKey, key)
	}

	if b.numEntries%b.restartInterval == 0 {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		shared = 0
	}
	unshared := len(key) - shared

	b.buffer = appendUvarint(b.buffer, uint64(shared))
	b.buffer = appendUvarint(b.buffer, uint64(unshared))
	b.buffer = appendUvarint(b.buffer, uint64(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	if cap(b.lastKey) < len(key) {
		b.lastKey = make([]byte, len(key))
	} else {
		b.lastKey = b.lastKey[:len(key)]
	}
	copy(b.lastKey, key)

	b.numEntries++
}

// Finish appends the restart array and count, returning the encoded
// block.
func (b *BlockBuilder) Finish() []byte {
	if b.finished {
		panic("block already finished")
	}

	if len(b.restarts) == 0 {
		b.restarts = append(b.restarts, 0)
	}

	var tmp [4]byte
	for _, restart := range b.restarts {
		binary.LittleEndian.PutUint32(tmp[:], restart)
		b.buffer = append(b.buffer, tmp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b.restarts)))
	b.buffer = append(b.buffer, tmp[:]...)

	b.finished = true
	return b.buffer
}

// IsFull reports whether the block passed its size target. A minimum
// entry count keeps huge values from producing one-entry blocks.
func (b *BlockBuilder) IsFull() bool {
	return len(b.buffer) > b.blockSize && b.numEntries > b.minEntries
}

// EstimatedSize returns the current encoded size.
func (b *BlockBuilder) EstimatedSize() int {
	return len(b.buffer)
}

// IsEmpty returns true if no entries have been added.
func (b *BlockBuilder) IsEmpty() bool {
	return b.numEntries == 0
}

// Reset clears the builder for reuse.
func (b *BlockBuilder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = b.restarts[:0]
	b.numEntries = 0
	b.lastKey = nil
	b.finished = false
}

// NumEntries returns the number of entries added so far.
func (b *BlockBuilder) NumEntries() int {
	return b.numEntries
}

// sharedPrefixLen compares 8 bytes at a time before falling back to a
// byte loop.
func sharedPrefixLen(a, b []byte) int {
	asUint64 := func(data []byte, i int) uint64 {
		return binary.LittleEndian.Uint64(data[i:])
	}
	var shared int
	n := min(len(a), len(b))

	for shared < n-7 && asUint64(a, shared) == asUint64(b, shared) {
		shared += 8
	}
	for shared < n && a[shared] == b[shared] {
		shared++
	}
	return shared
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// Block is a decoded, decompressed block ready for lookups.
type Block struct {
	data             []byte
	restarts         []uint32
	numEntries       uint32
	restartKeys      [][]byte // full keys at restart points, for seek binary search
	restartEntryIndx []int    // entry index of each restart point
}

// parseBlock decodes block data (restart array stripped off the end)
// into a Block.
func parseBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("block too small")
	}

	dataLen := len(data)
	numRestarts := binary.LittleEndian.Uint32(data[dataLen-4:])

	metadataSize := 4 + int(numRestarts)*4
	if dataLen < metadataSize {
		return nil, fmt.Errorf("block too small for restart points")
	}

	restarts := make([]uint32, numRestarts)
	for i := uint32(0); i < numRestarts; i++ {
		offset := dataLen - 4 - 4*int(numRestarts) + 4*int(i)
		restarts[i] = binary.LittleEndian.Uint32(data[offset : offset+4])
	}

	dataSize := dataLen - metadataSize
	var blockData []byte
	if dataSize > 0 {
		blockData = make([]byte, dataSize)
		copy(blockData, data[:dataSize])
	}

	numEntries, err := countBlockEntries(blockData)
	if err != nil {
		return nil, err
	}

	// Cache the full key stored at each restart point. Restart entries
	// have shared=0 so the key bytes are complete in place.
	restartKeys := make([][]byte, len(restarts))
	for i, restartOffset := range restarts {
		if int(restartOffset) >= len(blockData) {
			continue
		}
		offset := int(restartOffset)

		_, n := binary.Uvarint(blockData[offset:])
		if n <= 0 {
			continue
		}
		offset += n

		unshared, n := binary.Uvarint(blockData[offset:])
		if n <= 0 {
			continue
		}
		offset += n

		_, n = binary.Uvarint(blockData[offset:])
		if n <= 0 {
			continue
		}
		offset += n

		if offset+int(unshared) <= len(blockData) {
			restartKeys[i] = make([]byte, unshared)
			copy(restartKeys[i], blockData[offset:offset+int(unshared)])
		}
	}

	b := &Block{
		data:        blockData,
		restarts:    restarts,
		numEntries:  numEntries,
		restartKeys: restartKeys,
	}

	ridx := make([]int, len(restarts))
	entryidx := 0
	for i := 0; i < len(restarts)-1; i++ {
		ridx[i] = entryidx
		entryidx += b.countEntriesBetweenRestarts(i, i+1)
	}
	if len(restarts) > 0 {
		ridx[len(restarts)-1] = entryidx
	}
	b.restartEntryIndx = ridx
	return b, nil
}

// countBlockEntries walks the encoded entries once to count them.
func countBlockEntries(data []byte) (uint32, error) {
	var numEntries uint32
	offset := 0

	for offset < len(data) {
		_, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return 0, fmt.Errorf("corrupt block entry header at offset %d", offset)
		}
		offset += n

		unshared, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return 0, fmt.Errorf("corrupt block entry header at offset %d", offset)
		}
		offset += n

		valueLen, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return 0, fmt.Errorf("corrupt block entry header at offset %d", offset)
		}
		offset += n

		offset += int(unshared) + int(valueLen)
		if offset > len(data) {
			return 0, fmt.Errorf("block entry overruns block data")
		}

		numEntries++
	}
	return numEntries, nil
}

// countEntriesBetweenRestarts counts entries between two restart points.
func (b *Block) countEntriesBetweenRestarts(start, end int) int {
	if start >= len(b.restarts) || end >= len(b.restarts) {
		return 0
	}

	startOffset := int(b.restarts[start])
	endOffset := int(b.restarts[end])

	count := 0
	offset := startOffset

	for offset < endOffset && offset < len(b.data) {
		_, n := binary.Uvarint(b.data[offset:])
		if n <= 0 {
			break
		}
		offset += n

		unshared, n := binary.Uvarint(b.data[offset:])
		if n <= 0 {
			break
		}
		offset += n

		valueLen, n := binary.Uvarint(b.data[offset:])
		if n <= 0 {
			break
		}
		offset += n

		offset += int(unshared) + int(valueLen)
		if offset > len(b.data) {
			break
		}

		count++
	}
	return count
}

// NumEntries returns how many entries the decoded block holds.
func (b *Block) NumEntries() int {
	return int(b.numEntries)
}

// EntryBuffers holds reusable scratch space for entry reconstruction so
// iterators and point lookups don't allocate per entry.
type EntryBuffers struct {
	keyBuf         []byte
	valueBuf       []byte
	key            keys.EncodedKey // current key, may point into keyBuf or blockData
	value          []byte
	isRestartEntry bool
	blockData      []byte
	keyOffset      int
	keyLength      int
}

// NewEntryBuffers creates buffers with the given initial capacities.
func NewEntryBuffers(keyCapacity, valueCapacity int) *EntryBuffers {
	return &EntryBuffers{
		keyBuf:   make([]byte, 0, keyCapacity),
		valueBuf: make([]byte, 0, valueCapacity),
	}
}

func (e *EntryBuffers) ensureKeyCapacity(capacity int) {
	if cap(e.keyBuf) < capacity {
		e.keyBuf = make([]byte, 0, capacity)
	}
}

func (e *EntryBuffers) ensureValueCapacity(capacity int) {
	if cap(e.valueBuf) < capacity {
		e.valueBuf = make([]byte, 0, capacity)
	}
}

// getEntry decodes the entry at index into buffers. It starts at the
// nearest preceding restart point and replays prefix compression from
// there.
func (b *Block) getEntry(index int, buffers *EntryBuffers) error {
	if index < 0 || index >= int(b.numEntries) {
		return fmt.Errorf("entry index %d out of range", index)
	}

	// Find the last restart point at or before the entry.
	restartIndex := sort.Search(len(b.restartEntryIndx), func(i int) bool {
		return b.restartEntryIndx[i] > index
	}) - 1
	if restartIndex < 0 {
		restartIndex = 0
	}

	offset := int(b.restarts[restartIndex])
	startEntryIndex := b.restartEntryIndx[restartIndex]
	targetEntryInInterval := index - startEntryIndex

	var lastKey []byte
	if restartIndex < len(b.restartKeys) && b.restartKeys[restartIndex] != nil {
		lastKey = b.restartKeys[restartIndex]
	}

	for i := 0; i <= targetEntryInInterval; i++ {
		if offset >= len(b.data) {
			return fmt.Errorf("corrupt block data")
		}

		shared, n := binary.Uvarint(b.data[offset:])
		if n <= 0 {
			return fmt.Errorf("corrupt block data: shared length")
		}
		offset += n

		unshared, n := binary.Uvarint(b.data[offset:])
		if n <= 0 {
			return fmt.Errorf("corrupt block data: unshared length")
		}
		offset += n

		valueLen, n := binary.Uvarint(b.data[offset:])
		if n <= 0 {
			return fmt.Errorf("corrupt block data: value length")
		}
		keyOffset := offset + n
		offset = keyOffset + int(unshared)

		if offset > len(b.data) || offset+int(valueLen) > len(b.data) {
			return fmt.Errorf("corrupt block data")
		}

		keySize := int(shared + unshared)
		isRestartEntry := shared == 0

		if i == targetEntryInInterval {
			buffers.isRestartEntry = isRestartEntry
			buffers.blockData = b.data
			buffers.keyOffset = keyOffset
			buffers.keyLength = int(unshared)

			if isRestartEntry {
				// Key bytes are complete in the block, point at them.
				buffers.key = keys.EncodedKey(b.data[keyOffset : keyOffset+int(unshared)])
			} else {
				buffers.ensureKeyCapacity(keySize)
				buffers.keyBuf = buffers.keyBuf[:keySize]
				if shared > 0 && len(lastKey) >= int(shared) {
					copy(buffers.keyBuf, lastKey[:shared])
				}
				copy(buffers.keyBuf[shared:], b.data[keyOffset:keyOffset+int(unshared)])
				buffers.key = buffers.keyBuf
			}

			buffers.ensureValueCapacity(int(valueLen))
			buffers.valueBuf = buffers.valueBuf[:valueLen]
			copy(buffers.valueBuf, b.data[offset:offset+int(valueLen)])
			buffers.value = buffers.valueBuf
			return nil
		}

		// Intermediate entry, reconstruct only for lastKey tracking.
		buffers.ensureKeyCapacity(keySize)
		buffers.keyBuf = buffers.keyBuf[:keySize]
		if shared > 0 && len(lastKey) >= int(shared) {
			copy(buffers.keyBuf, lastKey[:shared])
		}
		copy(buffers.keyBuf[shared:], b.data[keyOffset:keyOffset+int(unshared)])
		lastKey = buffers.keyBuf

		offset += int(valueLen)
	}

	return fmt.Errorf("entry not found")
}

// seekToRestartPoint finds the restart point to begin a linear scan for
// target. Returns the restart index and its entry index.
func (b *Block) seekToRestartPoint(target keys.EncodedKey) (int, int) {
	if len(b.restarts) == 0 {
		return 0, 0
	}

	left := 0
	right := len(b.restarts) - 1
	result := -1

	for left <= right {
		mid := left + (right-left)/2

		if mid < len(b.restartKeys) && b.restartKeys[mid] != nil {
			restartKey := keys.EncodedKey(b.restartKeys[mid])
			if restartKey.Compare(target) >= 0 {
				result = mid
				right = mid - 1
			} else {
				left = mid + 1
			}
		} else {
			left = mid + 1
		}
	}

	// Back up one restart so we don't skip past entries between the
	// previous restart and the first key >= target.
	restartIndex := 0
	switch {
	case result > 0:
		restartIndex = result - 1
	case result == 0:
		restartIndex = 0
	default:
		restartIndex = len(b.restarts) - 1
	}

	entryIndex := 0
	if restartIndex < len(b.restartEntryIndx) {
		entryIndex = b.restartEntryIndx[restartIndex]
	}
	return restartIndex, entryIndex
}

// BlockIterator iterates over a single decoded block.
type BlockIterator struct {
	block         *Block
	index         int
	buffers       *EntryBuffers
	err           error
	currentKeyBuf []byte // stable copy of the current key
}

// NewIterator creates a new block iterator
func (b *Block) NewIterator() *BlockIterator {
	return &BlockIterator{
		block:         b,
		index:         -1,
		buffers:       NewEntryBuffers(256, 256),
		currentKeyBuf: make([]byte, 0, 64),
	}
}

// SeekToFirst positions the iterator at the first entry.
func (it *BlockIterator) SeekToFirst() {
	it.err = nil
	it.index = 0
	it.loadCurrentEntry()
}

// SeekToLast positions the iterator at the last entry.
func (it *BlockIterator) SeekToLast() {
	it.err = nil
	it.index = int(it.block.numEntries) - 1
	it.loadCurrentEntry()
}

// Seek positions the iterator at the first entry >= target.
func (it *BlockIterator) Seek(target keys.EncodedKey) {
	it.err = nil
	it.currentKeyBuf = it.currentKeyBuf[:0]

	_, startIndex := it.block.seekToRestartPoint(target)

	for i := startIndex; i < int(it.block.numEntries); i++ {
		if err := it.block.getEntry(i, it.buffers); err != nil {
			it.err = err
			return
		}
		it.currentKeyBuf = append(it.currentKeyBuf[:0], it.buffers.key...)

		if it.buffers.key.Compare(target) >= 0 {
			it.index = i
			return
		}
	}

	it.index = int(it.block.numEntries)
}

// Valid reports whether the iterator is positioned at an entry.
func (it *BlockIterator) Valid() bool {
	return it.err == nil && it.index >= 0 && it.index < int(it.block.numEntries)
}

// Next advances to the next entry.
func (it *BlockIterator) Next() {
	if it.index < int(it.block.numEntries) {
		it.index++
		it.loadCurrentEntry()
	}
}

// Key returns the current key.
func (it *BlockIterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return keys.EncodedKey(it.currentKeyBuf)
}

// Value returns the current value.
func (it *BlockIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.buffers.value
}

// Error returns any accumulated error.
func (it *BlockIterator) Error() error {
	return it.err
}

func (it *BlockIterator) loadCurrentEntry() {
	it.currentKeyBuf = it.currentKeyBuf[:0]
	if it.index < 0 || it.index >= int(it.block.numEntries) {
		it.err = nil
		return
	}

	if err := it.block.getEntry(it.index, it.buffers); err != nil {
		it.err = err
		return
	}
	it.err = nil

	if it.buffers.isRestartEntry {
		keyLen := it.buffers.keyLength
		if cap(it.currentKeyBuf) < keyLen {
			it.currentKeyBuf = make([]byte, keyLen)
		} else {
			it.currentKeyBuf = it.currentKeyBuf[:keyLen]
		}
		copy(it.currentKeyBuf, it.buffers.blockData[it.buffers.keyOffset:it.buffers.keyOffset+keyLen])
	} else {
		it.currentKeyBuf = append(it.currentKeyBuf[:0], it.buffers.key...)
	}
}
