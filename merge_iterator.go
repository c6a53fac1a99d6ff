package replidb

import (
	"container/heap"
	"unsafe"

	"github.com/twlk9/replidb/keys"
)

// heapEntry is just a wrapper for an iterator so it can be put into a heap.
type heapEntry struct {
	iter Iterator
}

// iteratorHeap is a min-heap of iterators. The `Less` function keeps
// the iterators sorted by their current key, so the one with the
// globally smallest key is always at the top.
type iteratorHeap []*heapEntry

func (h iteratorHeap) Len() int { return len(h) }

// Less defines the merge order:
// 1. User key (lexicographically).
// 2. Sequence number (descending, so newer entries come first).
// 3. Kind.
func (h iteratorHeap) Less(i, j int) bool {
	ki := h[i].iter.Key()
	kj := h[j].iter.Key()
	if ki == nil {
		return false // A nil key is considered "greater" than any valid key.
	}
	if kj == nil {
		return true
	}
	return ki.Compare(kj) < 0
}

func (h iteratorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *iteratorHeap) Push(x any) { *h = append(*h, x.(*heapEntry)) }

func (h *iteratorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// copyInto is a helper to copy a slice, reallocating only if necessary.
func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}

// MergeIterator takes multiple sorted table iterators and uses a
// min-heap to present them as a single, unified, sorted stream of keys.
// Because newer entries for a user key sort first, the first entry seen
// for each user key is the live one; the stale versions behind it are
// burned off before moving on.
type MergeIterator struct {
	iterators []Iterator
	current   Iterator // The iterator currently at the top of the heap (the "winner").
	bounds    *keys.Range

	h *iteratorHeap

	// Reusable buffers to avoid allocations in the hot loop (Next).
	winningKeyBuffer []byte
	winningKey       keys.EncodedKey
	userKeyBuffer    []byte

	// Pre-allocated heap entries managed with a free list to avoid
	// creating garbage for the GC during iteration.
	heapEntries []heapEntry
	freeList    []int
	initialized bool

	// includeTombstones controls whether delete markers are returned.
	// Inspection tooling uses this to see the raw entry stream.
	includeTombstones bool

	err error
	seq uint64 // If > 0, only keys with a sequence number <= seq are visible.
}

// NewMergeIterator creates a merge iterator. Give it a hint for the
// number of iterators you expect to add; it helps pre-allocate memory.
func NewMergeIterator(bounds *keys.Range, includeTombstones bool, seq uint64, expectedIterators int) *MergeIterator {
	if expectedIterators < 1 {
		expectedIterators = 8
	}
	h := make(iteratorHeap, 0, expectedIterators)
	return &MergeIterator{
		iterators:         make([]Iterator, 0, expectedIterators),
		bounds:            bounds,
		h:                 &h,
		winningKeyBuffer:  make([]byte, 64),
		userKeyBuffer:     make([]byte, 32),
		includeTombstones: includeTombstones,
		seq:               seq,
	}
}

// ensureInitialized sets up the heap and free list on the first seek.
func (it *MergeIterator) ensureInitialized() {
	if it.initialized {
		return
	}
	it.initialized = true
	n := len(it.iterators)
	if n == 0 {
		return
	}
	it.heapEntries = make([]heapEntry, n)
	it.freeList = make([]int, n)
	for i := 0; i < n; i++ {
		it.freeList[i] = i
	}
	if cap(*it.h) < n {
		*it.h = make(iteratorHeap, 0, n)
	}
}

func (it *MergeIterator) getHeapEntry() *heapEntry {
	if len(it.freeList) == 0 {
		panic("merge iterator: no free heap entries available")
	}
	idx := it.freeList[len(it.freeList)-1]
	it.freeList = it.freeList[:len(it.freeList)-1]
	return &it.heapEntries[idx]
}

// putHeapEntry returns a heapEntry to the pool. Pointer arithmetic
// recovers the entry's index without searching.
func (it *MergeIterator) putHeapEntry(e *heapEntry) {
	e.iter = nil
	idx := int(uintptr(unsafe.Pointer(e))-uintptr(unsafe.Pointer(&it.heapEntries[0]))) / int(unsafe.Sizeof(heapEntry{}))
	it.freeList = append(it.freeList, idx)
}

// AddIterator adds a source iterator to be merged.
func (it *MergeIterator) AddIterator(iter Iterator) {
	it.iterators = append(it.iterators, iter)
}

// rebuildHeap clears and rebuilds the heap with the current state of
// all source iterators.
func (it *MergeIterator) rebuildHeap() {
	it.ensureInitialized()
	for _, e := range *it.h {
		it.putHeapEntry(e)
	}
	*it.h = (*it.h)[:0]

	for _, iter := range it.iterators {
		if iter == nil || !iter.Valid() {
			continue
		}
		currentKey := iter.Key()
		if currentKey == nil {
			continue
		}
		// Skip entries newer than the snapshot sequence.
		if it.seq > 0 && it.seq < currentKey.Seq() {
			currentKey = it.advanceIterForSeq(iter)
			if currentKey == nil {
				continue
			}
		}
		entry := it.getHeapEntry()
		entry.iter = iter
		heap.Push(it.h, entry)
	}
}

// peekMinimum returns the iterator at the top of the heap without
// removing it.
func (it *MergeIterator) peekMinimum() (Iterator, keys.EncodedKey) {
	if it.h == nil || len(*it.h) == 0 {
		return nil, nil
	}
	entry := (*it.h)[0]
	return entry.iter, entry.iter.Key()
}

// popAndAdvanceMatchingKeys is where the de-duplication happens. After
// the winning key (the newest version) is processed, every iterator
// still pointing at the same user key holds an older, shadowed version
// and gets advanced past it.
func (it *MergeIterator) popAndAdvanceMatchingKeys() {
	if len(*it.h) == 0 {
		return
	}

	minKey := (*it.h)[0].iter.Key()
	if minKey == nil {
		return
	}
	it.userKeyBuffer = copyInto(it.userKeyBuffer, minKey.UserKey())

	for len(*it.h) > 0 {
		topKey := (*it.h)[0].iter.Key()
		if topKey == nil || topKey.UserKey().Compare(it.userKeyBuffer) != 0 {
			break
		}

		entry := heap.Pop(it.h).(*heapEntry)
		entry.iter.Next()
		if !entry.iter.Valid() {
			it.putHeapEntry(entry)
			continue
		}

		currentKey := entry.iter.Key()
		if currentKey == nil {
			it.putHeapEntry(entry)
			continue
		}

		if it.seq > 0 && it.seq < currentKey.Seq() {
			currentKey = it.advanceIterForSeq(entry.iter)
			if currentKey == nil {
				it.putHeapEntry(entry)
				continue
			}
		}
		heap.Push(it.h, entry)
	}
}

// findAndSetCurrent loops, peeking at the top of the heap and skipping
// keys that are deleted or outside the bounds, until it lands on a key
// the iterator should expose.
func (it *MergeIterator) findAndSetCurrent() {
	it.current = nil
	it.winningKey = nil

	for {
		minItem, minKey := it.peekMinimum()
		if minItem == nil {
			return // Heap is empty, we're done.
		}

		it.winningKeyBuffer = copyInto(it.winningKeyBuffer, minKey)
		it.winningKey = keys.EncodedKey(it.winningKeyBuffer)

		if it.isValidEntry(it.winningKey) {
			it.current = minItem
			return
		}

		// The winner was invalid (e.g. a tombstone). Pop it and every
		// older version of the same user key, then try again.
		it.popAndAdvanceMatchingKeys()
	}
}

// Next advances the iterator to the next valid key.
func (it *MergeIterator) Next() {
	if it.current != nil {
		it.popAndAdvanceMatchingKeys()
	}
	it.findAndSetCurrent()
}

// advanceIterForSeq advances an iterator until it finds a key visible
// to the current snapshot.
func (it *MergeIterator) advanceIterForSeq(iter Iterator) keys.EncodedKey {
	for iter.Valid() {
		key := iter.Key()
		if key == nil {
			return nil
		}
		if it.seq >= key.Seq() {
			return key
		}
		iter.Next()
	}
	return nil
}

// isValidEntry checks if a key should be returned: within bounds and
// not a tombstone (unless requested).
func (it *MergeIterator) isValidEntry(key keys.EncodedKey) bool {
	if it.bounds != nil {
		if it.bounds.Limit != nil && key.UserKey().Compare(it.bounds.Limit.UserKey()) >= 0 {
			return false
		}
		if it.bounds.Start != nil && key.UserKey().Compare(it.bounds.Start.UserKey()) < 0 {
			return false
		}
	}
	if key.Kind() == keys.KindDelete && !it.includeTombstones {
		return false
	}
	return true
}

func (it *MergeIterator) SeekToFirst() {
	it.err = nil
	it.current = nil
	it.winningKey = nil
	for _, iter := range it.iterators {
		iter.SeekToFirst()
	}
	it.rebuildHeap()
	it.findAndSetCurrent()
}

func (it *MergeIterator) Seek(target keys.EncodedKey) {
	it.err = nil
	it.current = nil
	it.winningKey = nil
	for _, iter := range it.iterators {
		iter.Seek(target)
	}
	it.rebuildHeap()
	it.findAndSetCurrent()
}

func (it *MergeIterator) Valid() bool {
	return it.err == nil && it.current != nil && it.winningKey != nil
}

func (it *MergeIterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.winningKey
}

func (it *MergeIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.current.Value()
}

func (it *MergeIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	for _, iter := range it.iterators {
		if iter == nil {
			continue
		}
		if err := iter.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (it *MergeIterator) Close() error {
	for _, iter := range it.iterators {
		if iter != nil {
			if err := iter.Close(); err != nil {
				// Keep trying to close others, but return the first error.
				if it.err == nil {
					it.err = err
				}
			}
		}
	}
	return it.err
}
