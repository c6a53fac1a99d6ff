package bufferpool

import (
	"sync"
)

const (
	smallBufferSize = 4096
	largeBufferSize = 65536
)

// BufferPool provides reusable byte slices to cut allocations on the
// read path. Two size classes cover the common cases: block-sized
// reads and oversized index/footer reads.
type BufferPool struct {
	small sync.Pool // For buffers <= smallBufferSize
	large sync.Pool // For buffers > smallBufferSize and <= largeBufferSize
}

// NewBufferPool creates a new buffer pool with predefined size classes.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small: sync.Pool{
			New: func() any {
				return make([]byte, 0, smallBufferSize)
			},
		},
		large: sync.Pool{
			New: func() any {
				return make([]byte, 0, largeBufferSize)
			},
		},
	}
}

// Get returns a byte slice with length equal to the requested size.
// Requests larger than the largest size class are allocated fresh and
// never pooled.
func (p *BufferPool) Get(size int) []byte {
	var buf []byte
	if size <= smallBufferSize {
		buf = p.small.Get().([]byte)
	} else if size <= largeBufferSize {
		buf = p.large.Get().([]byte)
	} else {
		return make([]byte, size)
	}

	if cap(buf) < size {
		return make([]byte, size)
	}

	return buf[:size]
}

// Put returns a byte slice to the appropriate pool for reuse. Buffers
// whose capacity doesn't match a size class are left for the GC.
func (p *BufferPool) Put(buf []byte) {
	buf = buf[:0]

	switch cap(buf) {
	case smallBufferSize:
		p.small.Put(buf)
	case largeBufferSize:
		p.large.Put(buf)
	}
}

// Global buffer pool instance
var globalBufferPool = NewBufferPool()

// GetBuffer returns a byte slice from the global pool.
func GetBuffer(size int) []byte {
	return globalBufferPool.Get(size)
}

// PutBuffer returns a byte slice to the global pool.
func PutBuffer(buf []byte) {
	globalBufferPool.Put(buf)
}
