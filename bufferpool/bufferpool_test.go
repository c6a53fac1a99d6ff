package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSizes(t *testing.T) {
	p := NewBufferPool()

	for _, size := range []int{1, 100, smallBufferSize, smallBufferSize + 1, largeBufferSize, largeBufferSize * 2} {
		buf := p.Get(size)
		require.Len(t, buf, size)
		p.Put(buf)
	}
}

func TestPutReusesBuffers(t *testing.T) {
	p := NewBufferPool()

	buf := p.Get(100)
	require.Equal(t, smallBufferSize, cap(buf))
	p.Put(buf)

	again := p.Get(50)
	require.Len(t, again, 50)
	require.Equal(t, smallBufferSize, cap(again))
}

func TestGlobalPool(t *testing.T) {
	buf := GetBuffer(1024)
	require.Len(t, buf, 1024)
	PutBuffer(buf)
}
