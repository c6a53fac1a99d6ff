package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twlk9/replidb/compression"
	"github.com/twlk9/replidb/keys"
)

func testKey(i int, seq uint64) keys.EncodedKey {
	return keys.NewEncodedKey(fmt.Appendf(nil, "key%06d", i), seq, keys.KindSet)
}

func testValue(i int) []byte {
	return fmt.Appendf(nil, "value-%06d-%0100d", i, i)
}

// buildTable writes n sequential entries and returns the table path.
func buildTable(t *testing.T, n int, cfg compression.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000005.sst")

	w, err := NewWriter(WriterOpts{
		Path:                 path,
		Compression:          cfg,
		BlockSize:            BlockSize,
		BlockRestartInterval: RestartInterval,
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, w.Add(testKey(i, uint64(i+1)), testValue(i)))
	}
	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())
	return path
}

func openTable(t *testing.T, path string, cache *BlockCache, verify bool) *Reader {
	t.Helper()
	r, err := NewReader(ReaderOpts{
		Path:            path,
		FileNum:         5,
		Cache:           cache,
		VerifyChecksums: verify,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTableRoundTrip(t *testing.T) {
	const n = 2000 // spans many blocks
	path := buildTable(t, n, compression.DefaultConfig())
	r := openTable(t, path, nil, true)

	for _, i := range []int{0, 1, 500, 1234, n - 1} {
		value, foundKey, err := r.Get(keys.NewQueryKey(fmt.Appendf(nil, "key%06d", i)), false)
		require.NoError(t, err, "key %d", i)
		require.NotNil(t, foundKey, "key %d", i)
		require.Equal(t, testValue(i), value, "key %d", i)
		require.Equal(t, uint64(i+1), foundKey.Seq())
	}

	value, foundKey, err := r.Get(keys.NewQueryKey([]byte("missing")), false)
	require.NoError(t, err)
	require.Nil(t, foundKey)
	require.Nil(t, value)

	require.Equal(t, []byte("key000000"), []byte(r.SmallestKey().UserKey()))
	require.Equal(t, fmt.Appendf(nil, "key%06d", n-1), []byte(r.LargestKey().UserKey()))
}

func TestTableIteratorFullScan(t *testing.T) {
	const n = 1500
	path := buildTable(t, n, compression.DefaultConfig())
	r := openTable(t, path, nil, true)

	it := r.NewIterator()
	defer it.Close()

	count := 0
	var prev keys.EncodedKey
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if prev != nil {
			require.Negative(t, prev.Compare(it.Key()), "keys out of order at %d", count)
		}
		prev = append(prev[:0], it.Key()...)
		count++
	}
	require.NoError(t, it.Error())
	require.Equal(t, n, count)
}

func TestTableIteratorSeek(t *testing.T) {
	const n = 1000
	path := buildTable(t, n, compression.DefaultConfig())
	r := openTable(t, path, nil, true)

	it := r.NewIterator()
	defer it.Close()

	it.Seek(keys.NewQueryKey([]byte("key000500")))
	require.True(t, it.Valid())
	require.Equal(t, []byte("key000500"), []byte(it.Key().UserKey()))

	// A target between two existing keys lands on the next one.
	it.Seek(keys.NewQueryKey([]byte("key000500x")))
	require.True(t, it.Valid())
	require.Equal(t, []byte("key000501"), []byte(it.Key().UserKey()))

	it.Seek(keys.NewQueryKey([]byte("zzz")))
	require.False(t, it.Valid())
}

func TestTableIteratorBounds(t *testing.T) {
	const n = 100
	path := buildTable(t, n, compression.DefaultConfig())
	r := openTable(t, path, nil, true)

	bounds := keys.NewRange([]byte("key000010"), []byte("key000020"))
	it := r.NewIteratorWithBounds(bounds, false)
	defer it.Close()

	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		count++
	}
	require.NoError(t, it.Error())
	require.Equal(t, 10, count)
}

func TestTableBlockCache(t *testing.T) {
	const n = 1000
	path := buildTable(t, n, compression.DefaultConfig())
	cache := NewBlockCache(1 << 20)
	defer cache.Close()
	r := openTable(t, path, cache, true)

	// Same block read twice: the second hit comes from the cache and
	// must decode identically.
	for i := 0; i < 2; i++ {
		value, foundKey, err := r.Get(keys.NewQueryKey([]byte("key000100")), false)
		require.NoError(t, err)
		require.NotNil(t, foundKey)
		require.Equal(t, testValue(100), value)
	}
}

func TestTableChecksumCatchesCorruption(t *testing.T) {
	const n = 500
	path := buildTable(t, n, compression.DefaultConfig())

	// Flip a byte inside the first data block.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	r := openTable(t, path, nil, true)
	value, foundKey, err := r.Get(keys.NewQueryKey([]byte("key000000")), false)
	require.ErrorIs(t, err, keys.ErrCorruption, "corrupt block must not read as a miss")
	require.Nil(t, foundKey)
	require.Nil(t, value)
}

func TestTablePerReadVerification(t *testing.T) {
	// Uncompressed so a flipped value byte leaves the block structure
	// parseable and only the checksum can tell.
	cfg := compression.Config{Type: compression.None}
	path := buildTable(t, 500, cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[30] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	r := openTable(t, path, nil, false)

	// The unverified read cannot notice the damage.
	_, _, err = r.Get(keys.NewQueryKey([]byte("key000000")), false)
	require.NoError(t, err)

	// The verified read on the same relaxed reader catches it.
	_, _, err = r.Get(keys.NewQueryKey([]byte("key000000")), true)
	require.ErrorIs(t, err, keys.ErrCorruption)
}

func TestTableNoCompression(t *testing.T) {
	cfg := compression.Config{Type: compression.None}
	path := buildTable(t, 200, cfg)
	r := openTable(t, path, nil, true)

	value, foundKey, err := r.Get(keys.NewQueryKey([]byte("key000007")), false)
	require.NoError(t, err)
	require.NotNil(t, foundKey)
	require.Equal(t, testValue(7), value)
}

func TestTableZstdCompression(t *testing.T) {
	cfg := compression.Config{Type: compression.Zstd, ZstdLevel: compression.ZstdDefault}
	path := buildTable(t, 1000, cfg)
	r := openTable(t, path, nil, true)

	value, foundKey, err := r.Get(keys.NewQueryKey([]byte("key000777")), false)
	require.NoError(t, err)
	require.NotNil(t, foundKey)
	require.Equal(t, testValue(777), value)
}

func TestApproximateOffsetOfIsMonotonic(t *testing.T) {
	const n = 2000
	path := buildTable(t, n, compression.DefaultConfig())
	r := openTable(t, path, nil, true)

	var last uint64
	for _, i := range []int{0, 200, 700, 1500, n - 1} {
		off := r.ApproximateOffsetOf(keys.NewQueryKey(fmt.Appendf(nil, "key%06d", i)))
		require.GreaterOrEqual(t, off, last, "offset at key %d", i)
		last = off
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	past := r.ApproximateOffsetOf(keys.NewQueryKey([]byte("zzz")))
	require.LessOrEqual(t, past, uint64(info.Size()))
	require.Greater(t, past, last)
}

func TestReaderRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000009.sst")
	require.NoError(t, os.WriteFile(path, []byte("way too short"), 0644))

	_, err := NewReader(ReaderOpts{Path: path, FileNum: 9})
	require.ErrorIs(t, err, keys.ErrCorruption)
}

func TestBlockBuilderRestarts(t *testing.T) {
	b := NewBlockBuilder(BlockSize, 4, 1)
	for i := 0; i < 20; i++ {
		b.Add(testKey(i, uint64(i+1)), testValue(i))
	}
	block, err := parseBlock(b.Finish())
	require.NoError(t, err)
	require.Equal(t, uint32(20), block.numEntries)

	it := block.NewIterator()
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		require.Equal(t, testValue(count), it.Value())
		count++
	}
	require.Equal(t, 20, count)
}
