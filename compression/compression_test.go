package compression

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// compressible data: repeated text squeezes well under every codec.
func compressibleData(n int) []byte {
	pattern := []byte("the quick brown fox jumps over the lazy dog ")
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, pattern...)
	}
	return out[:n]
}

func TestRoundTripAllTypes(t *testing.T) {
	src := compressibleData(16 * 1024)

	for _, cfg := range []Config{
		NoCompressionConfig(),
		SnappyConfig(),
		ZstdConfig(),
		DefaultConfig(),
	} {
		c, err := NewCompressor(cfg)
		require.NoError(t, err, cfg.Type)

		compressed, typeByte, err := CompressBlock(c, nil, src)
		require.NoError(t, err, cfg.Type)

		decompressed, err := DecompressBlock(nil, compressed, typeByte)
		require.NoError(t, err, cfg.Type)
		require.True(t, bytes.Equal(src, decompressed), "%s round trip", cfg.Type)

		if cfg.Type != None {
			require.Less(t, len(compressed), len(src), "%s should shrink repeated text", cfg.Type)
		}
	}
}

func TestIncompressibleDataStoredRaw(t *testing.T) {
	src := make([]byte, 8*1024)
	_, err := rand.Read(src)
	require.NoError(t, err)

	for _, cfg := range []Config{SnappyConfig(), ZstdConfig(), DefaultConfig()} {
		c, err := NewCompressor(cfg)
		require.NoError(t, err)

		compressed, typeByte, err := CompressBlock(c, nil, src)
		require.NoError(t, err)
		require.Equal(t, uint8(BlockNone), typeByte, "%s must fall back to raw", cfg.Type)
		require.Equal(t, src, compressed)
	}
}

func TestSmallBlocksSkipCompression(t *testing.T) {
	src := compressibleData(512) // below the 1KB threshold

	c, err := NewCompressor(DefaultConfig())
	require.NoError(t, err)

	compressed, typeByte, err := CompressBlock(c, nil, src)
	require.NoError(t, err)
	require.Equal(t, uint8(BlockNone), typeByte)
	require.Equal(t, src, compressed)
}

func TestDecompressBlockUnknownType(t *testing.T) {
	_, err := DecompressBlock(nil, []byte("data"), 42)
	require.Error(t, err)
}

func TestParseType(t *testing.T) {
	for s, want := range map[string]Type{
		"":       S2,
		"s2":     S2,
		"none":   None,
		"snappy": Snappy,
		"zstd":   Zstd,
	} {
		got, err := ParseType(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseType("lz4")
	require.Error(t, err)
}

func TestZstdLevels(t *testing.T) {
	src := compressibleData(32 * 1024)
	for _, level := range []ZstdLevel{ZstdFastest, ZstdDefault, ZstdBetter, ZstdBest} {
		c := NewZstdCompressor(8, level)
		compressed, ok, err := c.Compress(nil, src)
		require.NoError(t, err)
		require.True(t, ok)

		out, err := c.Decompress(nil, compressed)
		require.NoError(t, err)
		require.True(t, bytes.Equal(src, out))
	}
}
