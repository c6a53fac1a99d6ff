package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdLevel maps to klauspost zstd encoder levels
type ZstdLevel int

const (
	// ZstdFastest prioritizes speed over ratio
	ZstdFastest ZstdLevel = 1

	// ZstdDefault balances speed and ratio
	ZstdDefault ZstdLevel = 3

	// ZstdBetter trades speed for a better ratio
	ZstdBetter ZstdLevel = 6

	// ZstdBest maximizes compression at significant CPU cost
	ZstdBest ZstdLevel = 9
)

func (l ZstdLevel) encoderLevel() zstd.EncoderLevel {
	switch {
	case l <= ZstdFastest:
		return zstd.SpeedFastest
	case l <= ZstdDefault:
		return zstd.SpeedDefault
	case l <= ZstdBetter:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// zstdCompressor implements Compressor using Zstandard. Encoders and
// decoders are pooled since construction is expensive.
type zstdCompressor struct {
	minReductionPercent uint8
	level               ZstdLevel
	encoders            sync.Pool
}

// NewZstdCompressor creates a new Zstd compressor with the given level
func NewZstdCompressor(minReductionPercent uint8, level ZstdLevel) Compressor {
	c := &zstdCompressor{
		minReductionPercent: minReductionPercent,
		level:               level,
	}
	c.encoders.New = func() any {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(level.encoderLevel()),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil
		}
		return enc
	}
	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	if len(src) == 0 {
		return dst[:0], false, nil
	}

	enc, _ := c.encoders.Get().(*zstd.Encoder)
	if enc == nil {
		return nil, false, fmt.Errorf("zstd encoder creation failed")
	}
	defer c.encoders.Put(enc)

	compressed := enc.EncodeAll(src, dst[:0])

	if c.minReductionPercent > 0 {
		reduction := 100 - (len(compressed)*100)/len(src)
		if reduction < int(c.minReductionPercent) {
			if cap(dst) < len(src) {
				dst = make([]byte, len(src))
			} else {
				dst = dst[:len(src)]
			}
			copy(dst, src)
			return dst, false, nil
		}
	}

	return compressed, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return DecompressZstd(dst, src)
}

func (c *zstdCompressor) Type() Type {
	return Zstd
}

// Shared decoder pool. Decoders are stateless across DecodeAll calls so
// a single pool serves every compressor instance and the package-level
// decompress helper.
var zstdDecoders = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil
		}
		return dec
	},
}

// DecompressZstd decompresses Zstd-compressed data without a compressor
// instance.
func DecompressZstd(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst[:0], nil
	}

	dec, _ := zstdDecoders.Get().(*zstd.Decoder)
	if dec == nil {
		return nil, fmt.Errorf("zstd decoder creation failed")
	}
	defer zstdDecoders.Put(dec)

	decompressed, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}

	return decompressed, nil
}
