package compression

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
)

// snappyCompressor implements Compressor using the Snappy algorithm
type snappyCompressor struct {
	minReductionPercent uint8
}

// NewSnappyCompressor creates a new Snappy compressor
func NewSnappyCompressor(minReductionPercent uint8) Compressor {
	return &snappyCompressor{
		minReductionPercent: minReductionPercent,
	}
}

func (c *snappyCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	if len(src) == 0 {
		return dst[:0], false, nil
	}

	maxSize := snappy.MaxEncodedLen(len(src))
	if cap(dst) < maxSize {
		dst = make([]byte, maxSize)
	} else {
		dst = dst[:maxSize]
	}

	compressed := snappy.Encode(dst, src)

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

func (c *snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst[:0], nil
	}

	decompressed, err := snappy.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompression failed: %w", err)
	}

	return decompressed, nil
}

func (c *snappyCompressor) Type() Type {
	return Snappy
}

// DecompressSnappy decompresses Snappy-compressed data without a
// compressor instance.
func DecompressSnappy(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst[:0], nil
	}

	decompressed, err := snappy.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompression failed: %w", err)
	}

	return decompressed, nil
}
