package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// s2Compressor implements Compressor using the S2 algorithm
type s2Compressor struct {
	minReductionPercent uint8
}

// NewS2Compressor creates a new S2 compressor
func NewS2Compressor(minReductionPercent uint8) Compressor {
	return &s2Compressor{
		minReductionPercent: minReductionPercent,
	}
}

func (c *s2Compressor) Compress(dst, src []byte) ([]byte, bool, error) {
	if len(src) == 0 {
		return dst[:0], false, nil
	}

	maxSize := s2.MaxEncodedLen(len(src))
	if cap(dst) < maxSize {
		dst = make([]byte, maxSize)
	} else {
		dst = dst[:maxSize]
	}

	compressed := s2.Encode(dst, src)

	// Keep the raw bytes unless compression bought enough
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

func (c *s2Compressor) Decompress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst[:0], nil
	}

	decompressed, err := s2.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompression failed: %w", err)
	}

	return decompressed, nil
}

func (c *s2Compressor) Type() Type {
	return S2
}

// DecompressS2 decompresses S2-compressed data without a compressor
// instance. Used on the read path where only decompression is needed.
func DecompressS2(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst[:0], nil
	}

	decompressed, err := s2.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompression failed: %w", err)
	}

	return decompressed, nil
}
