package compression

import "fmt"

// Type represents different compression algorithms
type Type uint8

const (
	// None stores blocks without compression
	None Type = iota

	// Snappy uses the Snappy algorithm. Fast with reasonable ratios.
	Snappy

	// Zstd uses Zstandard. Better ratios than Snappy, slightly slower.
	Zstd

	// S2 is faster than Snappy with better compression ratios.
	S2
)

// String returns the string representation of the compression type
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// Config holds compression configuration
type Config struct {
	// Type of compression to use
	Type Type

	// MinReductionPercent is the minimum size reduction required to
	// store a block compressed. Blocks that compress worse are stored
	// raw so reads don't pay decompression for nothing.
	MinReductionPercent uint8

	// ZstdLevel specifies the Zstd compression level (only used when
	// Type is Zstd).
	ZstdLevel ZstdLevel
}

// DefaultConfig returns the default compression configuration
func DefaultConfig() Config {
	return Config{
		Type:                S2,
		MinReductionPercent: 12,
		ZstdLevel:           ZstdDefault,
	}
}

// NoCompressionConfig returns a configuration with no compression
func NoCompressionConfig() Config {
	return Config{Type: None}
}

// SnappyConfig returns a configuration for Snappy compression
func SnappyConfig() Config {
	return Config{Type: Snappy, MinReductionPercent: 12}
}

// ZstdConfig returns a balanced Zstd configuration
func ZstdConfig() Config {
	return Config{Type: Zstd, MinReductionPercent: 8, ZstdLevel: ZstdDefault}
}

// ParseType maps a config-file string to a compression type.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "s2":
		return S2, nil
	case "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression type: %q", s)
	}
}

// Compressor interface defines compression operations
type Compressor interface {
	// Compress compresses src into dst. Returns the output and whether
	// compression was actually applied.
	Compress(dst, src []byte) ([]byte, bool, error)

	// Decompress decompresses src into dst.
	Decompress(dst, src []byte) ([]byte, error)

	// Type returns the compression type
	Type() Type
}

// NewCompressor creates a new compressor based on the configuration
func NewCompressor(config Config) (Compressor, error) {
	switch config.Type {
	case None:
		return &noneCompressor{}, nil
	case Snappy:
		return NewSnappyCompressor(config.MinReductionPercent), nil
	case Zstd:
		return NewZstdCompressor(config.MinReductionPercent, config.ZstdLevel), nil
	case S2:
		return NewS2Compressor(config.MinReductionPercent), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", config.Type)
	}
}

// noneCompressor implements no compression
type noneCompressor struct{}

func (c *noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst, false, nil
}

func (c *noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst, nil
}

func (c *noneCompressor) Type() Type {
	return None
}

// Block trailer compression type indicators
const (
	BlockNone   = 0
	BlockSnappy = 1
	BlockZstd   = 2
	BlockS2     = 3
)

// CompressBlock compresses a block of data using the given compressor
// and returns the output plus the compression type byte for the block
// trailer. Blocks under 1KB skip compression to avoid encoder overhead.
func CompressBlock(compressor Compressor, dst, src []byte) ([]byte, uint8, error) {
	const minCompressionSize = 1024
	if len(src) < minCompressionSize {
		if cap(dst) < len(src) {
			dst = make([]byte, len(src))
		} else {
			dst = dst[:len(src)]
		}
		copy(dst, src)
		return dst, BlockNone, nil
	}

	compressed, wasCompressed, err := compressor.Compress(dst, src)
	if err != nil {
		return nil, 0, err
	}

	if !wasCompressed {
		return compressed, BlockNone, nil
	}

	switch compressor.Type() {
	case Snappy:
		return compressed, BlockSnappy, nil
	case Zstd:
		return compressed, BlockZstd, nil
	case S2:
		return compressed, BlockS2, nil
	default:
		return compressed, BlockNone, nil
	}
}

// DecompressBlock decompresses a block based on the trailer type byte.
func DecompressBlock(dst, src []byte, compressionType uint8) ([]byte, error) {
	switch compressionType {
	case BlockNone:
		if cap(dst) < len(src) {
			dst = make([]byte, len(src))
		} else {
			dst = dst[:len(src)]
		}
		copy(dst, src)
		return dst, nil

	case BlockSnappy:
		return DecompressSnappy(dst, src)

	case BlockZstd:
		return DecompressZstd(dst, src)

	case BlockS2:
		return DecompressS2(dst, src)

	default:
		return nil, fmt.Errorf("unknown compression type: %d", compressionType)
	}
}
