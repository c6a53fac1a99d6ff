package sstable

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// BlockSize is the target size of each data block
	BlockSize = 4 * 1024

	// RestartInterval controls how often restart points are placed
	RestartInterval = 16

	// BlockTrailerSize is 1 byte compression type + 4 bytes CRC32
	BlockTrailerSize = 5

	// Footer constants
	MagicSize    = 8
	VersionSize  = 4
	ChecksumSize = 4

	// BlockHandleMaxSize is two max-length varints
	BlockHandleMaxSize = 20

	// FooterSize for the Pebble-style footer layout
	FooterSize = 1 + 2*BlockHandleMaxSize + VersionSize + MagicSize

	// TableVersion is the on-disk format version
	TableVersion = 1
)

// TableMagic marks the end of every table file.
var TableMagic = []byte{0xf0, 0x9f, 0xaa, 0xb3, 0xf0, 0x9f, 0xaa, 0xb3}

// BlockHandle points at a block within the file. Size includes the
// block trailer.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// encodeBlockHandle encodes a block handle as two uvarints.
func encodeBlockHandle(handle BlockHandle) []byte {
	buf := make([]byte, BlockHandleMaxSize)
	n := binary.PutUvarint(buf, handle.Offset)
	m := binary.PutUvarint(buf[n:], handle.Size)
	return buf[:n+m]
}

// decodeBlockHandle decodes a block handle. Returns the handle and the
// number of bytes consumed, 0 on malformed input.
func decodeBlockHandle(data []byte) (BlockHandle, int) {
	offset, n := binary.Uvarint(data)
	if n <= 0 {
		return BlockHandle{}, 0
	}
	size, m := binary.Uvarint(data[n:])
	if m <= 0 {
		return BlockHandle{}, 0
	}
	return BlockHandle{Offset: offset, Size: size}, n + m
}

// blockChecksum computes the trailer CRC over the stored block bytes
// plus the compression type byte, so a flipped type byte is caught too.
func blockChecksum(data []byte, compressionType uint8) uint32 {
	crc := crc32.ChecksumIEEE(data)
	return crc32.Update(crc, crc32.IEEETable, []byte{compressionType})
}
