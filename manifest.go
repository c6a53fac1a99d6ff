package replidb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// Manifest record types
	ManifestRecordVersionEdit = 1

	// Manifest file extension
	ManifestExtension = ".manifest"

	// Manifest record header: length + checksum + type
	ManifestHeaderSize = 4 + 4 + 1

	// Records bigger than this are treated as corruption rather than
	// attempted.
	maxManifestRecordSize = 64 * MiB
)

// CRC32 table using the 0xEDB88320 polynomial, matching the format the
// producer writes.
var manifestCrc32Table = crc32.MakeTable(0xEDB88320)

// DescriptorFileName returns the manifest file name for a number.
func DescriptorFileName(num uint64) string {
	return fmt.Sprintf("%06d%s", num, ManifestExtension)
}

// TableFileName returns the table file name for a number.
func TableFileName(num uint64) string {
	return fmt.Sprintf("%06d.sst", num)
}

// findDescriptor locates the live manifest in dir. The first two file
// numbers are probed directly so a fresh image is readable even before
// CURRENT exists; otherwise CURRENT names the manifest. No candidate
// means the directory isn't a database image.
func findDescriptor(dir string) (string, error) {
	for _, num := range []uint64{1, 2} {
		path := filepath.Join(dir, DescriptorFileName(num))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	name, err := readCURRENT(dir)
	if err == nil {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no manifest found in %s: %w", dir, ErrCorruption)
}

// manifestTail reads checksummed records from a manifest that another
// process may still be appending to. It remembers its byte offset so a
// later attach resumes exactly where replay stopped, and it never
// treats a half-written record at the tail as an error.
type manifestTail struct {
	path   string
	file   *os.File
	offset int64
}

// openManifestTail opens the manifest at path positioned at its start.
func openManifestTail(path string) (*manifestTail, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &manifestTail{path: path, file: file}, nil
}

// Reattach reopens the manifest with a fresh handle at the preserved
// offset, picking up data appended since the last read.
func (mt *manifestTail) Reattach() error {
	file, err := os.Open(mt.path)
	if err != nil {
		return err
	}
	if mt.file != nil {
		mt.file.Close()
	}
	mt.file = file
	return nil
}

// ReadRecord returns the payload of the next complete record. io.EOF
// means no new data: either a clean end or a partial record still being
// written, in which case the offset stays put so the record is retried
// on the next attach. A checksum failure on a complete record is
// corruption.
func (mt *manifestTail) ReadRecord() (uint8, []byte, error) {
	var header [4]byte
	if _, err := mt.file.ReadAt(header[:], mt.offset); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}

	recordSize := binary.LittleEndian.Uint32(header[:])
	if recordSize < ManifestHeaderSize || recordSize > maxManifestRecordSize {
		return 0, nil, fmt.Errorf("%s: bad record length %d at offset %d: %w",
			mt.path, recordSize, mt.offset, ErrCorruption)
	}

	buf := make([]byte, recordSize)
	n, err := mt.file.ReadAt(buf, mt.offset)
	if err != nil {
		if err == io.EOF && n < int(recordSize) {
			// Record is still being written. Leave the offset at the
			// record start and report no new data.
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}

	stored := binary.LittleEndian.Uint32(buf[4:8])
	computed := crc32.Checksum(buf[8:], manifestCrc32Table)
	if stored != computed {
		return 0, nil, fmt.Errorf("%s: record checksum mismatch at offset %d: %w",
			mt.path, mt.offset, ErrCorruption)
	}

	recordType := buf[8]
	payload := make([]byte, recordSize-ManifestHeaderSize)
	copy(payload, buf[ManifestHeaderSize:])

	mt.offset += int64(recordSize)
	return recordType, payload, nil
}

// Offset returns the current replay position in the manifest.
func (mt *manifestTail) Offset() int64 {
	return mt.offset
}

// Close closes the underlying file.
func (mt *manifestTail) Close() error {
	if mt.file == nil {
		return nil
	}
	err := mt.file.Close()
	mt.file = nil
	return err
}

// ManifestWriter appends version edit records to a manifest file. The
// readonly engine never writes; this is the producer side of the
// format, used by image-building tools and tests.
type ManifestWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	mu      sync.Mutex
	closed  bool
	fileNum uint64
}

// NewManifestWriter creates or appends to the numbered manifest in dir
// and points CURRENT at it.
func NewManifestWriter(dir string, fileNum uint64) (*ManifestWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, DescriptorFileName(fileNum))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	mw := &ManifestWriter{
		path:    path,
		file:    file,
		writer:  bufio.NewWriter(file),
		fileNum: fileNum,
	}

	if err := writeCURRENT(dir, fileNum); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write CURRENT file: %w", err)
	}

	return mw, nil
}

// WriteVersionEdit appends an encoded edit as a checksummed record.
func (mw *ManifestWriter) WriteVersionEdit(edit *VersionEdit) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.closed {
		return fmt.Errorf("manifest writer is closed")
	}

	data := edit.Encode()
	recordSize := ManifestHeaderSize + len(data)
	buf := make([]byte, recordSize)

	binary.LittleEndian.PutUint32(buf[0:], uint32(recordSize))
	buf[8] = ManifestRecordVersionEdit
	copy(buf[ManifestHeaderSize:], data)

	checksum := crc32.Checksum(buf[8:], manifestCrc32Table)
	binary.LittleEndian.PutUint32(buf[4:8], checksum)

	if _, err := mw.writer.Write(buf); err != nil {
		return err
	}
	return mw.writer.Flush()
}

// Sync flushes and syncs the manifest to disk.
func (mw *ManifestWriter) Sync() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.closed {
		return fmt.Errorf("manifest writer is closed")
	}
	if err := mw.writer.Flush(); err != nil {
		return err
	}
	return mw.file.Sync()
}

// FileNum returns the manifest's file number.
func (mw *ManifestWriter) FileNum() uint64 {
	return mw.fileNum
}

// Close flushes and closes the manifest.
func (mw *ManifestWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.closed {
		return nil
	}
	mw.closed = true

	if err := mw.writer.Flush(); err != nil {
		return err
	}
	return mw.file.Close()
}

// writeCURRENT atomically points CURRENT at the numbered manifest.
func writeCURRENT(dir string, manifestNum uint64) error {
	currentPath := filepath.Join(dir, "CURRENT")
	tmpPath := currentPath + ".tmp"

	if err := os.WriteFile(tmpPath, []byte(DescriptorFileName(manifestNum)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write CURRENT temp file: %w", err)
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename CURRENT file: %w", err)
	}
	return nil
}

// readCURRENT returns the manifest name CURRENT points at, with the
// trailing newline trimmed.
func readCURRENT(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "CURRENT"))
	if err != nil {
		return "", err
	}

	name := strings.TrimSpace(string(data))
	if !strings.HasSuffix(name, ManifestExtension) {
		return "", fmt.Errorf("invalid manifest name in CURRENT: %q: %w", name, ErrCorruption)
	}
	return name, nil
}
