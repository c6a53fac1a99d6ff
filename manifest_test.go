package replidb

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twlk9/replidb/keys"
)

// frameRecord builds the wire form of one manifest record.
func frameRecord(recordType uint8, payload []byte) []byte {
	recordSize := ManifestHeaderSize + len(payload)
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(recordSize))
	buf[8] = recordType
	copy(buf[ManifestHeaderSize:], payload)
	checksum := crc32.Checksum(buf[8:], manifestCrc32Table)
	binary.LittleEndian.PutUint32(buf[4:8], checksum)
	return buf
}

func appendBytes(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	mw, err := NewManifestWriter(dir, 1)
	require.NoError(t, err)

	edit := &VersionEdit{}
	edit.SetComparatorName(ComparatorName)
	edit.SetLastSequence(42)
	edit.AddFile(3, &FileMetadata{
		FileNum:     7,
		Size:        1024,
		SmallestKey: keys.NewEncodedKey([]byte("aaa"), 1, keys.KindSet),
		LargestKey:  keys.NewEncodedKey([]byte("zzz"), 42, keys.KindSet),
		SmallestSeq: 1,
		LargestSeq:  42,
		NumEntries:  100,
	})
	require.NoError(t, mw.WriteVersionEdit(edit))
	require.NoError(t, mw.Sync())
	require.NoError(t, mw.Close())

	tail, err := openManifestTail(filepath.Join(dir, DescriptorFileName(1)))
	require.NoError(t, err)
	defer tail.Close()

	recordType, payload, err := tail.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, uint8(ManifestRecordVersionEdit), recordType)

	decoded, err := DecodeVersionEdit(payload)
	require.NoError(t, err)
	require.Equal(t, ComparatorName, decoded.comparatorName)
	require.Equal(t, uint64(42), decoded.lastSequence)
	require.Len(t, decoded.addFiles[3], 1)
	require.Equal(t, uint64(7), decoded.addFiles[3][0].FileNum)
	require.Equal(t, []byte("aaa"), []byte(decoded.addFiles[3][0].SmallestKey.UserKey()))

	_, _, err = tail.ReadRecord()
	require.Equal(t, io.EOF, err)
}

func TestFindDescriptor(t *testing.T) {
	// Numbered probe without CURRENT.
	dir := t.TempDir()
	mw, err := NewManifestWriter(dir, 2)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, "CURRENT")))

	path, err := findDescriptor(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, DescriptorFileName(2)), path)

	// Higher numbers need CURRENT.
	dir = t.TempDir()
	mw, err = NewManifestWriter(dir, 9)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	path, err = findDescriptor(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, DescriptorFileName(9)), path)

	// Nothing at all.
	_, err = findDescriptor(t.TempDir())
	require.ErrorIs(t, err, ErrCorruption)
}

func TestPartialTailRecordIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	b, err := NewImageBuilder(dir, DefaultWriterOptions())
	require.NoError(t, err)
	_, err = b.AddTable(1, []TableEntry{
		{Key: []byte("k"), Value: []byte("v"), Seq: 1, Kind: keys.KindSet},
	})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// Simulate the producer caught mid-append: a complete record split
	// across two writes, with the reader attaching in between.
	edit := &VersionEdit{}
	edit.SetLastSequence(99)
	record := frameRecord(ManifestRecordVersionEdit, edit.Encode())
	manifestPath := filepath.Join(dir, DescriptorFileName(1))
	appendBytes(t, manifestPath, record[:len(record)/2])

	db := openImage(t, dir)
	require.Equal(t, uint64(1), db.LastSequence())

	// Still half-written: reload sees no new data.
	require.NoError(t, db.Reload())
	require.Equal(t, uint64(1), db.LastSequence())

	// The producer finishes the record.
	appendBytes(t, manifestPath, record[len(record)/2:])
	require.NoError(t, db.Reload())
	require.Equal(t, uint64(99), db.LastSequence())
}

func TestCorruptRecordStopsReplayKeepingPriorEdits(t *testing.T) {
	dir := t.TempDir()
	b, err := NewImageBuilder(dir, DefaultWriterOptions())
	require.NoError(t, err)
	_, err = b.AddTable(1, []TableEntry{
		{Key: []byte("k"), Value: []byte("v"), Seq: 1, Kind: keys.KindSet},
	})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	db := openImage(t, dir)

	// A complete record whose checksum doesn't match its body.
	edit := &VersionEdit{}
	edit.SetLastSequence(99)
	record := frameRecord(ManifestRecordVersionEdit, edit.Encode())
	record[len(record)-1] ^= 0xff
	appendBytes(t, filepath.Join(dir, DescriptorFileName(1)), record)

	require.ErrorIs(t, db.Reload(), ErrCorruption)

	// Everything replayed before the bad record still serves.
	value, err := db.Get([]byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
	require.Equal(t, uint64(1), db.LastSequence())

	// The bad record doesn't heal.
	require.ErrorIs(t, db.Reload(), ErrCorruption)
}

func TestUnknownRecordTypeIsCorruption(t *testing.T) {
	dir := t.TempDir()
	b, err := NewImageBuilder(dir, DefaultWriterOptions())
	require.NoError(t, err)
	_, err = b.AddTable(1, []TableEntry{
		{Key: []byte("k"), Value: []byte("v"), Seq: 1, Kind: keys.KindSet},
	})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	db := openImage(t, dir)

	appendBytes(t, filepath.Join(dir, DescriptorFileName(1)), frameRecord(200, []byte("mystery")))
	require.ErrorIs(t, db.Reload(), ErrCorruption)
}

func TestBadRecordLengthIsCorruption(t *testing.T) {
	dir := t.TempDir()
	mw, err := NewManifestWriter(dir, 1)
	require.NoError(t, err)
	edit := &VersionEdit{}
	edit.SetComparatorName(ComparatorName)
	require.NoError(t, mw.WriteVersionEdit(edit))
	require.NoError(t, mw.Close())

	path := filepath.Join(dir, DescriptorFileName(1))
	var garbage [8]byte
	binary.LittleEndian.PutUint32(garbage[:4], 3) // below the header size
	appendBytes(t, path, garbage[:])

	tail, err := openManifestTail(path)
	require.NoError(t, err)
	defer tail.Close()

	_, _, err = tail.ReadRecord()
	require.NoError(t, err)
	_, _, err = tail.ReadRecord()
	require.ErrorIs(t, err, ErrCorruption)
}

func TestEmptyManifestIsCorruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DescriptorFileName(1)), nil, 0644))

	opts := DefaultOptions()
	opts.Path = dir
	_, err := Open(opts)
	require.ErrorIs(t, err, ErrCorruption)
}

func TestReadCURRENT(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeCURRENT(dir, 12))

	name, err := readCURRENT(dir)
	require.NoError(t, err)
	require.Equal(t, DescriptorFileName(12), name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "CURRENT"), []byte("nonsense\n"), 0644))
	_, err = readCURRENT(dir)
	require.ErrorIs(t, err, ErrCorruption)
}
