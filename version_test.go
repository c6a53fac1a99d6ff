package replidb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twlk9/replidb/keys"
)

func testFile(fileNum uint64, smallest, largest string, smallestSeq, largestSeq uint64) *FileMetadata {
	return &FileMetadata{
		FileNum:     fileNum,
		Size:        1000,
		SmallestKey: keys.NewEncodedKey([]byte(smallest), smallestSeq, keys.KindSet),
		LargestKey:  keys.NewEncodedKey([]byte(largest), largestSeq, keys.KindSet),
		SmallestSeq: smallestSeq,
		LargestSeq:  largestSeq,
		NumEntries:  10,
	}
}

func newTestVersionSet(t *testing.T) *VersionSet {
	t.Helper()
	return NewVersionSet(DefaultMaxLevels, t.TempDir(), DefaultLogger())
}

func TestForeignApplyAddAndRemove(t *testing.T) {
	vs := newTestVersionSet(t)

	edit := NewVersionEdit()
	edit.AddFile(1, testFile(5, "a", "f", 1, 10))
	edit.AddFile(1, testFile(6, "g", "m", 11, 20))
	edit.SetLastSequence(20)
	require.NoError(t, vs.ForeignApply(edit))

	v := vs.Current()
	require.Equal(t, 2, len(v.GetFiles(1)))
	require.Equal(t, uint64(20), vs.LastSequence())
	v.Unref()

	edit = NewVersionEdit()
	edit.RemoveFile(1, 5)
	require.NoError(t, vs.ForeignApply(edit))

	v = vs.Current()
	files := v.GetFiles(1)
	require.Len(t, files, 1)
	require.Equal(t, uint64(6), files[0].FileNum)
	v.Unref()
}

func TestForeignApplySortsLevels(t *testing.T) {
	vs := newTestVersionSet(t)

	// L0 ordering is by newest data first, not key order.
	edit := NewVersionEdit()
	edit.AddFile(0, testFile(3, "a", "z", 1, 5))
	edit.AddFile(0, testFile(4, "a", "z", 6, 9))
	// L1 added out of key order.
	edit.AddFile(1, testFile(8, "m", "p", 1, 1))
	edit.AddFile(1, testFile(7, "a", "c", 2, 2))
	require.NoError(t, vs.ForeignApply(edit))

	v := vs.Current()
	defer v.Unref()

	l0 := v.GetFiles(0)
	require.Equal(t, uint64(4), l0[0].FileNum, "newest L0 file first")
	require.Equal(t, uint64(3), l0[1].FileNum)

	l1 := v.GetFiles(1)
	require.Equal(t, uint64(7), l1[0].FileNum, "L1 sorted by smallest key")
	require.Equal(t, uint64(8), l1[1].FileNum)
}

func TestForeignApplyRejectsOverlapOnSortedLevel(t *testing.T) {
	vs := newTestVersionSet(t)

	edit := NewVersionEdit()
	edit.AddFile(2, testFile(5, "a", "m", 1, 5))
	require.NoError(t, vs.ForeignApply(edit))

	bad := NewVersionEdit()
	bad.AddFile(2, testFile(6, "k", "z", 6, 9))
	require.ErrorIs(t, vs.ForeignApply(bad), ErrCorruption)

	// The failed edit left the installed version alone.
	v := vs.Current()
	defer v.Unref()
	require.Len(t, v.GetFiles(2), 1)
	require.Equal(t, uint64(5), v.GetFiles(2)[0].FileNum)
}

func TestForeignApplyRejectsComparatorMismatch(t *testing.T) {
	vs := newTestVersionSet(t)

	edit := NewVersionEdit()
	edit.SetComparatorName("leveldb.BytewiseComparator")
	require.ErrorIs(t, vs.ForeignApply(edit), ErrCorruption)

	edit = NewVersionEdit()
	edit.SetComparatorName(ComparatorName)
	require.NoError(t, vs.ForeignApply(edit))
}

func TestForeignApplyRejectsBadLevel(t *testing.T) {
	vs := newTestVersionSet(t)

	edit := NewVersionEdit()
	edit.AddFile(DefaultMaxLevels, testFile(5, "a", "b", 1, 1))
	require.ErrorIs(t, vs.ForeignApply(edit), ErrCorruption)

	edit = NewVersionEdit()
	edit.RemoveFile(-1, 5)
	require.ErrorIs(t, vs.ForeignApply(edit), ErrCorruption)
}

func TestForeignApplyBumpsCounters(t *testing.T) {
	vs := newTestVersionSet(t)

	edit := NewVersionEdit()
	edit.SetLastSequence(50)
	edit.SetNextFileNumber(10)
	edit.SetLogNumber(4)
	edit.AddFile(1, testFile(12, "a", "b", 50, 50))
	require.NoError(t, vs.ForeignApply(edit))

	require.Equal(t, uint64(50), vs.LastSequence())
	require.Equal(t, uint64(4), vs.LogNumber())
	// File 12 pushes the next file number past the edit's own value.
	require.Equal(t, uint64(13), vs.NextFileNumber())

	// Counters never move backwards.
	edit = NewVersionEdit()
	edit.SetLastSequence(20)
	require.NoError(t, vs.ForeignApply(edit))
	require.Equal(t, uint64(50), vs.LastSequence())
}

func TestVersionRefCounting(t *testing.T) {
	vs := newTestVersionSet(t)

	v1 := vs.Current()
	require.Equal(t, int32(2), v1.Refs()) // version set + this handle

	edit := NewVersionEdit()
	edit.AddFile(1, testFile(5, "a", "b", 1, 1))
	require.NoError(t, vs.ForeignApply(edit))

	// The old version lives while someone holds it.
	require.Equal(t, int32(1), v1.Refs())
	require.Empty(t, v1.GetFiles(1))
	v1.Unref()
	require.Equal(t, int32(0), v1.Refs())

	v2 := vs.Current()
	require.Len(t, v2.GetFiles(1), 1)
	require.Greater(t, v2.Number(), v1.Number())
	v2.Unref()

	require.Panics(t, func() { v1.Unref() })
}

func TestVersionEditRoundTrip(t *testing.T) {
	edit := NewVersionEdit()
	edit.SetComparatorName(ComparatorName)
	edit.SetLogNumber(3)
	edit.SetNextFileNumber(9)
	edit.SetLastSequence(77)
	edit.AddFile(0, testFile(5, "k1", "k9", 70, 77))
	edit.RemoveFile(2, 4)

	decoded, err := DecodeVersionEdit(edit.Encode())
	require.NoError(t, err)
	require.Equal(t, ComparatorName, decoded.comparatorName)
	require.Equal(t, uint64(3), decoded.logNumber)
	require.Equal(t, uint64(9), decoded.nextFileNumber)
	require.Equal(t, uint64(77), decoded.lastSequence)
	require.Len(t, decoded.addFiles[0], 1)
	require.Equal(t, uint64(5), decoded.addFiles[0][0].FileNum)
	require.Equal(t, []uint64{4}, decoded.removeFiles[2])
}

func TestVersionEditDecodeCorruption(t *testing.T) {
	_, err := DecodeVersionEdit([]byte{250})
	require.ErrorIs(t, err, ErrCorruption)

	// Truncated field body.
	edit := NewVersionEdit()
	edit.SetLastSequence(77)
	data := edit.Encode()
	_, err = DecodeVersionEdit(data[:len(data)-2])
	require.Error(t, err)
}
