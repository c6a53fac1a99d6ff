package replidb

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/twlk9/replidb/keys"
)

// ComparatorName identifies the key ordering this engine understands.
// Manifests built with a different comparator are rejected as corrupt.
const ComparatorName = "replidb.bytewise"

// FileMetadata contains metadata about a table file. Immutable once
// installed in a Version.
type FileMetadata struct {
	FileNum     uint64
	Size        uint64
	SmallestKey keys.EncodedKey
	LargestKey  keys.EncodedKey
	SmallestSeq uint64
	LargestSeq  uint64
	NumEntries  uint64
}

// Version is an immutable view of the file layout: which tables are
// live at each level. Readers take a reference for the duration of a
// read or iterator so a concurrent reload can't pull state out from
// under them.
type Version struct {
	// Files at each level. L0 is ordered newest first and may overlap;
	// deeper levels are sorted by smallest key and disjoint.
	files [][]*FileMetadata

	number uint64

	refs atomic.Int32
}

// NewVersion creates an empty version with one reference held by the
// caller.
func NewVersion(numLevels int) *Version {
	v := &Version{
		files: make([][]*FileMetadata, numLevels),
	}
	v.refs.Store(1)
	return v
}

// Ref adds a reference.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref drops a reference. The version holds no resources of its own,
// the count exists to catch lifetime bugs.
func (v *Version) Unref() {
	if n := v.refs.Add(-1); n < 0 {
		panic("version refcount below zero")
	}
}

// Refs returns the current reference count.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// Number returns the version's sequence in the replay.
func (v *Version) Number() uint64 {
	return v.number
}

// GetFiles returns the file list for a level.
func (v *Version) GetFiles(level int) []*FileMetadata {
	if level < 0 || level >= len(v.files) {
		return nil
	}
	return v.files[level]
}

// NumLevels returns how many levels this version tracks.
func (v *Version) NumLevels() int {
	return len(v.files)
}

// NumFiles returns the total file count across all levels.
func (v *Version) NumFiles() int {
	n := 0
	for _, files := range v.files {
		n += len(files)
	}
	return n
}

// TotalSize returns the summed byte size of every table in the version.
func (v *Version) TotalSize() uint64 {
	var n uint64
	for _, files := range v.files {
		for _, f := range files {
			n += f.Size
		}
	}
	return n
}

// Clone copies the file lists into a new version. The clone starts with
// one reference.
func (v *Version) Clone() *Version {
	nv := NewVersion(len(v.files))
	nv.number = v.number + 1
	for level := range v.files {
		nv.files[level] = make([]*FileMetadata, len(v.files[level]))
		copy(nv.files[level], v.files[level])
	}
	return nv
}

// overlapsUserRange reports whether the file's key range intersects
// [start, limit) on user keys. Nil bounds are unbounded.
func (f *FileMetadata) overlapsUserRange(start, limit keys.UserKey) bool {
	if start != nil && f.LargestKey.UserKey().Compare(start) < 0 {
		return false
	}
	if limit != nil && f.SmallestKey.UserKey().Compare(limit) >= 0 {
		return false
	}
	return true
}

// VersionSet tracks the current version plus the counters replayed from
// the manifest. All mutation happens through ForeignApply, driven by
// edits some other process wrote.
type VersionSet struct {
	mu sync.Mutex

	current *Version

	lastSeq     uint64
	nextFileNum uint64
	logNumber   uint64

	numLevels int
	dir       string
	logger    *slog.Logger
}

// NewVersionSet creates a version set with an empty initial version.
func NewVersionSet(numLevels int, dir string, logger *slog.Logger) *VersionSet {
	return &VersionSet{
		current:     NewVersion(numLevels),
		nextFileNum: 1,
		numLevels:   numLevels,
		dir:         dir,
		logger:      logger,
	}
}

// Current returns the current version with a reference added for the
// caller. The caller must Unref when done.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.current.Ref()
	return vs.current
}

// LastSequence returns the highest sequence number seen in the replay.
func (vs *VersionSet) LastSequence() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSeq
}

// NextFileNumber returns the writer's next file number as replayed.
func (vs *VersionSet) NextFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.nextFileNum
}

// LogNumber returns the writer's log file number as replayed.
func (vs *VersionSet) LogNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNumber
}

// ForeignApply applies an edit written by another process to produce
// and install a new current version. The edit is validated first: a
// comparator mismatch, an out-of-range level, or a resulting overlap on
// a sorted level all reject the edit as corruption and leave the
// current version untouched.
func (vs *VersionSet) ForeignApply(edit *VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if edit.hasComparator && edit.comparatorName != ComparatorName {
		return fmt.Errorf("comparator mismatch: manifest has %q, engine uses %q: %w",
			edit.comparatorName, ComparatorName, ErrCorruption)
	}
	for level := range edit.addFiles {
		if level < 0 || level >= vs.numLevels {
			return fmt.Errorf("edit adds file at invalid level %d: %w", level, ErrCorruption)
		}
	}
	for level := range edit.removeFiles {
		if level < 0 || level >= vs.numLevels {
			return fmt.Errorf("edit removes file at invalid level %d: %w", level, ErrCorruption)
		}
	}

	nv := vs.current.Clone()

	for level, fileNums := range edit.removeFiles {
		for _, fileNum := range fileNums {
			files := nv.files[level]
			for i, f := range files {
				if f.FileNum == fileNum {
					nv.files[level] = append(files[:i], files[i+1:]...)
					break
				}
			}
		}
	}

	for level, files := range edit.addFiles {
		nv.files[level] = append(nv.files[level], files...)
	}

	// L0 newest first; deeper levels sorted by smallest key.
	if len(nv.files) > 0 {
		sort.SliceStable(nv.files[0], func(i, j int) bool {
			a, b := nv.files[0][i], nv.files[0][j]
			if a.LargestSeq != b.LargestSeq {
				return a.LargestSeq > b.LargestSeq
			}
			return a.FileNum > b.FileNum
		})
	}
	for level := 1; level < len(nv.files); level++ {
		sort.SliceStable(nv.files[level], func(i, j int) bool {
			return nv.files[level][i].SmallestKey.Compare(nv.files[level][j].SmallestKey) < 0
		})
		for i := 1; i < len(nv.files[level]); i++ {
			prev, cur := nv.files[level][i-1], nv.files[level][i]
			if prev.LargestKey.UserKey().Compare(cur.SmallestKey.UserKey()) >= 0 {
				nv.Unref()
				return fmt.Errorf("files %06d and %06d overlap at level %d: %w",
					prev.FileNum, cur.FileNum, level, ErrCorruption)
			}
		}
	}

	if edit.hasLastSequence && edit.lastSequence > vs.lastSeq {
		vs.lastSeq = edit.lastSequence
	}
	if edit.hasNextFileNumber && edit.nextFileNumber > vs.nextFileNum {
		vs.nextFileNum = edit.nextFileNumber
	}
	if edit.hasLogNumber && edit.logNumber > vs.logNumber {
		vs.logNumber = edit.logNumber
	}
	for _, files := range edit.addFiles {
		for _, f := range files {
			if f.FileNum >= vs.nextFileNum {
				vs.nextFileNum = f.FileNum + 1
			}
		}
	}

	old := vs.current
	vs.current = nv
	old.Unref()

	vs.logger.Debug("applied version edit",
		"version", nv.number,
		"files", nv.NumFiles(),
		"last_seq", vs.lastSeq)
	return nil
}

// ApproximateOffsetOf estimates the byte offset of ikey within the
// whole database image: files wholly before the key contribute their
// full size, files past it contribute nothing, and a file straddling
// the key contributes the in-file offset from its index block.
func (vs *VersionSet) ApproximateOffsetOf(v *Version, ikey keys.EncodedKey, fc *FileCache) uint64 {
	var result uint64
	for level := range v.files {
		for _, f := range v.files[level] {
			if f.LargestKey.Compare(ikey) <= 0 {
				result += f.Size
			} else if f.SmallestKey.Compare(ikey) > 0 {
				// Entirely past the key. On sorted levels no later file
				// can matter either.
				if level > 0 {
					break
				}
			} else {
				cr, err := fc.Get(f.FileNum)
				if err != nil {
					vs.logger.Warn("size estimate skipping unreadable table",
						"file_num", f.FileNum, "error", err)
					continue
				}
				if r := cr.Reader(); r != nil {
					result += r.ApproximateOffsetOf(ikey)
				}
			}
		}
	}
	return result
}
