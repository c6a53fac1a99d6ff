package replidb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/twlk9/replidb/keys"
	"github.com/twlk9/replidb/sstable"
)

// TableEntry is one key-value pair destined for a table file.
type TableEntry struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Kind  keys.Kind
}

// ImageBuilder produces a database image the readonly engine can
// attach to: table files plus a manifest describing them. It plays the
// writer process's role for tooling and tests.
type ImageBuilder struct {
	dir         string
	opts        WriterOptions
	manifest    *ManifestWriter
	nextFileNum uint64
	lastSeq     uint64
}

// NewImageBuilder starts a fresh image in dir with manifest 000001 and
// an initial record naming the comparator.
func NewImageBuilder(dir string, opts WriterOptions) (*ImageBuilder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	mw, err := NewManifestWriter(dir, 1)
	if err != nil {
		return nil, err
	}

	b := &ImageBuilder{
		dir:         dir,
		opts:        opts,
		manifest:    mw,
		nextFileNum: 2,
	}

	edit := &VersionEdit{}
	edit.SetComparatorName(ComparatorName)
	edit.SetNextFileNumber(b.nextFileNum)
	if err := mw.WriteVersionEdit(edit); err != nil {
		mw.Close()
		return nil, err
	}
	return b, nil
}

// AddTable writes the entries as one table file at the given level and
// appends the edit installing it. Entries are sorted internally, so
// callers can hand them over in any order.
func (b *ImageBuilder) AddTable(level int, entries []TableEntry) (*FileMetadata, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("cannot build an empty table")
	}

	sorted := make([]TableEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki := keys.NewEncodedKey(sorted[i].Key, sorted[i].Seq, sorted[i].Kind)
		kj := keys.NewEncodedKey(sorted[j].Key, sorted[j].Seq, sorted[j].Kind)
		return ki.Compare(kj) < 0
	})

	fileNum := b.nextFileNum
	b.nextFileNum++
	path := filepath.Join(b.dir, TableFileName(fileNum))

	w, err := sstable.NewWriter(sstable.WriterOpts{
		Path:                 path,
		Compression:          b.opts.Compression,
		BlockSize:            b.opts.BlockSize,
		BlockRestartInterval: b.opts.BlockRestartInterval,
		BlockMinEntries:      b.opts.BlockMinEntries,
	})
	if err != nil {
		return nil, err
	}

	smallestSeq := sorted[0].Seq
	largestSeq := sorted[0].Seq
	for _, e := range sorted {
		if err := w.Add(keys.NewEncodedKey(e.Key, e.Seq, e.Kind), e.Value); err != nil {
			w.Close()
			return nil, err
		}
		if e.Seq < smallestSeq {
			smallestSeq = e.Seq
		}
		if e.Seq > largestSeq {
			largestSeq = e.Seq
		}
		if e.Seq > b.lastSeq {
			b.lastSeq = e.Seq
		}
	}

	meta := &FileMetadata{
		FileNum:     fileNum,
		SmallestKey: append(keys.EncodedKey(nil), w.SmallestKey()...),
		LargestKey:  append(keys.EncodedKey(nil), w.LargestKey()...),
		SmallestSeq: smallestSeq,
		LargestSeq:  largestSeq,
		NumEntries:  w.NumEntries(),
	}

	if err := w.Finish(); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	meta.Size = uint64(info.Size())

	edit := &VersionEdit{}
	edit.AddFile(level, meta)
	edit.SetLastSequence(b.lastSeq)
	edit.SetNextFileNumber(b.nextFileNum)
	if err := b.manifest.WriteVersionEdit(edit); err != nil {
		return nil, err
	}
	return meta, nil
}

// MoveTable records a table moving between levels, the shape of edit a
// writer's trivial compaction produces.
func (b *ImageBuilder) MoveTable(meta *FileMetadata, fromLevel, toLevel int) error {
	edit := &VersionEdit{}
	edit.RemoveFile(fromLevel, meta.FileNum)
	edit.AddFile(toLevel, meta)
	return b.manifest.WriteVersionEdit(edit)
}

// RemoveTable records a table leaving a level without a replacement.
func (b *ImageBuilder) RemoveTable(level int, fileNum uint64) error {
	edit := &VersionEdit{}
	edit.RemoveFile(level, fileNum)
	return b.manifest.WriteVersionEdit(edit)
}

// WriteEdit appends an arbitrary edit, for callers shaping manifest
// histories directly.
func (b *ImageBuilder) WriteEdit(edit *VersionEdit) error {
	return b.manifest.WriteVersionEdit(edit)
}

// LastSequence returns the highest sequence written so far.
func (b *ImageBuilder) LastSequence() uint64 {
	return b.lastSeq
}

// Sync flushes the manifest to disk so an attached reader can see the
// edits.
func (b *ImageBuilder) Sync() error {
	return b.manifest.Sync()
}

// Close finishes the image.
func (b *ImageBuilder) Close() error {
	return b.manifest.Close()
}
