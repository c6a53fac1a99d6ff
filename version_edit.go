package replidb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/twlk9/replidb/keys"
)

// Version edit field tags
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagAddFile        = 5
	tagRemoveFile     = 6
)

// VersionEdit describes a delta between two versions: files added and
// removed per level, plus bookkeeping fields the writer process bumps
// as it goes.
type VersionEdit struct {
	comparatorName string
	hasComparator  bool

	logNumber    uint64
	hasLogNumber bool

	nextFileNumber    uint64
	hasNextFileNumber bool

	lastSequence    uint64
	hasLastSequence bool

	addFiles    map[int][]*FileMetadata
	removeFiles map[int][]uint64
}

// NewVersionEdit creates an empty version edit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{
		addFiles:    make(map[int][]*FileMetadata),
		removeFiles: make(map[int][]uint64),
	}
}

// SetComparatorName records the comparator the image was built with.
func (e *VersionEdit) SetComparatorName(name string) {
	e.comparatorName = name
	e.hasComparator = true
}

// SetLogNumber records the writer's current log file number.
func (e *VersionEdit) SetLogNumber(num uint64) {
	e.logNumber = num
	e.hasLogNumber = true
}

// SetNextFileNumber records the next file number the writer will use.
func (e *VersionEdit) SetNextFileNumber(num uint64) {
	e.nextFileNumber = num
	e.hasNextFileNumber = true
}

// SetLastSequence records the highest sequence number covered by the
// edit.
func (e *VersionEdit) SetLastSequence(seq uint64) {
	e.lastSequence = seq
	e.hasLastSequence = true
}

// AddFile records a file addition at the given level.
func (e *VersionEdit) AddFile(level int, file *FileMetadata) {
	if e.addFiles == nil {
		e.addFiles = make(map[int][]*FileMetadata)
	}
	e.addFiles[level] = append(e.addFiles[level], file)
}

// RemoveFile records a file removal at the given level.
func (e *VersionEdit) RemoveFile(level int, fileNum uint64) {
	if e.removeFiles == nil {
		e.removeFiles = make(map[int][]uint64)
	}
	e.removeFiles[level] = append(e.removeFiles[level], fileNum)
}

// Encode serializes the edit as tagged fields, little-endian.
func (e *VersionEdit) Encode() []byte {
	var buf bytes.Buffer

	if e.hasComparator {
		buf.WriteByte(tagComparator)
		binary.Write(&buf, binary.LittleEndian, uint32(len(e.comparatorName)))
		buf.WriteString(e.comparatorName)
	}
	if e.hasLogNumber {
		buf.WriteByte(tagLogNumber)
		binary.Write(&buf, binary.LittleEndian, e.logNumber)
	}
	if e.hasNextFileNumber {
		buf.WriteByte(tagNextFileNumber)
		binary.Write(&buf, binary.LittleEndian, e.nextFileNumber)
	}
	if e.hasLastSequence {
		buf.WriteByte(tagLastSequence)
		binary.Write(&buf, binary.LittleEndian, e.lastSequence)
	}

	for level, files := range e.addFiles {
		for _, file := range files {
			buf.WriteByte(tagAddFile)
			binary.Write(&buf, binary.LittleEndian, uint32(level))
			binary.Write(&buf, binary.LittleEndian, file.FileNum)
			binary.Write(&buf, binary.LittleEndian, file.Size)
			binary.Write(&buf, binary.LittleEndian, uint32(len(file.SmallestKey)))
			buf.Write(file.SmallestKey)
			binary.Write(&buf, binary.LittleEndian, uint32(len(file.LargestKey)))
			buf.Write(file.LargestKey)
			binary.Write(&buf, binary.LittleEndian, file.NumEntries)
			binary.Write(&buf, binary.LittleEndian, file.SmallestSeq)
			binary.Write(&buf, binary.LittleEndian, file.LargestSeq)
		}
	}

	for level, fileNums := range e.removeFiles {
		for _, fileNum := range fileNums {
			buf.WriteByte(tagRemoveFile)
			binary.Write(&buf, binary.LittleEndian, uint32(level))
			binary.Write(&buf, binary.LittleEndian, fileNum)
		}
	}

	return buf.Bytes()
}

// DecodeVersionEdit parses a tagged-field payload into a VersionEdit.
func DecodeVersionEdit(data []byte) (*VersionEdit, error) {
	edit := NewVersionEdit()
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		tag, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}

		switch tag {
		case tagComparator:
			var nameLen uint32
			if err := binary.Read(buf, binary.LittleEndian, &nameLen); err != nil {
				return nil, err
			}
			name := make([]byte, nameLen)
			if _, err := io.ReadFull(buf, name); err != nil {
				return nil, err
			}
			edit.SetComparatorName(string(name))

		case tagLogNumber:
			var num uint64
			if err := binary.Read(buf, binary.LittleEndian, &num); err != nil {
				return nil, err
			}
			edit.SetLogNumber(num)

		case tagNextFileNumber:
			var num uint64
			if err := binary.Read(buf, binary.LittleEndian, &num); err != nil {
				return nil, err
			}
			edit.SetNextFileNumber(num)

		case tagLastSequence:
			var seq uint64
			if err := binary.Read(buf, binary.LittleEndian, &seq); err != nil {
				return nil, err
			}
			edit.SetLastSequence(seq)

		case tagAddFile:
			var level uint32
			if err := binary.Read(buf, binary.LittleEndian, &level); err != nil {
				return nil, err
			}

			var fileNum, fileSize uint64
			if err := binary.Read(buf, binary.LittleEndian, &fileNum); err != nil {
				return nil, err
			}
			if err := binary.Read(buf, binary.LittleEndian, &fileSize); err != nil {
				return nil, err
			}

			var smallestKeyLen uint32
			if err := binary.Read(buf, binary.LittleEndian, &smallestKeyLen); err != nil {
				return nil, err
			}
			smallestKey := make([]byte, smallestKeyLen)
			if _, err := io.ReadFull(buf, smallestKey); err != nil {
				return nil, err
			}

			var largestKeyLen uint32
			if err := binary.Read(buf, binary.LittleEndian, &largestKeyLen); err != nil {
				return nil, err
			}
			largestKey := make([]byte, largestKeyLen)
			if _, err := io.ReadFull(buf, largestKey); err != nil {
				return nil, err
			}

			var numEntries, smallestSeq, largestSeq uint64
			if err := binary.Read(buf, binary.LittleEndian, &numEntries); err != nil {
				return nil, err
			}
			if err := binary.Read(buf, binary.LittleEndian, &smallestSeq); err != nil {
				return nil, err
			}
			if err := binary.Read(buf, binary.LittleEndian, &largestSeq); err != nil {
				return nil, err
			}

			// A file always has a key range.
			if len(smallestKey) == 0 || len(largestKey) == 0 {
				return nil, fmt.Errorf("file %d has empty key range: %w", fileNum, ErrCorruption)
			}

			edit.AddFile(int(level), &FileMetadata{
				FileNum:     fileNum,
				Size:        fileSize,
				SmallestKey: keys.EncodedKey(smallestKey),
				LargestKey:  keys.EncodedKey(largestKey),
				NumEntries:  numEntries,
				SmallestSeq: smallestSeq,
				LargestSeq:  largestSeq,
			})

		case tagRemoveFile:
			var level uint32
			if err := binary.Read(buf, binary.LittleEndian, &level); err != nil {
				return nil, err
			}
			var fileNum uint64
			if err := binary.Read(buf, binary.LittleEndian, &fileNum); err != nil {
				return nil, err
			}
			edit.RemoveFile(int(level), fileNum)

		default:
			return nil, fmt.Errorf("unknown version edit tag %d: %w", tag, ErrCorruption)
		}
	}

	return edit, nil
}
