package keys

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// UserKey represents a user-provided key (raw bytes without sequence/kind)
type UserKey []byte

// Compare compares two user keys
func (uk UserKey) Compare(other UserKey) int {
	return bytes.Compare([]byte(uk), []byte(other))
}

// String returns the string representation of the user key
func (uk UserKey) String() string {
	return string(uk)
}

var (
	// ErrCorruption is returned when data corruption is detected
	ErrCorruption = errors.New("data corruption detected")
)

// Kind represents the type of a key-value record.
type Kind uint8

const (
	// KindSet indicates a set operation
	KindSet Kind = 1

	// KindDelete indicates a delete operation (tombstone)
	KindDelete Kind = 2

	// KindSeek is used for lookup keys. Following LevelDB: seeks use
	// the highest-numbered kind so a lookup key sorts before any real
	// entry with the same user key and sequence.
	KindSeek Kind = 3

	// KeyFootLen is the number of bytes in a key's footer: 56 bits of
	// sequence packed with 8 bits of Kind.
	KeyFootLen = 8

	// MaxSequenceNumber is the maximum possible sequence number,
	// (1 << 56) - 1 as in LevelDB.
	MaxSequenceNumber = (uint64(1) << 56) - 1
)

// Range represents iteration bounds. Start is inclusive, Limit is
// exclusive. A nil bound means unbounded on that side.
type Range struct {
	Start EncodedKey
	Limit EncodedKey
}

// NewRange turns user keys into internal keys used for bounds checking.
// A nil user key stays a nil bound, keeping that side unbounded.
func NewRange(start, limit UserKey) *Range {
	r := &Range{}
	if start != nil {
		r.Start = NewEncodedKey(start, MaxSequenceNumber, KindSeek)
	}
	if limit != nil {
		r.Limit = NewEncodedKey(limit, MaxSequenceNumber, KindSeek)
	}
	return r
}

// IsValidUserKey checks if a user key is valid. Must be non-empty and
// not too big.
func IsValidUserKey(key UserKey) bool {
	return len(key) > 0 && len(key) <= 1024*1024 // Max 1MB key size
}

// EncodedKey is an internal key: user key bytes followed by an 8-byte
// footer packing the sequence number and kind.
type EncodedKey []byte

func NewEncodedKey(key []byte, seq uint64, kind Kind) EncodedKey {
	size := len(key) + KeyFootLen
	b := make([]byte, size)
	copy(b, key)
	// pack kind into the low byte, leaving 56 bits for seq
	p := (seq << 8) | uint64(kind)
	binary.LittleEndian.PutUint64(b[len(key):len(key)+KeyFootLen], p)
	return b
}

// NewQueryKey creates a lookup key for the given user key at the
// latest possible sequence.
func NewQueryKey(userKey []byte) EncodedKey {
	return NewEncodedKey(userKey, MaxSequenceNumber, KindSeek)
}

// NewSnapshotKey creates a lookup key bound to a specific sequence
// number, so entries newer than seq are invisible to the search.
func NewSnapshotKey(userKey []byte, seq uint64) EncodedKey {
	return NewEncodedKey(userKey, seq, KindSeek)
}

func (ek EncodedKey) UserKey() UserKey {
	return UserKey(ek[:len(ek)-KeyFootLen])
}

func (ek EncodedKey) Seq() uint64 {
	offset := len(ek) - KeyFootLen
	p := binary.LittleEndian.Uint64(ek[offset:])
	return p >> 8
}

func (ek EncodedKey) Kind() Kind {
	offset := len(ek) - KeyFootLen
	p := binary.LittleEndian.Uint64(ek[offset:])
	return Kind(p & 0xff)
}

// Compare orders internal keys by user key ascending, then sequence
// descending (newer entries first), then kind descending.
func (ek EncodedKey) Compare(o EncodedKey) int {
	uk := ek.UserKey()
	ok := o.UserKey()

	ukcmp := bytes.Compare(uk, ok)
	if ukcmp != 0 {
		return ukcmp
	}

	if ek.Seq() > o.Seq() {
		return -1
	} else if ek.Seq() < o.Seq() {
		return 1
	}

	if ek.Kind() > o.Kind() {
		return -1
	} else if ek.Kind() < o.Kind() {
		return 1
	}
	return 0
}
