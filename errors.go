package replidb

import (
	"errors"

	"github.com/twlk9/replidb/keys"
)

// Error definitions for the engine.
// Standard Go practice - define all your errors in one place so they're easy to find.
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrDBClosed is returned when operating on a closed database
	ErrDBClosed = errors.New("database is closed")

	// ErrClosed is returned when operating on a closed resource
	ErrClosed = errors.New("resource is closed")

	// ErrCorruption is returned when data corruption is detected
	ErrCorruption = keys.ErrCorruption

	// ErrIOError is returned when an I/O error occurs
	ErrIOError = errors.New("I/O error")

	// ErrNotSupported is returned for mutating operations on a
	// readonly database
	ErrNotSupported = errors.New("operation not supported")

	// ErrBufferFull is returned when a caller-supplied scratch buffer
	// is too small for the value
	ErrBufferFull = errors.New("buffer full")

	// ErrInvalidKey is returned when a key is invalid
	ErrInvalidKey = errors.New("invalid key")

	// ErrSnapshotReleased is returned when reading through a released snapshot
	ErrSnapshotReleased = errors.New("snapshot already released")

	// Configuration validation errors
	ErrInvalidPath                 = errors.New("invalid database path")
	ErrInvalidMaxLevels            = errors.New("invalid max levels")
	ErrInvalidMaxOpenFiles         = errors.New("invalid max open files")
	ErrInvalidBlockCacheSize       = errors.New("invalid block cache size")
	ErrInvalidBlockSize            = errors.New("invalid block size")
	ErrInvalidBlockRestartInterval = errors.New("invalid block restart interval")
)
