package replidb

// Snapshot pins reads to a point in the sequence history. The readonly
// engine serves the latest replayed state only, so GetSnapshot returns
// nil and a nil snapshot means "read the newest data". The type exists
// so read options can pin an explicit sequence, which tests and
// follow-mode tooling use to compare states across reloads.
type Snapshot struct {
	seq uint64
}

// Sequence returns the sequence number this snapshot pins.
func (s *Snapshot) Sequence() uint64 {
	if s == nil {
		return 0
	}
	return s.seq
}

// GetSnapshot returns nil. Only the latest replayed state is readable.
func (db *DB) GetSnapshot() *Snapshot {
	return nil
}

// ReleaseSnapshot is a no-op matching GetSnapshot.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
}
