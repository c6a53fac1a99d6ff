package replidb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twlk9/replidb/keys"
)

// memEntry and memIterator give the merge iterator an in-memory source
// so its behavior can be pinned down without table files.
type memEntry struct {
	key   keys.EncodedKey
	value []byte
}

type memIterator struct {
	entries []memEntry
	index   int
	closed  bool
}

func newMemIterator(entries ...memEntry) *memIterator {
	return &memIterator{entries: entries, index: -1}
}

func (m *memIterator) Valid() bool { return m.index >= 0 && m.index < len(m.entries) }
func (m *memIterator) SeekToFirst() {
	m.index = 0
}
func (m *memIterator) Seek(target keys.EncodedKey) {
	m.index = len(m.entries)
	for i, e := range m.entries {
		if e.key.Compare(target) >= 0 {
			m.index = i
			break
		}
	}
}
func (m *memIterator) Next() { m.index++ }
func (m *memIterator) Key() keys.EncodedKey {
	if !m.Valid() {
		return nil
	}
	return m.entries[m.index].key
}
func (m *memIterator) Value() []byte {
	if !m.Valid() {
		return nil
	}
	return m.entries[m.index].value
}
func (m *memIterator) Error() error { return nil }
func (m *memIterator) Close() error { m.closed = true; return nil }

func entry(key string, seq uint64, kind keys.Kind, value string) memEntry {
	return memEntry{key: keys.NewEncodedKey([]byte(key), seq, kind), value: []byte(value)}
}

func collect(t *testing.T, it *MergeIterator) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out[string(it.Key().UserKey())] = string(it.Value())
	}
	require.NoError(t, it.Error())
	return out
}

func TestMergeIteratorNewestVersionWins(t *testing.T) {
	newer := newMemIterator(
		entry("a", 9, keys.KindSet, "a-new"),
		entry("c", 8, keys.KindSet, "c-new"),
	)
	older := newMemIterator(
		entry("a", 2, keys.KindSet, "a-old"),
		entry("b", 3, keys.KindSet, "b-old"),
		entry("c", 1, keys.KindSet, "c-old"),
	)

	it := NewMergeIterator(nil, false, 0, 2)
	it.AddIterator(newer)
	it.AddIterator(older)
	defer it.Close()

	require.Equal(t, map[string]string{
		"a": "a-new",
		"b": "b-old",
		"c": "c-new",
	}, collect(t, it))
}

func TestMergeIteratorSuppressesTombstones(t *testing.T) {
	newer := newMemIterator(
		entry("a", 9, keys.KindDelete, ""),
	)
	older := newMemIterator(
		entry("a", 2, keys.KindSet, "a-old"),
		entry("b", 3, keys.KindSet, "b-old"),
	)

	it := NewMergeIterator(nil, false, 0, 2)
	it.AddIterator(newer)
	it.AddIterator(older)
	defer it.Close()

	require.Equal(t, map[string]string{"b": "b-old"}, collect(t, it))
}

func TestMergeIteratorExposesTombstonesWhenAsked(t *testing.T) {
	src := newMemIterator(
		entry("a", 9, keys.KindDelete, ""),
		entry("b", 3, keys.KindSet, "b"),
	)

	it := NewMergeIterator(nil, true, 0, 1)
	it.AddIterator(src)
	defer it.Close()

	it.SeekToFirst()
	require.True(t, it.Valid())
	require.Equal(t, keys.KindDelete, it.Key().Kind())
}

func TestMergeIteratorSequenceVisibility(t *testing.T) {
	src := newMemIterator(
		entry("a", 9, keys.KindSet, "a-v9"),
		entry("a", 4, keys.KindSet, "a-v4"),
		entry("b", 8, keys.KindSet, "b-v8"),
	)

	it := NewMergeIterator(nil, false, 5, 1)
	it.AddIterator(src)
	defer it.Close()

	// At seq 5 the seq-9 write of "a" and the seq-8 write of "b" are
	// invisible.
	require.Equal(t, map[string]string{"a": "a-v4"}, collect(t, it))
}

func TestMergeIteratorBounds(t *testing.T) {
	src := newMemIterator(
		entry("a", 1, keys.KindSet, "a"),
		entry("b", 2, keys.KindSet, "b"),
		entry("c", 3, keys.KindSet, "c"),
		entry("d", 4, keys.KindSet, "d"),
	)

	it := NewMergeIterator(keys.NewRange([]byte("b"), []byte("d")), false, 0, 1)
	it.AddIterator(src)
	defer it.Close()

	var order []string
	for it.Seek(keys.NewQueryKey([]byte("b"))); it.Valid(); it.Next() {
		order = append(order, string(it.Key().UserKey()))
	}
	require.Equal(t, []string{"b", "c"}, order)
}

func TestMergeIteratorSeek(t *testing.T) {
	src := newMemIterator(
		entry("a", 1, keys.KindSet, "a"),
		entry("c", 3, keys.KindSet, "c"),
	)

	it := NewMergeIterator(nil, false, 0, 1)
	it.AddIterator(src)
	defer it.Close()

	it.Seek(keys.NewQueryKey([]byte("b")))
	require.True(t, it.Valid())
	require.Equal(t, []byte("c"), []byte(it.Key().UserKey()))
}

func TestMergeIteratorCloseClosesSources(t *testing.T) {
	a := newMemIterator(entry("a", 1, keys.KindSet, "a"))
	b := newMemIterator(entry("b", 2, keys.KindSet, "b"))

	it := NewMergeIterator(nil, false, 0, 2)
	it.AddIterator(a)
	it.AddIterator(b)
	require.NoError(t, it.Close())
	require.True(t, a.closed)
	require.True(t, b.closed)
}
