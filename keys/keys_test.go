package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodedKeyRoundTrip(t *testing.T) {
	k := NewEncodedKey([]byte("hello"), 12345, KindSet)
	require.Equal(t, UserKey("hello"), k.UserKey())
	require.Equal(t, uint64(12345), k.Seq())
	require.Equal(t, KindSet, k.Kind())

	k = NewEncodedKey([]byte("x"), MaxSequenceNumber, KindDelete)
	require.Equal(t, MaxSequenceNumber, k.Seq())
	require.Equal(t, KindDelete, k.Kind())
}

func TestCompareOrdersUserKeysAscending(t *testing.T) {
	a := NewEncodedKey([]byte("aaa"), 1, KindSet)
	b := NewEncodedKey([]byte("bbb"), 1, KindSet)
	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))
	require.Zero(t, a.Compare(a))
}

func TestCompareOrdersSequencesDescending(t *testing.T) {
	newer := NewEncodedKey([]byte("k"), 9, KindSet)
	older := NewEncodedKey([]byte("k"), 2, KindSet)
	require.Negative(t, newer.Compare(older), "newer entries sort first")
}

func TestLookupKeySortsBeforeEntriesItCanSee(t *testing.T) {
	lookup := NewSnapshotKey([]byte("k"), 5)
	visible := NewEncodedKey([]byte("k"), 5, KindSet)
	invisible := NewEncodedKey([]byte("k"), 6, KindSet)

	// The first entry >= lookup is the newest one at or below seq 5.
	require.Negative(t, lookup.Compare(visible))
	require.Positive(t, lookup.Compare(invisible))

	query := NewQueryKey([]byte("k"))
	require.Negative(t, query.Compare(visible))
	require.Negative(t, query.Compare(invisible))
}

func TestIsValidUserKey(t *testing.T) {
	require.True(t, IsValidUserKey([]byte("k")))
	require.False(t, IsValidUserKey(nil))
	require.False(t, IsValidUserKey([]byte{}))
	require.False(t, IsValidUserKey(make([]byte, 1024*1024+1)))
}

func TestNewRange(t *testing.T) {
	r := NewRange([]byte("a"), []byte("m"))
	inside := NewEncodedKey([]byte("c"), 1, KindSet)
	require.True(t, r.Start.Compare(inside) < 0)
	require.True(t, r.Limit.Compare(inside) > 0)
}

func TestNewRangeNilBoundsStayUnbounded(t *testing.T) {
	// An encoded nil bound would have an empty user key, turning an
	// unbounded side into an empty range.
	r := NewRange(nil, nil)
	require.Nil(t, r.Start)
	require.Nil(t, r.Limit)

	r = NewRange([]byte("a"), nil)
	require.NotNil(t, r.Start)
	require.Nil(t, r.Limit)

	r = NewRange(nil, []byte("m"))
	require.Nil(t, r.Start)
	require.NotNil(t, r.Limit)
}
