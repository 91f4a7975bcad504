package lgkv

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twlk9/lgkv/keys"
)

type entry struct {
	key   string
	seq   uint64
	kind  keys.Kind
	value string
}

// sliceIter is an InternalIterator over a fixed, sorted entry list.
type sliceIter struct {
	keys   []keys.EncodedKey
	values [][]byte
	pos    int
	err    error
	closed bool
}

func newSliceIter(entries ...entry) *sliceIter {
	it := &sliceIter{pos: -1}
	slices.SortFunc(entries, func(a, b entry) int {
		return keys.NewEncodedKey([]byte(a.key), a.seq, a.kind).Compare(keys.NewEncodedKey([]byte(b.key), b.seq, b.kind))
	})
	for _, e := range entries {
		it.keys = append(it.keys, keys.NewEncodedKey([]byte(e.key), e.seq, e.kind))
		it.values = append(it.values, []byte(e.value))
	}
	return it
}

func (it *sliceIter) Valid() bool { return it.err == nil && it.pos >= 0 && it.pos < len(it.keys) }
func (it *sliceIter) SeekToFirst() { it.pos = 0 }
func (it *sliceIter) SeekToLast()  { it.pos = len(it.keys) - 1 }
func (it *sliceIter) Seek(target keys.EncodedKey) {
	it.pos = len(it.keys)
	for i, k := range it.keys {
		if k.Compare(target) >= 0 {
			it.pos = i
			return
		}
	}
}
func (it *sliceIter) Next()                { it.pos++ }
func (it *sliceIter) Prev()                { it.pos-- }
func (it *sliceIter) Key() keys.EncodedKey { return it.keys[it.pos] }
func (it *sliceIter) Value() []byte        { return it.values[it.pos] }
func (it *sliceIter) Error() error         { return it.err }
func (it *sliceIter) Close() error         { it.closed = true; return nil }

func collect(it *MergeIterator) []string {
	var out []string
	for ; it.Valid(); it.Next() {
		out = append(out, string(it.Key().UserKey())+"="+string(it.Value()))
	}
	return out
}

func collectReverse(it *MergeIterator) []string {
	var out []string
	for ; it.Valid(); it.Prev() {
		out = append(out, string(it.Key().UserKey())+"="+string(it.Value()))
	}
	return out
}

func TestMergingIterReturnsEveryVersion(t *testing.T) {
	a := newSliceIter(entry{"a", 3, keys.KindSet, "a3"}, entry{"c", 1, keys.KindSet, "c1"})
	b := newSliceIter(entry{"a", 1, keys.KindSet, "a1"}, entry{"b", 2, keys.KindDelete, ""})
	m := newMergingIter([]InternalIterator{a, b})

	var got []string
	for m.SeekToFirst(); m.Valid(); m.Next() {
		got = append(got, string(m.Value()))
	}
	require.NoError(t, m.Error())
	require.Equal(t, []string{"a3", "a1", "", "c1"}, got)
	require.NoError(t, m.Close())
	require.True(t, a.closed)
	require.True(t, b.closed)
}

func TestMergeIteratorNewestWins(t *testing.T) {
	mem := newSliceIter(
		entry{"a", 10, keys.KindSet, "new"},
		entry{"b", 11, keys.KindDelete, ""},
	)
	l0 := newSliceIter(
		entry{"a", 5, keys.KindSet, "old"},
		entry{"b", 6, keys.KindSet, "b-old"},
		entry{"c", 7, keys.KindSet, "c"},
	)
	l1 := newSliceIter(
		entry{"a", 1, keys.KindSet, "oldest"},
		entry{"d", 2, keys.KindSet, "d"},
	)
	it := NewMergeIterator([]InternalIterator{mem, l0, l1}, nil, keys.MaxSequenceNumber)
	it.SeekToFirst()
	require.Equal(t, []string{"a=new", "c=c", "d=d"}, collect(it))
	require.NoError(t, it.Error())
}

func TestMergeIteratorSequenceCeiling(t *testing.T) {
	src := newSliceIter(
		entry{"a", 10, keys.KindSet, "a10"},
		entry{"a", 4, keys.KindSet, "a4"},
		entry{"b", 8, keys.KindDelete, ""},
		entry{"b", 3, keys.KindSet, "b3"},
		entry{"c", 9, keys.KindSet, "c9"},
	)
	it := NewMergeIterator([]InternalIterator{src}, nil, 5)
	it.SeekToFirst()
	require.Equal(t, []string{"a=a4", "b=b3"}, collect(it))
}

func TestMergeIteratorBoundsAndSeek(t *testing.T) {
	var es []entry
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		es = append(es, entry{k, 1, keys.KindSet, k})
	}
	it := NewMergeIterator([]InternalIterator{newSliceIter(es...)}, keys.NewRange([]byte("b"), []byte("e")), 10)
	it.SeekToFirst()
	require.Equal(t, []string{"b=b", "c=c", "d=d"}, collect(it))

	it.Seek(keys.NewQueryKey([]byte("a")))
	require.True(t, it.Valid())
	require.Equal(t, "b", string(it.Key().UserKey()))

	it.Seek(keys.NewQueryKey([]byte("cc")))
	require.Equal(t, "d", string(it.Key().UserKey()))

	it.Seek(keys.NewQueryKey([]byte("e")))
	require.False(t, it.Valid())
}

func TestMergeIteratorPropagatesError(t *testing.T) {
	bad := newSliceIter(entry{"a", 1, keys.KindSet, "a"})
	bad.err = errors.New("boom")
	it := NewMergeIterator([]InternalIterator{newSliceIter(entry{"b", 2, keys.KindSet, "b"}), bad}, nil, 10)
	it.SeekToFirst()
	require.False(t, it.Valid())
	require.EqualError(t, it.Error(), "boom")
}

func TestMergingIterReverse(t *testing.T) {
	a := newSliceIter(entry{"a", 3, keys.KindSet, "a3"}, entry{"c", 1, keys.KindSet, "c1"}, entry{"e", 1, keys.KindSet, "e1"})
	b := newSliceIter(entry{"a", 1, keys.KindSet, "a1"}, entry{"b", 2, keys.KindDelete, ""}, entry{"d", 1, keys.KindSet, "d1"})
	m := newMergingIter([]InternalIterator{a, b})

	var got []string
	for m.SeekToLast(); m.Valid(); m.Prev() {
		got = append(got, string(m.Value()))
	}
	require.NoError(t, m.Error())
	require.Equal(t, []string{"e1", "d1", "c1", "", "a1", "a3"}, got)

	// turning around mid-stream keeps every child in step
	m.Seek(keys.NewQueryKey([]byte("c")))
	require.Equal(t, "c1", string(m.Value()))
	m.Prev()
	require.Equal(t, "", string(m.Value()))
	m.Prev()
	require.Equal(t, "a1", string(m.Value()))
	m.Next()
	require.Equal(t, "", string(m.Value()))
	m.Next()
	require.Equal(t, "c1", string(m.Value()))
	m.Next()
	require.Equal(t, "d1", string(m.Value()))
	m.Prev()
	require.Equal(t, "c1", string(m.Value()))
}

func TestMergeIteratorReverse(t *testing.T) {
	mem := newSliceIter(
		entry{"a", 10, keys.KindSet, "new"},
		entry{"b", 11, keys.KindDelete, ""},
	)
	l0 := newSliceIter(
		entry{"a", 5, keys.KindSet, "old"},
		entry{"b", 6, keys.KindSet, "b-old"},
		entry{"c", 7, keys.KindSet, "c"},
	)
	l1 := newSliceIter(
		entry{"a", 1, keys.KindSet, "oldest"},
		entry{"d", 2, keys.KindSet, "d"},
	)
	it := NewMergeIterator([]InternalIterator{mem, l0, l1}, nil, keys.MaxSequenceNumber)
	it.SeekToLast()
	require.Equal(t, []string{"d=d", "c=c", "a=new"}, collectReverse(it))
	require.NoError(t, it.Error())

	// at seq 6 the tombstone on b is not yet written
	it = NewMergeIterator([]InternalIterator{mem, l0, l1}, nil, 6)
	it.SeekToLast()
	require.Equal(t, []string{"d=d", "b=b-old", "a=old"}, collectReverse(it))

	it = NewMergeIterator([]InternalIterator{mem, l0, l1}, nil, keys.MaxSequenceNumber)
	it.Seek(keys.NewQueryKey([]byte("c")))
	require.Equal(t, "c", string(it.Key().UserKey()))
	it.Prev()
	require.Equal(t, "a=new", string(it.Key().UserKey())+"="+string(it.Value()))
	it.Next()
	require.Equal(t, "c", string(it.Key().UserKey()))
	it.Next()
	require.Equal(t, "d", string(it.Key().UserKey()))
	it.Prev()
	require.Equal(t, "c", string(it.Key().UserKey()))
	it.Prev()
	it.Prev()
	require.False(t, it.Valid())
	require.NoError(t, it.Error())
}

func TestMergeIteratorReverseBounds(t *testing.T) {
	var es []entry
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		es = append(es, entry{k, 1, keys.KindSet, k})
	}
	it := NewMergeIterator([]InternalIterator{newSliceIter(es...)}, keys.NewRange([]byte("b"), []byte("e")), 10)
	it.SeekToLast()
	require.Equal(t, []string{"d=d", "c=c", "b=b"}, collectReverse(it))

	it.SeekToFirst()
	it.Prev()
	require.False(t, it.Valid())
}
