package lgkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotHidesLaterWrites(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("1")))
	snap, err := db.NewSnapshot()
	require.NoError(t, err)
	defer snap.Release()
	require.Equal(t, uint64(2), snap.Seq())

	require.NoError(t, db.Put([]byte("a"), []byte("2")))
	require.NoError(t, db.Delete([]byte("b")))
	require.NoError(t, db.Put([]byte("c"), []byte("2")))

	v, found, err := snap.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	_, found, err = snap.Get([]byte("c"))
	require.NoError(t, err)
	require.False(t, found)

	ks, err := snap.Keys(nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, ks)

	ks, err = db.Keys(nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("c")}, ks)
}

func TestSnapshotAcrossFlush(t *testing.T) {
	db := openDB(t, smallOptions(t))
	defer db.Close()

	for i := range 100 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	snap, err := db.NewSnapshot()
	require.NoError(t, err)
	defer snap.Release()

	for i := range 100 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 1)))
	}
	require.NoError(t, db.Flush())
	db.WaitForCompaction()

	it, err := snap.Scan(testKey(10), testKey(20))
	require.NoError(t, err)
	n := 0
	for ; it.Valid(); it.Next() {
		require.Equal(t, testKey(10+n), it.Key())
		require.Equal(t, testValue(10+n, 0), it.Value())
		n++
	}
	require.NoError(t, it.Close())
	require.Equal(t, 10, n)
	require.Equal(t, testValue(15, 1), mustGet(t, db, testKey(15)))
}

func TestReleasedSnapshot(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	snap, err := db.NewSnapshot()
	require.NoError(t, err)
	require.Equal(t, 1, db.Stats().Snapshots)
	snap.Release()
	snap.Release()
	require.Zero(t, db.Stats().Snapshots)

	_, _, err = snap.Get([]byte("k"))
	require.ErrorIs(t, err, ErrSnapshotReleased)
	_, err = snap.Scan(nil, nil)
	require.ErrorIs(t, err, ErrSnapshotReleased)
}

func TestOldestSnapshotWins(t *testing.T) {
	var l snapshotList
	require.Equal(t, uint64(9), l.oldest(9))
	a := &Snapshot{seq: 3}
	b := &Snapshot{seq: 5}
	c := &Snapshot{seq: 1}
	d := &Snapshot{seq: 4}
	l.add(a)
	l.add(b)
	l.add(c)
	l.add(d)
	require.Equal(t, uint64(1), l.oldest(9))

	var seqs []uint64
	for e := l.list.Front(); e != nil; e = e.Next() {
		seqs = append(seqs, e.Value.(*Snapshot).seq)
	}
	require.Equal(t, []uint64{1, 3, 4, 5}, seqs)

	l.remove(c)
	require.Equal(t, uint64(3), l.oldest(9))
	l.remove(a)
	require.Equal(t, uint64(4), l.oldest(9))
	l.remove(d)
	l.remove(b)
	require.Equal(t, 0, l.len())
}

func TestSnapshotAtClockTimestamp(t *testing.T) {
	opts := testOptions(t)
	opts.ClockSequence = true
	db := openDB(t, opts)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	ts := ClockSeq()
	require.NoError(t, db.Put([]byte("b"), []byte("1")))
	require.NoError(t, db.Put([]byte("a"), []byte("2")))
	require.Greater(t, db.LastSequence(), ts)

	snap, err := db.SnapshotAt(ts)
	require.NoError(t, err)
	defer snap.Release()

	ks, err := snap.Keys(nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a")}, ks)
	v, found, err := snap.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	ks, err = db.Keys(nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, ks)
}

func TestSnapshotAtClampsToLastSequence(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	snap, err := db.SnapshotAt(1 << 40)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Seq())
	snap.Release()

	old, err := db.SnapshotAt(0)
	require.NoError(t, err)
	defer old.Release()
	now, err := db.NewSnapshot()
	require.NoError(t, err)
	defer now.Release()

	// compaction must honour the older snapshot even though it was
	// registered first
	require.Equal(t, uint64(0), db.snapshots.oldest(db.LastSequence()))
	ks, err := old.Keys(nil, nil)
	require.NoError(t, err)
	require.Empty(t, ks)

	require.NoError(t, db.Close())
	_, err = db.SnapshotAt(1)
	require.ErrorIs(t, err, ErrDBClosed)
}

func TestClockSequenceSurvivesReopen(t *testing.T) {
	opts := testOptions(t)
	opts.ClockSequence = true
	db := openDB(t, opts)

	before := ClockSeq()
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	first := db.LastSequence()
	require.Greater(t, first, before)
	require.NoError(t, db.Close())

	// a clock behind the stored sequence does not move it backwards
	lastClock.Store(0)
	opts.ClockSequence = false
	db = openDB(t, opts)
	require.NoError(t, db.Put([]byte("b"), []byte("1")))
	require.Equal(t, first+1, db.LastSequence())
	require.NoError(t, db.Close())

	opts.ClockSequence = true
	db = openDB(t, opts)
	defer db.Close()
	require.NoError(t, db.Put([]byte("c"), []byte("1")))
	require.Greater(t, db.LastSequence(), first+1)
}
