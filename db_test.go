package lgkv

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twlk9/lgkv/compression"
	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/sstable"
	"github.com/twlk9/lgkv/wal"
)

func TestBasicOperations(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	require.NoError(t, db.Put([]byte("test-key"), []byte("test-value")))
	require.Equal(t, []byte("test-value"), mustGet(t, db, []byte("test-key")))

	requireAbsent(t, db, []byte("non-existent"))

	require.NoError(t, db.Delete([]byte("test-key")))
	requireAbsent(t, db, []byte("test-key"))

	// deleting a key that was never written is not an error
	require.NoError(t, db.Delete([]byte("never-written")))
}

func TestUpdatesOverwrite(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	for gen := range 5 {
		require.NoError(t, db.Put([]byte("k"), testValue(0, gen)))
		require.Equal(t, testValue(0, gen), mustGet(t, db, []byte("k")))
	}
}

func TestInvalidArguments(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	require.ErrorIs(t, db.Put(nil, []byte("v")), ErrInvalidKey)
	require.ErrorIs(t, db.Put([]byte{}, []byte("v")), ErrInvalidKey)
	require.ErrorIs(t, db.Delete(nil), ErrInvalidKey)
	_, _, err := db.Get(nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = db.Scan([]byte("z"), []byte("a"))
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestReadAfterWriteAcrossFlushes(t *testing.T) {
	db := openDB(t, smallOptions(t))
	defer db.Close()

	for i := range 500 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
		require.Equal(t, testValue(i, 0), mustGet(t, db, testKey(i)))
	}
	for i := range 500 {
		require.Equal(t, testValue(i, 0), mustGet(t, db, testKey(i)))
	}
	stats := db.Stats()
	require.Positive(t, stats.LastSequence)
	require.Equal(t, uint64(500), stats.LastSequence)
}

func TestTombstoneHidesLowerLevels(t *testing.T) {
	db := openDB(t, smallOptions(t))
	defer db.Close()

	for i := range 200 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	// push the values to the bottom level
	require.NoError(t, db.CompactAll())
	stats := db.Stats()
	require.Positive(t, stats.LevelFiles[len(stats.LevelFiles)-1])

	for i := 0; i < 200; i += 2 {
		require.NoError(t, db.Delete(testKey(i)))
	}
	// tombstones only in the memtable
	for i := range 200 {
		if i%2 == 0 {
			requireAbsent(t, db, testKey(i))
		} else {
			require.Equal(t, testValue(i, 0), mustGet(t, db, testKey(i)))
		}
	}

	// tombstones in L0, values still at the bottom
	require.NoError(t, db.Flush())
	for i := 0; i < 200; i += 2 {
		requireAbsent(t, db, testKey(i))
	}
	ks, _ := scanAll(t, db)
	require.Len(t, ks, 100)
	for j, k := range ks {
		require.Equal(t, testKey(2*j+1), k)
	}
}

func TestScanOrderAndBounds(t *testing.T) {
	db := openDB(t, smallOptions(t))
	defer db.Close()

	// interleave writes so data is spread over memtable, L0 and L1
	for i := 0; i < 300; i += 3 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	require.NoError(t, db.CompactAll())
	for i := 1; i < 300; i += 3 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	require.NoError(t, db.Flush())
	for i := 2; i < 300; i += 3 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}

	ks, vs := scanAll(t, db)
	require.Len(t, ks, 300)
	for i := range ks {
		require.Equal(t, testKey(i), ks[i])
		require.Equal(t, testValue(i, 0), vs[i])
	}

	it, err := db.Scan(testKey(100), testKey(110))
	require.NoError(t, err)
	var got [][]byte
	for ; it.Valid(); it.Next() {
		got = append(got, bytes.Clone(it.Key()))
	}
	require.NoError(t, it.Close())
	require.Len(t, got, 10)
	require.Equal(t, testKey(100), got[0])
	require.Equal(t, testKey(109), got[9])

	keys, err := db.Keys(testKey(295), nil)
	require.NoError(t, err)
	require.Equal(t, [][]byte{testKey(295), testKey(296), testKey(297), testKey(298), testKey(299)}, keys)
}

func TestIteratorSeekAndRestart(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	for _, k := range []string{"a", "c", "e", "g"} {
		require.NoError(t, db.Put([]byte(k), []byte("v"+k)))
	}
	it, err := db.Scan(nil, nil)
	require.NoError(t, err)
	defer it.Close()

	it.Seek([]byte("d"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("e"), it.Key())
	require.Equal(t, []byte("ve"), it.Value())

	it.Seek([]byte("z"))
	require.False(t, it.Valid())

	it.SeekToFirst()
	require.True(t, it.Valid())
	require.Equal(t, []byte("a"), it.Key())
}

func TestIteratorDisjointFlushes(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	for _, batch := range [][]string{{"f", "e", "d"}, {"a", "b", "c"}} {
		for _, k := range batch {
			require.NoError(t, db.Put([]byte(k), []byte("v"+k)))
		}
		require.NoError(t, db.Flush())
	}
	require.Equal(t, 2, db.Stats().LevelFiles[0])

	it, err := db.Scan(nil, nil)
	require.NoError(t, err)

	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, got)

	got = got[:0]
	for it.SeekToLast(); it.Valid(); it.Prev() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	require.Equal(t, []string{"f=vf", "e=ve", "d=vd", "c=vc", "b=vb", "a=va"}, got)

	// walk in from both ends, turning around at every step
	front, back := []string{"a", "b", "c"}, []string{"f", "e", "d"}
	it.SeekToFirst()
	for i := range front {
		require.True(t, it.Valid())
		require.Equal(t, []byte(front[i]), it.Key())
		for range 5 - 2*i {
			it.Next()
		}
		require.True(t, it.Valid())
		require.Equal(t, []byte(back[i]), it.Key())
		for range 4 - 2*i {
			it.Prev()
		}
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
}

func TestReverseScanMatchesForward(t *testing.T) {
	db := openDB(t, smallOptions(t))
	defer db.Close()

	rng := rand.New(rand.NewPCG(7, 8))
	for i := range 400 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	for _, i := range rng.Perm(400)[:150] {
		if i%3 == 0 {
			require.NoError(t, db.Delete(testKey(i)))
		} else {
			require.NoError(t, db.Put(testKey(i), testValue(i, 1)))
		}
	}
	require.NoError(t, db.Flush())
	db.WaitForCompaction()
	// a few more so the memtable takes part too
	for i := 390; i < 420; i++ {
		require.NoError(t, db.Put(testKey(i), testValue(i, 2)))
	}

	for _, bounds := range [][2][]byte{{nil, nil}, {testKey(37), testKey(211)}, {testKey(395), nil}} {
		it, err := db.Scan(bounds[0], bounds[1])
		require.NoError(t, err)
		var forward, reverse []string
		for it.SeekToFirst(); it.Valid(); it.Next() {
			forward = append(forward, string(it.Key())+"="+string(it.Value()))
		}
		for it.SeekToLast(); it.Valid(); it.Prev() {
			reverse = append(reverse, string(it.Key())+"="+string(it.Value()))
		}
		require.NoError(t, it.Error())
		require.NoError(t, it.Close())
		require.NotEmpty(t, forward)
		slices.Reverse(reverse)
		require.Equal(t, forward, reverse)
	}
}

func TestIteratorIsolatedFromLaterWrites(t *testing.T) {
	db := openDB(t, testOptions(t))
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	it, err := db.Scan(nil, nil)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("a"), []byte("changed")))
	require.NoError(t, db.Put([]byte("aa"), []byte("new")))
	require.NoError(t, db.Delete([]byte("b")))

	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	require.NoError(t, it.Close())
	require.Equal(t, []string{"a=1", "b=2"}, got)
}

func TestExampleDeleteFlushReopen(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Delete([]byte("a")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	db = openDB(t, opts)
	defer db.Close()
	requireAbsent(t, db, []byte("a"))
	require.Equal(t, []byte("2"), mustGet(t, db, []byte("b")))
}

func TestExampleOverlappingFlushesCompact(t *testing.T) {
	opts := testOptions(t)
	opts.Level0CompactionTrigger = 2
	db := openDB(t, opts)
	defer db.Close()

	for i := range 100 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	require.NoError(t, db.Flush())
	// second flush overlaps the first
	for i := 50; i < 150; i++ {
		require.NoError(t, db.Put(testKey(i), testValue(i, 1)))
	}
	require.NoError(t, db.Flush())
	db.WaitForCompaction()

	stats := db.Stats()
	require.Zero(t, stats.LevelFiles[0])
	require.Positive(t, stats.Compaction.Compactions)

	ks, vs := scanAll(t, db)
	require.Len(t, ks, 150)
	for i := range 150 {
		gen := 0
		if i >= 50 {
			gen = 1
		}
		require.Equal(t, testKey(i), ks[i])
		require.Equal(t, testValue(i, gen), vs[i])
	}
}

func TestReopenPersistsData(t *testing.T) {
	opts := smallOptions(t)
	sv := newStateValidator(t)

	db := openDB(t, opts)
	for i := range 400 {
		sv.put(db, testKey(i), testValue(i, 0))
	}
	for i := 0; i < 400; i += 7 {
		sv.delete(db, testKey(i))
	}
	sv.validate(db)
	require.NoError(t, db.Close())

	db = openDB(t, opts)
	defer db.Close()
	sv.validate(db)
}

func TestOpenOptions(t *testing.T) {
	t.Run("missing without create", func(t *testing.T) {
		opts := testOptions(t)
		opts.Path = filepath.Join(opts.Path, "nope")
		opts.CreateIfMissing = false
		_, err := Open(opts)
		require.ErrorIs(t, err, ErrDBNotFound)
	})

	t.Run("error if exists", func(t *testing.T) {
		opts := testOptions(t)
		db := openDB(t, opts)
		require.NoError(t, db.Close())
		opts.ErrorIfExists = true
		_, err := Open(opts)
		require.ErrorIs(t, err, ErrDBExists)
	})

	t.Run("already open", func(t *testing.T) {
		opts := testOptions(t)
		db := openDB(t, opts)
		defer db.Close()
		_, err := Open(opts)
		require.ErrorIs(t, err, ErrDBAlreadyOpen)
	})

	t.Run("invalid options", func(t *testing.T) {
		opts := testOptions(t)
		opts.MaxMemtables = 1
		_, err := Open(opts)
		require.ErrorIs(t, err, ErrInvalidMaxMemtables)
	})

	t.Run("relative path", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		opts := testOptions(t)
		opts.Path = "rel"
		db := openDB(t, opts)
		require.NoError(t, db.Put([]byte("k"), []byte("v")))
		require.True(t, filepath.IsAbs(db.Path()))
		require.NoError(t, db.Close())

		// reopen from elsewhere by absolute path
		t.Chdir(t.TempDir())
		opts.Path = filepath.Join(dir, "rel")
		db = openDB(t, opts)
		defer db.Close()
		require.Equal(t, []byte("v"), mustGet(t, db, []byte("k")))
	})
}

func TestClosedDB(t *testing.T) {
	db := openDB(t, testOptions(t))
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	require.ErrorIs(t, db.Close(), ErrDBClosed)
	require.ErrorIs(t, db.Put([]byte("k"), []byte("v")), ErrDBClosed)
	require.ErrorIs(t, db.Delete([]byte("k")), ErrDBClosed)
	_, _, err := db.Get([]byte("k"))
	require.ErrorIs(t, err, ErrDBClosed)
	_, err = db.Scan(nil, nil)
	require.ErrorIs(t, err, ErrDBClosed)
	require.ErrorIs(t, db.Flush(), ErrDBClosed)
	_, err = db.NewSnapshot()
	require.ErrorIs(t, err, ErrDBClosed)
}

func TestSyncWrites(t *testing.T) {
	opts := testOptions(t)
	opts.Sync = true
	db := openDB(t, opts)
	require.NoError(t, db.Put([]byte("synced"), []byte("1")))
	require.NoError(t, db.PutWithOptions([]byte("nosync"), []byte("2"), NoSync))
	require.NoError(t, db.DeleteWithOptions([]byte("synced"), Sync))
	crashDB(t, db)

	db = openDB(t, opts)
	defer db.Close()
	requireAbsent(t, db, []byte("synced"))
	require.Equal(t, []byte("2"), mustGet(t, db, []byte("nosync")))
}

func TestFailedSyncHidesWrite(t *testing.T) {
	db := openDB(t, testOptions(t))
	require.NoError(t, db.PutWithOptions([]byte("a"), []byte("1"), Sync))

	failed := dberrors.NewIOError("fsync", "log", syscall.EIO)
	syncWAL = func(*wal.WAL) error { return failed }
	t.Cleanup(func() { syncWAL = (*wal.WAL).Sync })

	err := db.PutWithOptions([]byte("b"), []byte("2"), Sync)
	require.ErrorIs(t, err, ErrIO)
	requireAbsent(t, db, []byte("b"))
	require.Equal(t, uint64(1), db.LastSequence())

	// nothing more is accepted, synced or not
	require.ErrorIs(t, db.Put([]byte("c"), []byte("3")), ErrIO)
	require.ErrorIs(t, db.PutWithOptions([]byte("c"), []byte("3"), NoSync), ErrIO)
	require.Equal(t, []byte("1"), mustGet(t, db, []byte("a")))
	require.ErrorIs(t, db.Close(), ErrIO)
}

func TestSyncedWritesPublishInOrder(t *testing.T) {
	opts := testOptions(t)
	opts.Sync = true
	db := openDB(t, opts)
	defer db.Close()

	// hold every sync until released, so writers pile up behind each
	// other with their records already in the memtable
	release := make(chan struct{})
	var waiting atomic.Int32
	syncWAL = func(w *wal.WAL) error {
		waiting.Add(1)
		<-release
		return w.Sync()
	}
	t.Cleanup(func() { syncWAL = (*wal.WAL).Sync })

	const writers = 8
	errs := make(chan error, writers)
	for i := range writers {
		go func() {
			errs <- db.Put(testKey(i), testValue(i, 0))
		}()
	}
	require.Eventually(t, func() bool { return waiting.Load() == writers }, 5*time.Second, time.Millisecond)
	require.Zero(t, db.LastSequence())
	for i := range writers {
		requireAbsent(t, db, testKey(i))
	}

	close(release)
	for range writers {
		require.NoError(t, <-errs)
	}
	require.Equal(t, uint64(writers), db.LastSequence())
	for i := range writers {
		require.Equal(t, testValue(i, 0), mustGet(t, db, testKey(i)))
	}
}

func TestNewLogSyncsDirectory(t *testing.T) {
	var synced atomic.Int32
	syncDir = func(dir string) error {
		synced.Add(1)
		return sstable.SyncDir(dir)
	}
	t.Cleanup(func() { syncDir = sstable.SyncDir })

	opts := testOptions(t)
	db := openDB(t, opts)
	require.Equal(t, int32(1), synced.Load())

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Flush())
	require.Equal(t, int32(2), synced.Load())
	require.NoError(t, db.Close())

	// a log whose directory entry cannot be made durable is not used
	syncDir = func(dir string) error {
		return dberrors.NewIOError("fsync", dir, syscall.EIO)
	}
	before, err := filepath.Glob(filepath.Join(opts.Path, "*.wal"))
	require.NoError(t, err)
	_, err = Open(opts)
	require.ErrorIs(t, err, ErrIO)
	after, err := filepath.Glob(filepath.Join(opts.Path, "*.wal"))
	require.NoError(t, err)
	require.ElementsMatch(t, before, after)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	db := openDB(t, smallOptions(t))
	defer db.Close()

	const writers, perWriter = 4, 200
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				n := w*perWriter + i
				if err := db.Put(testKey(n), testValue(n, 0)); err != nil {
					t.Errorf("put %d: %v", n, err)
					return
				}
			}
		}()
	}
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for range 2 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				it, err := db.Scan(nil, nil)
				if err != nil {
					t.Errorf("scan: %v", err)
					return
				}
				var prev []byte
				for ; it.Valid(); it.Next() {
					if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
						t.Errorf("scan out of order: %q then %q", prev, it.Key())
					}
					prev = bytes.Clone(it.Key())
				}
				if err := it.Close(); err != nil {
					t.Errorf("scan close: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	db.WaitForCompaction()
	for n := range writers * perWriter {
		require.Equal(t, testValue(n, 0), mustGet(t, db, testKey(n)))
	}
	requireLevelsDisjoint(t, db)
}

func TestObsoleteFilesRemoved(t *testing.T) {
	opts := smallOptions(t)
	db := openDB(t, opts)
	for i := range 500 {
		require.NoError(t, db.Put(testKey(i%100), testValue(i, 0)))
	}
	require.NoError(t, db.CompactAll())
	db.WaitForCompaction()
	db.deleteObsoleteFiles()

	live := db.versions.LiveFiles()
	logNum := db.versions.LogNum()
	manifestNum := db.versions.ManifestNum()
	entries, err := os.ReadDir(opts.Path)
	require.NoError(t, err)
	for _, e := range entries {
		typ, num := parseFileName(e.Name())
		switch typ {
		case fileTypeTable:
			require.Contains(t, live, num, "stray table %s", e.Name())
		case fileTypeWAL:
			require.GreaterOrEqual(t, num, logNum, "stray wal %s", e.Name())
		case fileTypeManifest:
			require.Equal(t, manifestNum, num, "stray manifest %s", e.Name())
		}
	}
	require.NoError(t, db.Close())
}

func TestEveryCodecRoundTrips(t *testing.T) {
	for _, codec := range compression.Registered() {
		t.Run(codec.String(), func(t *testing.T) {
			opts := smallOptions(t)
			opts.Codec = codec
			sv := newStateValidator(t)
			db := openDB(t, opts)
			for i := range 300 {
				sv.put(db, testKey(i), testValue(i, 0))
			}
			require.NoError(t, db.CompactAll())
			sv.validate(db)
			require.NoError(t, db.Close())

			// tables record their codec, so another default still reads them
			opts.Codec = compression.None
			db = openDB(t, opts)
			defer db.Close()
			sv.validate(db)
		})
	}
}
