package lgkv

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twlk9/lgkv/wal"
)

// newestWAL returns the path of the highest numbered log in dir.
func newestWAL(t *testing.T, dir string) string {
	t.Helper()
	files, err := listFiles(dir)
	require.NoError(t, err)
	var nums []uint64
	for _, f := range files {
		if f.typ == fileTypeWAL {
			nums = append(nums, f.num)
		}
	}
	require.NotEmpty(t, nums)
	return wal.FileName(dir, slices.Max(nums))
}

func TestCrashRecoveryReplaysWAL(t *testing.T) {
	opts := smallOptions(t)
	sv := newStateValidator(t)

	db := openDB(t, opts)
	for i := range 300 {
		sv.put(db, testKey(i), testValue(i, 0))
		if i%5 == 0 {
			sv.delete(db, testKey(i/2))
		}
	}
	crashDB(t, db)

	db = openDB(t, opts)
	sv.validate(db)

	// recovered state survives a second crash with no new writes
	crashDB(t, db)
	db = openDB(t, opts)
	defer db.Close()
	sv.validate(db)
	require.Equal(t, uint64(300+60), db.Stats().LastSequence)
}

func TestCrashRecoveryDuringFlushes(t *testing.T) {
	opts := smallOptions(t)
	opts.MaxMemtables = 4
	sv := newStateValidator(t)

	db := openDB(t, opts)
	// several logs may be live at the crash
	for i := range 200 {
		sv.put(db, testKey(i), testValue(i, 1))
	}
	crashDB(t, db)

	db = openDB(t, opts)
	defer db.Close()
	sv.validate(db)
}

func TestTornWALTailIsDropped(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	for i := range 10 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	crashDB(t, db)

	// half a length prefix: the next append never finished
	path := newestWAL(t, opts.Path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db = openDB(t, opts)
	defer db.Close()
	for i := range 10 {
		require.Equal(t, testValue(i, 0), mustGet(t, db, testKey(i)))
	}
	require.NoError(t, db.Put([]byte("after"), []byte("ok")))
	require.Equal(t, []byte("ok"), mustGet(t, db, []byte("after")))
}

func TestTruncatedFinalRecordIsDropped(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	for i := range 10 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	crashDB(t, db)

	path := newestWAL(t, opts.Path)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	db = openDB(t, opts)
	defer db.Close()
	for i := range 9 {
		require.Equal(t, testValue(i, 0), mustGet(t, db, testKey(i)))
	}
	requireAbsent(t, db, testKey(9))
}

func TestCorruptWALRecordFailsOpen(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	for i := range 10 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	crashDB(t, db)

	// flip a byte inside the first record's sequence number
	path := newestWAL(t, opts.Path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[14] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(opts)
	require.ErrorIs(t, err, ErrCorruption)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
}

func TestMissingTableFailsOpen(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	matches, err := filepath.Glob(filepath.Join(opts.Path, "*"+tableExt))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NoError(t, os.Remove(matches[0]))

	_, err = Open(opts)
	require.ErrorIs(t, err, ErrCorruption)
}

func TestCorruptManifestLengthFailsOpen(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	for i := range 100 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
		if i == 40 || i == 80 {
			require.NoError(t, db.Flush())
		}
	}
	require.NoError(t, db.Close())

	tables, err := filepath.Glob(filepath.Join(opts.Path, "*"+tableExt))
	require.NoError(t, err)
	require.NotEmpty(t, tables)

	num, err := readCurrent(opts.Path)
	require.NoError(t, err)
	path := manifestFileName(opts.Path, num)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[0:4], 1<<20)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(opts)
	require.ErrorIs(t, err, ErrCorruption)

	// nothing the manifest referenced was deleted
	after, err := filepath.Glob(filepath.Join(opts.Path, "*"+tableExt))
	require.NoError(t, err)
	require.ElementsMatch(t, tables, after)
}

func TestReopenIsIdempotent(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	for i := range 50 {
		require.NoError(t, db.Put(testKey(i), testValue(i, 0)))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	state := func() (string, uint64) {
		db := openDB(t, opts)
		defer db.Close()
		v := db.versions.Current()
		defer v.Unref()
		return v.String(), v.LastSeq()
	}
	first, firstSeq := state()
	second, secondSeq := state()
	require.Equal(t, first, second)
	require.Equal(t, firstSeq, secondSeq)
	require.Equal(t, uint64(50), firstSeq)
}

func TestManifestRotationSurvivesReopen(t *testing.T) {
	opts := smallOptions(t)
	opts.MaxManifestFileSize = 512
	sv := newStateValidator(t)

	db := openDB(t, opts)
	startManifest := db.versions.ManifestNum()
	for i := range 400 {
		sv.put(db, testKey(i), testValue(i, 0))
	}
	require.NoError(t, db.Flush())
	db.WaitForCompaction()
	require.Greater(t, db.versions.ManifestNum(), startManifest)
	require.NoError(t, db.Close())

	db = openDB(t, opts)
	defer db.Close()
	sv.validate(db)
}

func TestStaleCurrentFallsBackToNewestManifest(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	require.NoError(t, os.Remove(filepath.Join(opts.Path, currentFileName)))
	db = openDB(t, opts)
	defer db.Close()
	require.Equal(t, []byte("v"), mustGet(t, db, []byte("k")))
}

func TestTempFilesRemovedOnOpen(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	require.NoError(t, db.Close())

	tmp := filepath.Join(opts.Path, "000099.sst.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0644))
	db = openDB(t, opts)
	defer db.Close()
	_, err := os.Stat(tmp)
	require.True(t, os.IsNotExist(err))
}
