package lgkv

import (
	"bytes"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twlk9/lgkv/keys"
	"github.com/twlk9/lgkv/memtable"
)

// testOptions returns options for a fresh directory with quiet
// logging and unsynced writes.
func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Path = t.TempDir()
	opts.Logger = slog.New(slog.DiscardHandler)
	opts.Sync = false
	opts.WALSyncInterval = 0
	return opts
}

// smallOptions makes memtables and tables tiny so a few hundred
// writes exercise flush and compaction.
func smallOptions(t *testing.T) *Options {
	t.Helper()
	opts := testOptions(t)
	opts.MemtableSizeThreshold = 4 * KiB
	opts.BlockSize = 512
	opts.Level0CompactionTrigger = 2
	opts.L0StopWritesTrigger = 8
	return opts
}

func openDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	db, err := Open(opts)
	require.NoError(t, err)
	return db
}

// crashDB stops db the way a killed process would: nothing in the
// memtables is flushed and the manifest is not rewritten. Writes
// already handed to the log survive, as they would after an fsync.
func crashDB(t *testing.T, db *DB) {
	t.Helper()
	require.False(t, db.closed.Swap(true), "db already closed")
	db.compaction.Close()
	close(db.done)
	db.wg.Wait()

	db.mu.Lock()
	require.NoError(t, db.wal.Close())
	db.cond.Broadcast()
	db.mu.Unlock()

	db.versions.Close()
	db.fileCache.Close()
	db.blockCache.Close()
	require.NoError(t, db.lock.Unlock())
}

func testKey(i int) []byte {
	return fmt.Appendf(nil, "key%06d", i)
}

func testValue(i, gen int) []byte {
	return fmt.Appendf(nil, "value%06d-gen%d-%s", i, gen, bytes.Repeat([]byte{'x'}, 32))
}

func mustGet(t *testing.T, db *DB, key []byte) []byte {
	t.Helper()
	v, found, err := db.Get(key)
	require.NoError(t, err)
	require.True(t, found, "key %q not found", key)
	return v
}

func requireAbsent(t *testing.T, db *DB, key []byte) {
	t.Helper()
	_, found, err := db.Get(key)
	require.NoError(t, err)
	require.False(t, found, "key %q should be absent", key)
}

// scanAll returns every live pair in key order.
func scanAll(t *testing.T, db *DB) ([][]byte, [][]byte) {
	t.Helper()
	it, err := db.Scan(nil, nil)
	require.NoError(t, err)
	var ks, vs [][]byte
	for ; it.Valid(); it.Next() {
		ks = append(ks, bytes.Clone(it.Key()))
		vs = append(vs, bytes.Clone(it.Value()))
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	return ks, vs
}

// stateValidator mirrors the expected contents of a database and
// checks point reads and scans against it.
type stateValidator struct {
	t    *testing.T
	mu   sync.Mutex
	want map[string][]byte
}

func newStateValidator(t *testing.T) *stateValidator {
	return &stateValidator{t: t, want: make(map[string][]byte)}
}

func (sv *stateValidator) put(db *DB, key, value []byte) {
	sv.t.Helper()
	require.NoError(sv.t, db.Put(key, value))
	sv.mu.Lock()
	sv.want[string(key)] = bytes.Clone(value)
	sv.mu.Unlock()
}

func (sv *stateValidator) delete(db *DB, key []byte) {
	sv.t.Helper()
	require.NoError(sv.t, db.Delete(key))
	sv.mu.Lock()
	delete(sv.want, string(key))
	sv.mu.Unlock()
}

// validate checks every expected key, a scan of the whole keyspace and
// that deleted keys stay deleted.
func (sv *stateValidator) validate(db *DB) {
	sv.t.Helper()
	sv.mu.Lock()
	defer sv.mu.Unlock()

	for k, v := range sv.want {
		require.Equal(sv.t, v, mustGet(sv.t, db, []byte(k)), "key %q", k)
	}

	ks, vs := scanAll(sv.t, db)
	wantKeys := slices.Sorted(maps.Keys(sv.want))
	require.Len(sv.t, ks, len(wantKeys))
	for i, k := range wantKeys {
		require.Equal(sv.t, k, string(ks[i]))
		require.Equal(sv.t, sv.want[k], vs[i])
	}
}

// requireLevelsDisjoint checks that every level below 0 is sorted and
// non-overlapping.
func requireLevelsDisjoint(t *testing.T, db *DB) {
	t.Helper()
	v := db.versions.Current()
	defer v.Unref()
	for level := 1; level < v.NumLevels(); level++ {
		files := v.Files(level)
		for i := 1; i < len(files); i++ {
			prev, cur := files[i-1], files[i]
			require.Negative(t, bytes.Compare(prev.LargestKey.UserKey(), cur.SmallestKey.UserKey()),
				"level %d files %d and %d overlap", level, prev.FileNum, cur.FileNum)
		}
	}
}

func newFilledMemtable(t *testing.T, n int) *memtable.MemTable {
	t.Helper()
	mem := memtable.NewMemtable(1 * MiB)
	for i := range n {
		mem.Add(uint64(i+1), keys.KindSet, testKey(i), testValue(i, 0))
	}
	return mem
}
