package lgkv

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/keys"
	"github.com/twlk9/lgkv/memtable"
	"github.com/twlk9/lgkv/sstable"
	"github.com/twlk9/lgkv/wal"
)

// immMemtable is a frozen memtable waiting to be flushed, with the log
// that backs it.
type immMemtable struct {
	mem    *memtable.MemTable
	logNum uint64
}

// DB is the main database instance. It's the big boss that coordinates everything.
type DB struct {
	// The settings I'm running with.
	opts *Options
	// A cached WriteOptions so I don't have to create one for every Put.
	defaultWriteOpts *WriteOptions
	// Absolute path of the database directory.
	path   string
	logger *slog.Logger
	lock   *fileLocker

	// --- Memtable and WAL State (protected by db.mu) ---

	// Writers hold mu shared while appending; freezing a memtable and
	// swapping the WAL take it exclusively.
	mu sync.RWMutex
	// cond is signalled when a flush or compaction finishes, waking
	// stalled writers and Flush.
	cond *sync.Cond
	// The active memtable. All new writes go here first.
	mem *memtable.MemTable
	// Frozen memtables, oldest first.
	imms []*immMemtable
	// The log backing mem.
	wal *wal.WAL
	// Sticky background error. Once set, writes fail with it.
	bgErr error

	// writeMu orders sequence assignment, WAL append and memtable
	// insert, so sequence numbers are handed out in log order.
	writeMu sync.Mutex
	// The last assigned sequence number. Guarded by writeMu.
	seq uint64
	// The last ticket handed out. Guarded by writeMu.
	tail *publishTicket
	// The last published sequence number. Readers see nothing above it.
	lastSeq atomic.Uint64

	// --- Version and Compaction State ---

	versions   *VersionSet
	fileCache  *FileCache
	blockCache *sstable.BlockCache
	compaction *CompactionManager
	snapshots  snapshotList

	// Table numbers being written and not yet installed. Obsolete file
	// deletion leaves them alone.
	pendingMu sync.Mutex
	pending   map[uint64]struct{}

	obsoleteMu sync.Mutex

	flushCh    chan struct{}
	obsoleteCh chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// Open opens the database at opts.Path, recovering whatever a previous
// process left behind: the manifest names the tables, the WAL files it
// has not retired are replayed into level 0.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		return nil, ErrInvalidPath
	}
	opts = opts.Clone()
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, dberrors.NewIOError("abs", opts.Path, err)
	}
	opts.Path = path

	if _, err := os.Stat(path); os.IsNotExist(err) && !opts.CreateIfMissing {
		return nil, ErrDBNotFound
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, dberrors.NewIOError("mkdir", path, err)
	}
	lock, err := lockDir(path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:             opts,
		defaultWriteOpts: &WriteOptions{Sync: opts.Sync},
		path:             path,
		logger:           opts.Logger.With("db", path),
		lock:             lock,
		pending:          make(map[uint64]struct{}),
		flushCh:          make(chan struct{}, 1),
		obsoleteCh:       make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
	db.cond = sync.NewCond(&db.mu)
	db.blockCache = sstable.NewBlockCache(opts.BlockCacheSize)
	db.fileCache = NewFileCache(path, opts.FileCacheSize(), db.blockCache, db.logger)

	if err := db.recover(); err != nil {
		db.abandon()
		return nil, err
	}

	db.compaction = newCompactionManager(db)
	db.compaction.start()
	db.wg.Add(2)
	go db.backgroundFlusher()
	go db.obsoleteFileDeleter()
	db.compaction.ScheduleCompaction()

	db.logger.Info("database opened", "last_seq", db.lastSeq.Load(), "codec", opts.Codec)
	return db, nil
}

// abandon releases what a failed Open acquired.
func (db *DB) abandon() {
	if db.wal != nil {
		db.wal.Close()
	}
	if db.versions != nil {
		db.versions.Close()
	}
	db.fileCache.Close()
	db.blockCache.Close()
	db.lock.Unlock()
}

// recover loads the manifest, replays live logs and starts a fresh
// manifest and WAL.
func (db *DB) recover() error {
	vs := NewVersionSet(db.path, db.opts.MaxLevels, db.opts.MaxManifestFileSize, db.logger)
	db.versions = vs

	err := vs.Recover()
	switch {
	case errors.Is(err, errNoManifest):
		if !db.opts.CreateIfMissing {
			return ErrDBNotFound
		}
		db.logger.Info("creating new database")
	case err != nil:
		return err
	case db.opts.ErrorIfExists:
		return ErrDBExists
	}

	db.removeTempFiles()

	lastSeq, tables, err := db.replayLogs(vs.LogNum())
	if err != nil {
		return err
	}
	if err := vs.CreateManifest(); err != nil {
		return err
	}
	w, err := db.newWAL()
	if err != nil {
		return err
	}
	db.wal = w

	edit := NewVersionEdit()
	for _, f := range tables {
		edit.AddFile(0, f)
	}
	edit.SetLogNum(w.FileNum())
	edit.SetLastSeq(lastSeq)
	err = vs.LogAndApply(edit)
	db.releasePending(fileNums(tables)...)
	if err != nil {
		return err
	}

	db.mem = memtable.NewMemtable(db.opts.MemtableSizeThreshold)
	db.seq = lastSeq
	db.tail = publishedTicket()
	db.lastSeq.Store(lastSeq)
	vs.onRelease = db.signalObsolete
	db.deleteObsoleteFiles()
	return nil
}

// replayLogs rebuilds memtables from every log numbered minLog or
// higher and writes them to level 0 tables. A torn tail is dropped; any
// other damage fails the open.
func (db *DB) replayLogs(minLog uint64) (uint64, []*FileMetadata, error) {
	v := db.versions.Current()
	lastSeq := v.LastSeq()
	v.Unref()

	files, err := listFiles(db.path)
	if err != nil {
		return 0, nil, dberrors.NewIOError("list", db.path, err)
	}
	var logs []uint64
	for _, f := range files {
		if f.typ == fileTypeWAL && f.num >= minLog {
			logs = append(logs, f.num)
		}
	}
	slices.Sort(logs)

	var tables []*FileMetadata
	mem := memtable.NewMemtable(db.opts.MemtableSizeThreshold)
	flushMem := func() error {
		if mem.Empty() {
			return nil
		}
		meta, err := db.writeLevel0Table(mem)
		if err != nil {
			return err
		}
		tables = append(tables, meta)
		mem = memtable.NewMemtable(db.opts.MemtableSizeThreshold)
		return nil
	}

	tableSeq := lastSeq
	for _, num := range logs {
		db.versions.markFileNumUsed(num)
		path := wal.FileName(db.path, num)
		var replayed int
		truncated, err := wal.Replay(path, func(rec *wal.WALRecord) error {
			if rec.Seq <= tableSeq {
				return nil
			}
			mem.Add(rec.Seq, rec.Type, rec.Key, rec.Value)
			lastSeq = max(lastSeq, rec.Seq)
			replayed++
			if mem.ApproximateSize() >= db.opts.MemtableSizeThreshold {
				return flushMem()
			}
			return nil
		})
		if err != nil {
			db.logger.Error("wal replay failed", "wal", path, "error", err)
			return 0, nil, err
		}
		if truncated {
			db.logger.Warn("dropped torn tail of wal", "wal", path)
		}
		db.logger.Info("replayed wal", "wal", path, "records", replayed)
	}
	if err := flushMem(); err != nil {
		return 0, nil, err
	}
	return lastSeq, tables, nil
}

// removeTempFiles deletes leftovers of writes interrupted by a crash.
func (db *DB) removeTempFiles() {
	files, err := listFiles(db.path)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.typ == fileTypeTemp {
			if err := removeFile(filepath.Join(db.path, f.name)); err != nil {
				db.logger.Warn("failed to remove temp file", "file", f.name, "error", err)
			}
		}
	}
}

// syncDir is swapped out by tests that count directory syncs.
var syncDir = sstable.SyncDir

// newWAL starts the next log. The directory is synced so a crash
// cannot lose the log's entry along with records synced into it.
func (db *DB) newWAL() (*wal.WAL, error) {
	w, err := wal.NewWAL(wal.WALOpts{
		Dir:              db.path,
		FileNum:          db.versions.NewFileNumber(),
		BytesPerSync:     db.opts.WALBytesPerSync,
		AutoSyncInterval: db.opts.WALSyncInterval,
		Logger:           db.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := syncDir(db.path); err != nil {
		w.Close()
		removeFile(w.Path())
		return nil, err
	}
	return w, nil
}

func (db *DB) tableWriterOptions(fileNum uint64) sstable.WriterOptions {
	return sstable.WriterOptions{
		Path:                 tableFileName(db.path, fileNum),
		Compression:          db.opts.compressionConfig(),
		Logger:               db.logger,
		BlockSize:            db.opts.BlockSize,
		BlockRestartInterval: db.opts.BlockRestartInterval,
		BloomBitsPerKey:      db.opts.BloomBitsPerKey,
	}
}

// newPendingFileNum allocates a table number and protects it from
// obsolete file deletion until releasePending.
func (db *DB) newPendingFileNum() uint64 {
	num := db.versions.NewFileNumber()
	db.pendingMu.Lock()
	db.pending[num] = struct{}{}
	db.pendingMu.Unlock()
	return num
}

func (db *DB) releasePending(nums ...uint64) {
	db.pendingMu.Lock()
	for _, num := range nums {
		delete(db.pending, num)
	}
	db.pendingMu.Unlock()
}

// writeLevel0Table writes mem to a new table. The table number stays
// pending; the caller releases it once the table is installed.
func (db *DB) writeLevel0Table(mem *memtable.MemTable) (*FileMetadata, error) {
	num := db.newPendingFileNum()
	w, err := sstable.NewWriter(db.tableWriterOptions(num))
	if err != nil {
		db.releasePending(num)
		return nil, err
	}
	it := mem.NewIterator(nil)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Abort()
			db.releasePending(num)
			return nil, err
		}
	}
	props, err := w.Finish()
	if err != nil {
		db.releasePending(num)
		return nil, err
	}
	db.logger.Debug("wrote level 0 table", "file", num, "entries", props.NumEntries, "size", props.FileSize)
	return newFileMetadata(num, props), nil
}

// --- Write path ---

// write is the heart of Put and Delete: make room, then log and apply
// the mutation under one sequence number.
func (db *DB) write(key, value []byte, kind keys.Kind, opts *WriteOptions) error {
	if opts == nil {
		opts = db.defaultWriteOpts
	}
	if !keys.IsValidUserKey(key) {
		return ErrInvalidKey
	}
	if !keys.IsValidValue(value) {
		return ErrInvalidValue
	}
	if db.closed.Load() {
		return ErrDBClosed
	}
	if err := db.makeRoomForWrite(); err != nil {
		return err
	}

	// mu is held shared until the write is published, so a memtable
	// rotation never freezes or retires anything unpublished.
	db.mu.RLock()
	if db.closed.Load() {
		db.mu.RUnlock()
		return ErrDBClosed
	}
	if db.bgErr != nil {
		err := db.bgErr
		db.mu.RUnlock()
		return err
	}

	db.writeMu.Lock()
	seq, err := db.nextSeq()
	if err == nil {
		_, err = db.wal.Append(&wal.WALRecord{Type: kind, Seq: seq, Key: key, Value: value})
	}
	if err != nil {
		db.writeMu.Unlock()
		db.mu.RUnlock()
		return err
	}
	db.mem.Add(seq, kind, key, value)
	db.seq = seq
	prev, t := db.tail, newPublishTicket()
	db.tail = t
	db.writeMu.Unlock()

	var syncErr error
	if opts.Sync {
		syncErr = syncWAL(db.wal)
	}
	err = t.publish(prev, syncErr, func() { db.lastSeq.Store(seq) })
	db.mu.RUnlock()

	if syncErr != nil {
		// The record may or may not be on disk. It is never published,
		// and nothing more is accepted until the database is reopened.
		db.setBackgroundError("wal sync failed", syncErr)
	}
	return err
}

// syncWAL is swapped out by tests that fail log syncs.
var syncWAL = (*wal.WAL).Sync

// nextSeq returns the sequence for the next write. Caller holds writeMu.
func (db *DB) nextSeq() (uint64, error) {
	seq := db.seq + 1
	if db.opts.ClockSequence {
		seq = max(seq, ClockSeq())
		advanceClock(seq)
	}
	if seq > keys.MaxSequenceNumber {
		return 0, ErrSequenceExhausted
	}
	return seq, nil
}

// makeRoomForWrite freezes a full memtable, stalling while too many
// are waiting to flush or level 0 has reached the stop trigger.
func (db *DB) makeRoomForWrite() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	stalled := false
	for {
		switch {
		case db.bgErr != nil:
			return db.bgErr
		case db.closed.Load():
			return ErrDBClosed
		case db.mem.ApproximateSize() < db.opts.MemtableSizeThreshold:
			if stalled {
				db.logger.Info("write stall resolved")
			}
			return nil
		case len(db.imms) >= db.opts.MaxMemtables-1:
			if !stalled {
				db.logger.Info("write stall: waiting for memtable flush", "immutable", len(db.imms))
				stalled = true
			}
			db.signalFlush()
			db.cond.Wait()
		case db.numL0Files() >= db.opts.L0StopWritesTrigger:
			if !stalled {
				db.logger.Info("write stall: too many L0 files", "trigger", db.opts.L0StopWritesTrigger)
				stalled = true
			}
			db.compaction.ScheduleCompaction()
			db.cond.Wait()
		default:
			if err := db.rotateMemtable(); err != nil {
				return err
			}
		}
	}
}

func (db *DB) numL0Files() int {
	v := db.versions.Current()
	defer v.Unref()
	return len(v.Files(0))
}

// rotateMemtable freezes the active memtable and starts a new log for
// its successor. Caller holds db.mu exclusively.
func (db *DB) rotateMemtable() error {
	w, err := db.newWAL()
	if err != nil {
		return err
	}
	old := db.wal
	db.imms = append(db.imms, &immMemtable{mem: db.mem, logNum: old.FileNum()})
	db.mem = memtable.NewMemtable(db.opts.MemtableSizeThreshold)
	db.wal = w
	if err := old.Close(); err != nil {
		db.logger.Warn("failed to close rotated wal", "wal", old.Path(), "error", err)
	}
	db.logger.Debug("memtable frozen", "old_wal", old.FileNum(), "new_wal", w.FileNum(), "immutable", len(db.imms))
	db.signalFlush()
	return nil
}

// Put inserts a key-value pair into the database using the default
// sync setting.
func (db *DB) Put(key, value []byte) error {
	return db.write(key, value, keys.KindSet, db.defaultWriteOpts)
}

// PutWithOptions inserts a key-value pair with specific sync options.
func (db *DB) PutWithOptions(key, value []byte, opts *WriteOptions) error {
	return db.write(key, value, keys.KindSet, opts)
}

// Delete writes a tombstone for key. Deleting an absent key is fine.
func (db *DB) Delete(key []byte) error {
	return db.write(key, nil, keys.KindDelete, db.defaultWriteOpts)
}

// DeleteWithOptions writes a tombstone with specific sync options.
func (db *DB) DeleteWithOptions(key []byte, opts *WriteOptions) error {
	return db.write(key, nil, keys.KindDelete, opts)
}

// --- Flush ---

func (db *DB) signalFlush() {
	select {
	case db.flushCh <- struct{}{}:
	default:
	}
}

func (db *DB) backgroundFlusher() {
	defer db.wg.Done()
	for {
		select {
		case <-db.flushCh:
		case <-db.done:
			return
		}
		for db.flushOldest() {
		}
	}
}

// flushOldest writes the oldest frozen memtable to level 0 and retires
// its log. It reports whether it flushed one.
func (db *DB) flushOldest() bool {
	db.mu.RLock()
	if len(db.imms) == 0 || db.bgErr != nil {
		db.mu.RUnlock()
		return false
	}
	imm := db.imms[0]
	db.mu.RUnlock()

	edit := NewVersionEdit()
	var meta *FileMetadata
	if !imm.mem.Empty() {
		var err error
		meta, err = db.writeLevel0Table(imm.mem)
		if err != nil {
			db.setBackgroundError("memtable flush failed", err)
			return false
		}
		edit.AddFile(0, meta)
	}

	db.mu.RLock()
	nextLog := db.wal.FileNum()
	if len(db.imms) > 1 {
		nextLog = db.imms[1].logNum
	}
	db.mu.RUnlock()
	edit.SetLogNum(nextLog)
	edit.SetLastSeq(imm.mem.MaxSeq())

	err := db.versions.LogAndApply(edit)
	if meta != nil {
		db.releasePending(meta.FileNum)
	}
	if err != nil {
		if meta != nil {
			removeFile(tableFileName(db.path, meta.FileNum))
		}
		db.setBackgroundError("version edit failed after flush", err)
		return false
	}

	// scheduled before the memtable is dropped so Flush followed by
	// WaitForCompaction sees the new table
	db.compaction.ScheduleCompaction()

	db.mu.Lock()
	db.imms = db.imms[1:]
	db.cond.Broadcast()
	db.mu.Unlock()

	if meta != nil {
		db.logger.Debug("memtable flushed", "file", meta.FileNum, "entries", meta.NumEntries, "log_num", nextLog)
	}
	db.deleteObsoleteFiles()
	return true
}

func (db *DB) setBackgroundError(msg string, err error) {
	db.logger.Error(msg, "error", err)
	db.mu.Lock()
	if db.bgErr == nil {
		db.bgErr = err
	}
	db.cond.Broadcast()
	db.mu.Unlock()
}

func (db *DB) backgroundError() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.bgErr
}

// compactionInstalled wakes writers stalled on level 0 and removes the
// compaction inputs nobody references any more.
func (db *DB) compactionInstalled() {
	db.mu.Lock()
	db.cond.Broadcast()
	db.mu.Unlock()
	db.deleteObsoleteFiles()
}

// Flush writes the active memtable to level 0 and waits until every
// frozen memtable is on disk.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	return db.flush()
}

func (db *DB) flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.bgErr != nil {
		return db.bgErr
	}
	if !db.mem.Empty() {
		if err := db.rotateMemtable(); err != nil {
			return err
		}
	}
	for len(db.imms) > 0 && db.bgErr == nil {
		db.signalFlush()
		db.cond.Wait()
	}
	return db.bgErr
}

// --- Read path ---

// readState captures the memtables (newest first), a referenced
// version and the last sequence as one consistent view.
func (db *DB) readState() ([]*memtable.MemTable, *Version, uint64) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	mems := make([]*memtable.MemTable, 0, len(db.imms)+1)
	mems = append(mems, db.mem)
	for i := len(db.imms) - 1; i >= 0; i-- {
		mems = append(mems, db.imms[i].mem)
	}
	return mems, db.versions.Current(), db.lastSeq.Load()
}

// Get returns the value stored for key. A missing or deleted key is
// reported with found == false and a nil error.
func (db *DB) Get(key []byte) (value []byte, found bool, err error) {
	return db.get(key, 0, false)
}

// get reads key at seq, or at the current sequence unless pinned.
func (db *DB) get(key []byte, seq uint64, pinned bool) ([]byte, bool, error) {
	if !keys.IsValidUserKey(key) {
		return nil, false, ErrInvalidKey
	}
	if db.closed.Load() {
		return nil, false, ErrDBClosed
	}
	mems, v, cur := db.readState()
	defer v.Unref()
	if !pinned {
		seq = cur
	}

	for _, mt := range mems {
		if value, kind, ok := mt.Get(key, seq); ok {
			if kind == keys.KindDelete {
				return nil, false, nil
			}
			return bytes.Clone(value), true, nil
		}
	}

	value, kind, found, err := db.getFromTables(v, key, seq)
	if err != nil || !found || kind == keys.KindDelete {
		return nil, false, err
	}
	return value, true, nil
}

// getFromTables searches L0 newest first, then one file per deeper
// level. The first entry found is the newest visible one.
func (db *DB) getFromTables(v *Version, key []byte, seq uint64) ([]byte, keys.Kind, bool, error) {
	for _, f := range v.Files(0) {
		if f.SmallestSeq > seq || !f.overlaps(key, key) {
			continue
		}
		value, kind, found, err := db.tableGet(f, key, seq)
		if err != nil || found {
			return value, kind, found, err
		}
	}
	for level := 1; level < v.NumLevels(); level++ {
		f := v.findFile(level, key)
		if f == nil || f.SmallestSeq > seq {
			continue
		}
		value, kind, found, err := db.tableGet(f, key, seq)
		if err != nil || found {
			return value, kind, found, err
		}
	}
	return nil, 0, false, nil
}

func (db *DB) tableGet(f *FileMetadata, key []byte, seq uint64) ([]byte, keys.Kind, bool, error) {
	h, err := db.fileCache.Get(f.FileNum)
	if err != nil {
		return nil, 0, false, err
	}
	defer h.Release()
	return h.Reader().Get(key, seq)
}

// Scan returns an iterator over the live keys in [start, end). A nil
// bound is open. The iterator must be closed.
func (db *DB) Scan(start, end []byte) (*Iterator, error) {
	return db.scan(start, end, 0, false)
}

func (db *DB) scan(start, end []byte, seq uint64, pinned bool) (*Iterator, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if start != nil && end != nil && bytes.Compare(start, end) > 0 {
		return nil, ErrInvalidRange
	}
	bounds := keys.NewRange(bytes.Clone(start), bytes.Clone(end))
	mems, v, cur := db.readState()
	if !pinned {
		seq = cur
	}
	return db.newIterator(mems, v, bounds, seq), nil
}

// Keys returns the live keys in [start, end).
func (db *DB) Keys(start, end []byte) ([][]byte, error) {
	it, err := db.Scan(start, end)
	if err != nil {
		return nil, err
	}
	return collectKeys(it)
}

func collectKeys(it *Iterator) ([][]byte, error) {
	var out [][]byte
	for ; it.Valid(); it.Next() {
		out = append(out, bytes.Clone(it.Key()))
	}
	if err := it.Error(); err != nil {
		it.Close()
		return nil, err
	}
	return out, it.Close()
}

// --- Compaction ---

// CompactAll flushes the memtable and pushes every level down until
// all data sits in the last level. The last level is rewritten too if
// it still holds tombstones, which happens once snapshots that pinned
// them are released.
func (db *DB) CompactAll() error {
	if err := db.Flush(); err != nil {
		return err
	}
	ctx := db.compaction.ctx
	bottom := db.opts.MaxLevels - 1
	for level := 0; level < bottom; level++ {
		if err := db.compaction.compactLevel(ctx, level); err != nil {
			return err
		}
	}

	v := db.versions.Current()
	var tombstones uint64
	for _, f := range v.Files(bottom) {
		tombstones += f.NumTombstones
	}
	v.Unref()
	if tombstones == 0 {
		return nil
	}
	return db.compaction.compactLevel(ctx, bottom)
}

// WaitForCompaction blocks until background compaction has nothing
// left to do.
func (db *DB) WaitForCompaction() {
	db.compaction.Wait()
}

// --- Obsolete files ---

func (db *DB) signalObsolete() {
	select {
	case db.obsoleteCh <- struct{}{}:
	default:
	}
}

func (db *DB) obsoleteFileDeleter() {
	defer db.wg.Done()
	for {
		select {
		case <-db.obsoleteCh:
			db.deleteObsoleteFiles()
		case <-db.done:
			return
		}
	}
}

// deleteObsoleteFiles removes tables no live version references, logs
// the manifest has retired and superseded manifests.
func (db *DB) deleteObsoleteFiles() {
	db.obsoleteMu.Lock()
	defer db.obsoleteMu.Unlock()

	// list first: a table created after the listing is not a
	// candidate, one installed after it is in the live set
	files, err := listFiles(db.path)
	if err != nil {
		db.logger.Warn("failed to list database directory", "error", err)
		return
	}
	db.pendingMu.Lock()
	pending := make(map[uint64]struct{}, len(db.pending))
	for num := range db.pending {
		pending[num] = struct{}{}
	}
	db.pendingMu.Unlock()
	live := db.versions.LiveFiles()
	logNum := db.versions.LogNum()
	manifestNum := db.versions.ManifestNum()

	for _, f := range files {
		keep := true
		switch f.typ {
		case fileTypeTable:
			_, isLive := live[f.num]
			_, isPending := pending[f.num]
			keep = isLive || isPending
		case fileTypeWAL:
			keep = f.num >= logNum
		case fileTypeManifest:
			keep = f.num >= manifestNum
		}
		if keep {
			continue
		}
		if f.typ == fileTypeTable {
			db.fileCache.Evict(f.num)
		}
		if err := removeFile(filepath.Join(db.path, f.name)); err != nil {
			db.logger.Warn("failed to delete obsolete file", "file", f.name, "error", err)
			continue
		}
		db.logger.Debug("deleted obsolete file", "file", f.name)
	}
}

// --- Close ---

// Close flushes the memtable, stops background work and releases the
// directory lock. Iterators should be closed first.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return ErrDBClosed
	}
	err := db.flush()

	db.compaction.Close()
	close(db.done)
	db.wg.Wait()

	db.mu.Lock()
	if werr := db.wal.Close(); werr != nil && err == nil {
		err = werr
	}
	db.cond.Broadcast()
	db.mu.Unlock()

	db.deleteObsoleteFiles()
	if verr := db.versions.Close(); verr != nil && err == nil {
		err = verr
	}
	db.fileCache.Close()
	db.blockCache.Close()
	if lerr := db.lock.Unlock(); lerr != nil && err == nil {
		err = lerr
	}
	db.logger.Info("database closed")
	return err
}

// --- Stats ---

// Stats is a point in time summary of the database.
type Stats struct {
	LevelFiles         []int
	LevelBytes         []int64
	MemtableBytes      int
	ImmutableMemtables int
	LastSequence       uint64
	LiveVersions       int
	Snapshots          int
	OpenTables         int
	BlockCacheHits     uint64
	BlockCacheMisses   uint64
	Compaction         CompactionStats
}

// Stats returns current counters.
func (db *DB) Stats() Stats {
	mems, v, seq := db.readState()
	defer v.Unref()
	s := Stats{
		LevelFiles:         make([]int, v.NumLevels()),
		LevelBytes:         make([]int64, v.NumLevels()),
		ImmutableMemtables: len(mems) - 1,
		LastSequence:       seq,
		LiveVersions:       db.versions.NumLiveVersions(),
		Snapshots:          db.snapshots.len(),
		OpenTables:         db.fileCache.Len(),
		Compaction:         db.compaction.Stats(),
	}
	for _, mt := range mems {
		s.MemtableBytes += mt.ApproximateSize()
	}
	for level := range s.LevelFiles {
		s.LevelFiles[level] = len(v.Files(level))
		s.LevelBytes[level] = v.LevelSize(level)
	}
	s.BlockCacheHits, s.BlockCacheMisses = db.blockCache.Stats()
	return s
}

// Version returns the current version. The caller must Unref it.
func (db *DB) Version() *Version {
	return db.versions.Current()
}

// Path returns the absolute database directory.
func (db *DB) Path() string {
	return db.path
}
