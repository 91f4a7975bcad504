package lgkv

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/twlk9/lgkv/keys"
	"github.com/twlk9/lgkv/sstable"
)

// CompactionStats accumulates compaction work since Open.
type CompactionStats struct {
	Compactions  int
	TrivialMoves int
	BytesRead    uint64
	BytesWritten uint64
	FilesRead    int
	FilesWritten int
	EntriesIn    uint64
	EntriesOut   uint64
	Duration     time.Duration
}

// Compaction describes one merge of files at level into outputLevel.
type Compaction struct {
	level       int
	outputLevel int
	// inputs[0] are files at level, inputs[1] overlapping files at
	// outputLevel
	inputs [2][]*FileMetadata
	// version the inputs were picked from, referenced until done
	version *Version

	maxOutputFileSize int64
}

// isTrivialMove reports whether the single input can move down a
// level without rewriting.
func (c *Compaction) isTrivialMove() bool {
	return c.level > 0 && c.level != c.outputLevel && len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		c.inputs[0][0].NumTombstones == 0
}

// keyRange is the user key span of all inputs.
func (c *Compaction) keyRange() (smallest, largest []byte) {
	for _, files := range c.inputs {
		for _, f := range files {
			if smallest == nil || bytes.Compare(f.SmallestKey.UserKey(), smallest) < 0 {
				smallest = f.SmallestKey.UserKey()
			}
			if largest == nil || bytes.Compare(f.LargestKey.UserKey(), largest) > 0 {
				largest = f.LargestKey.UserKey()
			}
		}
	}
	return smallest, largest
}

const (
	// compactionRetries is how many times in a row a failed background
	// compaction is retried before the database stops taking writes.
	compactionRetries = 4
	// compactionRetryBackoff is the first retry delay. It doubles with
	// each consecutive failure.
	compactionRetryBackoff = 100 * time.Millisecond
)

// CompactionManager runs compactions on one background goroutine. Any
// compaction, background or manual, holds runMu while it works.
type CompactionManager struct {
	db     *DB
	opts   *Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wakeup chan struct{}
	wg     sync.WaitGroup
	runMu  sync.Mutex
	// beforeRun, when set, runs ahead of every compaction and fails it
	// by returning an error. Guarded by runMu.
	beforeRun func(*Compaction) error

	// busy is set from ScheduleCompaction until the worker finds
	// nothing left to do; WaitForCompaction blocks on it.
	mu    sync.Mutex
	idle  *sync.Cond
	busy  bool
	stats CompactionStats

	maxRetries   int
	retryBackoff time.Duration
}

func newCompactionManager(db *DB) *CompactionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &CompactionManager{
		db:     db,
		opts:   db.opts,
		logger: db.logger,
		ctx:    ctx,
		cancel: cancel,
		wakeup: make(chan struct{}, 1),

		maxRetries:   compactionRetries,
		retryBackoff: compactionRetryBackoff,
	}
	cm.idle = sync.NewCond(&cm.mu)
	return cm
}

func (cm *CompactionManager) start() {
	cm.wg.Add(1)
	go cm.compactionWorker()
}

// ScheduleCompaction signals the compaction worker to check for work
func (cm *CompactionManager) ScheduleCompaction() {
	if cm.ctx.Err() != nil {
		return
	}
	cm.mu.Lock()
	cm.busy = true
	cm.mu.Unlock()
	select {
	case cm.wakeup <- struct{}{}:
	default:
	}
}

// Wait blocks until the worker has nothing left to do or is closed.
func (cm *CompactionManager) Wait() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for cm.busy && cm.ctx.Err() == nil {
		cm.idle.Wait()
	}
}

// Stats returns a copy of the counters.
func (cm *CompactionManager) Stats() CompactionStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.stats
}

// Close cancels a running compaction and stops the worker.
func (cm *CompactionManager) Close() {
	cm.cancel()
	cm.wg.Wait()
	cm.mu.Lock()
	cm.busy = false
	cm.idle.Broadcast()
	cm.mu.Unlock()
}

func (cm *CompactionManager) compactionWorker() {
	defer cm.wg.Done()
	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-cm.wakeup:
		}

		cm.compactUntilDone()

		cm.mu.Lock()
		if len(cm.wakeup) == 0 {
			cm.busy = false
			cm.idle.Broadcast()
		}
		cm.mu.Unlock()
	}
}

// compactUntilDone runs compactions until none is needed. A failure
// other than corruption is retried with a doubling delay; once the
// retries are spent the database takes the error, so writers stalled
// on level 0 return instead of waiting forever.
func (cm *CompactionManager) compactUntilDone() {
	failures := 0
	for cm.ctx.Err() == nil && cm.db.backgroundError() == nil {
		did, err := cm.runOnce()
		switch {
		case err == nil:
			if !did {
				return
			}
			failures = 0
			continue
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, ErrCorruption):
			cm.db.setBackgroundError("compaction hit corruption", err)
			return
		}

		failures++
		maxRetries, backoff := cm.retryPolicy()
		if failures > maxRetries {
			cm.db.setBackgroundError("compaction failed", err)
			return
		}
		backoff <<= min(failures-1, 10)
		cm.logger.Warn("compaction failed, retrying", "error", err, "attempt", failures, "backoff", backoff)
		select {
		case <-cm.ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (cm *CompactionManager) retryPolicy() (int, time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.maxRetries, cm.retryBackoff
}

// runOnce picks and runs one compaction. It reports whether there
// was anything to do.
func (cm *CompactionManager) runOnce() (bool, error) {
	cm.runMu.Lock()
	defer cm.runMu.Unlock()

	v := cm.db.versions.Current()
	c := cm.pickCompaction(v)
	if c == nil {
		v.Unref()
		return false, nil
	}
	defer v.Unref()
	return true, cm.run(cm.ctx, c)
}

// pickCompaction chooses the most urgent compaction for v or returns
// nil. L0 goes first once it reaches the trigger; otherwise the level
// whose size most exceeds its budget.
func (cm *CompactionManager) pickCompaction(v *Version) *Compaction {
	if len(v.Files(0)) >= cm.opts.Level0CompactionTrigger {
		return cm.pickL0Compaction(v)
	}

	bestLevel, bestScore := -1, 1.0
	for level := 1; level < v.NumLevels()-1; level++ {
		maxBytes := cm.opts.LevelMaxBytes(level)
		if maxBytes <= 0 {
			continue
		}
		score := float64(v.LevelSize(level)) / float64(maxBytes)
		if score >= bestScore {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel < 0 {
		return nil
	}
	return cm.pickLevelCompaction(v, bestLevel)
}

// pickL0Compaction takes every L0 file plus the L1 files they overlap.
func (cm *CompactionManager) pickL0Compaction(v *Version) *Compaction {
	c := &Compaction{
		level:             0,
		outputLevel:       1,
		version:           v,
		maxOutputFileSize: cm.opts.TargetFileSize(1),
	}
	c.inputs[0] = v.Files(0)
	smallest, largest := c.keyRange()
	c.inputs[1] = v.overlappingFiles(1, smallest, largest)
	return c
}

// pickLevelCompaction takes the file after the level's compaction
// pointer, wrapping around, plus its overlaps one level down.
func (cm *CompactionManager) pickLevelCompaction(v *Version, level int) *Compaction {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}
	vs := cm.db.versions
	pick := files[0]
	if ptr := vs.compactPointer[level]; ptr != nil {
		for _, f := range files {
			if bytes.Compare(f.SmallestKey.UserKey(), ptr) > 0 {
				pick = f
				break
			}
		}
	}
	vs.compactPointer[level] = bytes.Clone(pick.LargestKey.UserKey())

	c := &Compaction{
		level:             level,
		outputLevel:       level + 1,
		version:           v,
		maxOutputFileSize: cm.opts.TargetFileSize(level + 1),
	}
	c.inputs[0] = []*FileMetadata{pick}
	c.inputs[1] = v.overlappingFiles(level+1, pick.SmallestKey.UserKey(), pick.LargestKey.UserKey())
	return c
}

// compactLevel merges every file at level into level+1. The last
// level is rewritten in place. Used by CompactAll.
func (cm *CompactionManager) compactLevel(ctx context.Context, level int) error {
	cm.runMu.Lock()
	defer cm.runMu.Unlock()

	v := cm.db.versions.Current()
	defer v.Unref()
	if len(v.Files(level)) == 0 {
		return nil
	}
	outputLevel := min(level+1, v.NumLevels()-1)
	c := &Compaction{
		level:             level,
		outputLevel:       outputLevel,
		version:           v,
		maxOutputFileSize: cm.opts.TargetFileSize(outputLevel),
	}
	c.inputs[0] = v.Files(level)
	if outputLevel != level {
		smallest, largest := c.keyRange()
		c.inputs[1] = v.overlappingFiles(outputLevel, smallest, largest)
	}
	return cm.run(ctx, c)
}

// run executes c and installs its result in one version edit.
func (cm *CompactionManager) run(ctx context.Context, c *Compaction) error {
	start := time.Now()
	db := cm.db
	if cm.beforeRun != nil {
		if err := cm.beforeRun(c); err != nil {
			return err
		}
	}

	edit := NewVersionEdit()
	for _, f := range c.inputs[0] {
		edit.RemoveFile(c.level, f.FileNum)
	}
	for _, f := range c.inputs[1] {
		edit.RemoveFile(c.outputLevel, f.FileNum)
	}

	if c.isTrivialMove() {
		f := c.inputs[0][0]
		edit.AddFile(c.outputLevel, f)
		if err := db.versions.LogAndApply(edit); err != nil {
			return err
		}
		cm.logger.Info("trivial move", "file", f.FileNum, "from", c.level, "to", c.outputLevel)
		cm.mu.Lock()
		cm.stats.TrivialMoves++
		cm.mu.Unlock()
		db.compactionInstalled()
		return nil
	}

	cm.logger.Info("starting compaction", "level", c.level, "output_level", c.outputLevel,
		"inputs", len(c.inputs[0]), "overlapping", len(c.inputs[1]))

	outputs, stats, err := cm.doCompaction(ctx, c)
	defer db.releasePending(fileNums(outputs)...)
	if err != nil {
		cm.abortOutputs(outputs)
		return err
	}
	if err := ctx.Err(); err != nil {
		cm.abortOutputs(outputs)
		return err
	}
	for _, f := range outputs {
		edit.AddFile(c.outputLevel, f)
	}
	if err := db.versions.LogAndApply(edit); err != nil {
		cm.abortOutputs(outputs)
		return err
	}

	stats.Compactions = 1
	stats.Duration = time.Since(start)
	cm.mu.Lock()
	cm.stats.Compactions++
	cm.stats.BytesRead += stats.BytesRead
	cm.stats.BytesWritten += stats.BytesWritten
	cm.stats.FilesRead += stats.FilesRead
	cm.stats.FilesWritten += stats.FilesWritten
	cm.stats.EntriesIn += stats.EntriesIn
	cm.stats.EntriesOut += stats.EntriesOut
	cm.stats.Duration += stats.Duration
	cm.mu.Unlock()

	cm.logger.Info("compaction finished", "level", c.level, "output_level", c.outputLevel,
		"outputs", len(outputs), "entries_in", stats.EntriesIn, "entries_out", stats.EntriesOut,
		"duration", stats.Duration)
	db.compactionInstalled()
	return nil
}

func fileNums(files []*FileMetadata) []uint64 {
	nums := make([]uint64, len(files))
	for i, f := range files {
		nums[i] = f.FileNum
	}
	return nums
}

// abortOutputs removes finished outputs of a compaction that will not
// be installed.
func (cm *CompactionManager) abortOutputs(outputs []*FileMetadata) {
	for _, f := range outputs {
		if err := removeFile(tableFileName(cm.db.path, f.FileNum)); err != nil {
			cm.logger.Warn("failed to remove aborted output", "file", f.FileNum, "error", err)
		}
	}
}

// inputIterators opens the compaction inputs: one iterator per L0
// file, newest first, and one concatenating iterator per sorted level.
func (cm *CompactionManager) inputIterators(c *Compaction) []InternalIterator {
	fc := cm.db.fileCache
	var iters []InternalIterator
	if c.level == 0 {
		for _, f := range c.inputs[0] {
			iters = append(iters, newLevelIter(fc, []*FileMetadata{f}, nil))
		}
	} else {
		iters = append(iters, newLevelIter(fc, c.inputs[0], nil))
	}
	if len(c.inputs[1]) > 0 {
		iters = append(iters, newLevelIter(fc, c.inputs[1], nil))
	}
	return iters
}

// doCompaction merges the inputs into new tables at the output level.
// For each user key it keeps the newest entry plus the newest entry
// visible to each live snapshot. A tombstone is dropped once no
// snapshot needs it and no deeper level can hold the key.
func (cm *CompactionManager) doCompaction(ctx context.Context, c *Compaction) ([]*FileMetadata, CompactionStats, error) {
	db := cm.db
	var stats CompactionStats
	var outputs []*FileMetadata
	for _, files := range c.inputs {
		for _, f := range files {
			stats.FilesRead++
			stats.BytesRead += f.Size
		}
	}

	smallestSnapshot := db.snapshots.oldest(db.lastSeq.Load())
	bottom := c.outputLevel == c.version.NumLevels()-1

	iter := newMergingIter(cm.inputIterators(c))
	defer iter.Close()

	var (
		writer     *sstable.Writer
		writerNum  uint64
		curUserKey []byte
		hasUserKey bool
		// sequence of the previous entry kept or seen for curUserKey
		lastSeqForKey uint64
	)

	finishOutput := func() error {
		props, err := writer.Finish()
		writer = nil
		if err != nil {
			db.releasePending(writerNum)
			return err
		}
		meta := newFileMetadata(writerNum, props)
		outputs = append(outputs, meta)
		stats.FilesWritten++
		stats.BytesWritten += meta.Size
		return nil
	}
	abortWriter := func() {
		if writer != nil {
			writer.Abort()
			writer = nil
			db.releasePending(writerNum)
		}
	}

	done := ctx.Done()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		select {
		case <-done:
			abortWriter()
			return outputs, stats, ctx.Err()
		default:
		}

		k := iter.Key()
		uk := k.UserKey()
		stats.EntriesIn++

		if !hasUserKey || !bytes.Equal(uk, curUserKey) {
			curUserKey = append(curUserKey[:0], uk...)
			hasUserKey = true
			lastSeqForKey = keys.MaxSequenceNumber + 1

			// outputs are cut between user keys so all versions of a
			// key land in one file
			if writer != nil && int64(writer.EstimatedSize()) >= c.maxOutputFileSize {
				if err := finishOutput(); err != nil {
					return outputs, stats, err
				}
			}
		}

		drop := false
		switch {
		case lastSeqForKey <= smallestSnapshot:
			// shadowed by a newer entry every reader can see
			drop = true
		case k.Kind() == keys.KindDelete && k.Seq() <= smallestSnapshot &&
			(bottom || !c.version.keyMayExistBelow(c.outputLevel, uk)):
			drop = true
		}
		lastSeqForKey = k.Seq()
		if drop {
			continue
		}

		if writer == nil {
			writerNum = db.newPendingFileNum()
			w, err := sstable.NewWriter(db.tableWriterOptions(writerNum))
			if err != nil {
				db.releasePending(writerNum)
				return outputs, stats, err
			}
			writer = w
		}
		if err := writer.Add(k, iter.Value()); err != nil {
			abortWriter()
			return outputs, stats, err
		}
		stats.EntriesOut++
	}
	if err := iter.Error(); err != nil {
		abortWriter()
		return outputs, stats, err
	}
	if err := ctx.Err(); err != nil {
		abortWriter()
		return outputs, stats, err
	}
	if writer != nil {
		if err := finishOutput(); err != nil {
			return outputs, stats, err
		}
	}
	return outputs, stats, nil
}
