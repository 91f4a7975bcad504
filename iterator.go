package lgkv

import (
	"sync"

	"github.com/twlk9/lgkv/keys"
	"github.com/twlk9/lgkv/memtable"
)

// Iterator walks the live keys of a range in either direction. It sees
// the database as of its creation (or of its snapshot) and holds a
// version reference until Close, so the files it reads stay on disk.
// An Iterator is not safe for concurrent use.
type Iterator struct {
	merge   *MergeIterator
	version *Version
	once    sync.Once
	err     error
}

// newIterator builds a merged view over memtables (newest first) and
// the tables of v. It takes ownership of the caller's reference on v.
func (db *DB) newIterator(mems []*memtable.MemTable, v *Version, bounds *keys.Range, seq uint64) *Iterator {
	iters := make([]InternalIterator, 0, len(mems)+len(v.Files(0))+v.NumLevels())
	for _, mt := range mems {
		iters = append(iters, mt.NewIterator(bounds))
	}
	for _, f := range v.Files(0) {
		if !bounds.OverlapsSpan(f.SmallestKey.UserKey(), f.LargestKey.UserKey()) {
			continue
		}
		iters = append(iters, newLevelIter(db.fileCache, []*FileMetadata{f}, bounds))
	}
	for level := 1; level < v.NumLevels(); level++ {
		if files := v.Files(level); len(files) > 0 {
			iters = append(iters, newLevelIter(db.fileCache, files, bounds))
		}
	}
	it := &Iterator{
		merge:   NewMergeIterator(iters, bounds, seq),
		version: v,
	}
	it.merge.SeekToFirst()
	return it
}

// Valid returns true if the iterator is positioned at a key.
func (it *Iterator) Valid() bool {
	return it.merge.Valid()
}

// SeekToFirst rewinds to the first key of the range.
func (it *Iterator) SeekToFirst() {
	it.merge.SeekToFirst()
}

// SeekToLast positions at the last key of the range.
func (it *Iterator) SeekToLast() {
	it.merge.SeekToLast()
}

// Seek positions at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	it.merge.Seek(keys.NewQueryKey(key))
}

// Next moves to the next key.
func (it *Iterator) Next() {
	it.merge.Next()
}

// Prev moves to the previous key.
func (it *Iterator) Prev() {
	it.merge.Prev()
}

// Key returns the current user key. It is valid until the next move.
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.merge.Key().UserKey()
}

// Value returns the current value. It is valid until the next move.
func (it *Iterator) Value() []byte {
	return it.merge.Value()
}

// Error returns the first error hit while iterating.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.merge.Error()
}

// Close releases the iterator's files and version.
func (it *Iterator) Close() error {
	it.once.Do(func() {
		it.err = it.merge.Close()
		it.version.Unref()
	})
	return it.err
}
