package lgkv

import (
	"sort"

	"github.com/twlk9/lgkv/keys"
	"github.com/twlk9/lgkv/sstable"
)

// tableIter is a table iterator that holds its reader open.
type tableIter struct {
	*sstable.Iterator
	handle *TableHandle
}

func (t *tableIter) Close() error {
	err := t.Iterator.Close()
	t.handle.Release()
	return err
}

// newTableIter opens file through the cache and iterates it.
func newTableIter(fc *FileCache, f *FileMetadata, bounds *keys.Range) (*tableIter, error) {
	h, err := fc.Get(f.FileNum)
	if err != nil {
		return nil, err
	}
	return &tableIter{Iterator: h.Reader().NewIterator(bounds), handle: h}, nil
}

// levelIter concatenates the sorted, disjoint files of one level and
// opens each only when the walk reaches it.
type levelIter struct {
	fc     *FileCache
	files  []*FileMetadata
	bounds *keys.Range
	index  int
	cur    *tableIter
	err    error
}

func newLevelIter(fc *FileCache, files []*FileMetadata, bounds *keys.Range) *levelIter {
	var in []*FileMetadata
	for _, f := range files {
		if bounds.OverlapsSpan(f.SmallestKey.UserKey(), f.LargestKey.UserKey()) {
			in = append(in, f)
		}
	}
	return &levelIter{fc: fc, files: in, bounds: bounds, index: -1}
}

// open switches to file i, closing the previous one. Out of range i
// leaves nothing open.
func (l *levelIter) open(i int) bool {
	if l.cur != nil {
		if err := l.cur.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.cur = nil
	}
	l.index = i
	if i < 0 || i >= len(l.files) || l.err != nil {
		return false
	}
	it, err := newTableIter(l.fc, l.files[i], l.bounds)
	if err != nil {
		l.err = err
		return false
	}
	l.cur = it
	return true
}

func (l *levelIter) SeekToFirst() {
	l.err = nil
	if l.open(0) {
		l.cur.SeekToFirst()
		l.skipExhausted()
	}
}

func (l *levelIter) SeekToLast() {
	l.err = nil
	if l.open(len(l.files) - 1) {
		l.cur.SeekToLast()
		l.skipExhaustedBackward()
	}
}

func (l *levelIter) Seek(target keys.EncodedKey) {
	l.err = nil
	i := sort.Search(len(l.files), func(i int) bool {
		return l.files[i].LargestKey.Compare(target) >= 0
	})
	if l.open(i) {
		l.cur.Seek(target)
		l.skipExhausted()
	}
}

func (l *levelIter) Next() {
	if !l.Valid() {
		return
	}
	l.cur.Next()
	l.skipExhausted()
}

func (l *levelIter) Prev() {
	if !l.Valid() {
		return
	}
	l.cur.Prev()
	l.skipExhaustedBackward()
}

// skipExhausted moves to the next file while the current one is done.
func (l *levelIter) skipExhausted() {
	for l.cur != nil && !l.cur.Valid() {
		if err := l.cur.Error(); err != nil {
			l.err = err
			return
		}
		if !l.open(l.index + 1) {
			return
		}
		l.cur.SeekToFirst()
	}
}

// skipExhaustedBackward moves to the previous file while the current
// one is done.
func (l *levelIter) skipExhaustedBackward() {
	for l.cur != nil && !l.cur.Valid() {
		if err := l.cur.Error(); err != nil {
			l.err = err
			return
		}
		if !l.open(l.index - 1) {
			return
		}
		l.cur.SeekToLast()
	}
}

func (l *levelIter) Valid() bool {
	return l.err == nil && l.cur != nil && l.cur.Valid()
}

func (l *levelIter) Key() keys.EncodedKey {
	if !l.Valid() {
		return nil
	}
	return l.cur.Key()
}

func (l *levelIter) Value() []byte {
	if !l.Valid() {
		return nil
	}
	return l.cur.Value()
}

func (l *levelIter) Error() error {
	return l.err
}

func (l *levelIter) Close() error {
	l.open(len(l.files))
	return l.err
}
