package lgkv

import (
	"bytes"
	"container/heap"

	"github.com/twlk9/lgkv/keys"
)

// InternalIterator walks internal keys in either direction. Memtable,
// table and level iterators all satisfy it.
type InternalIterator interface {
	// Valid returns true if the iterator is positioned at a valid element.
	Valid() bool

	// SeekToFirst positions the iterator at the first element.
	SeekToFirst()

	// SeekToLast positions the iterator at the last element.
	SeekToLast()

	// Seek positions the iterator at the first element >= target.
	Seek(target keys.EncodedKey)

	// Next moves the iterator to the next element.
	Next()

	// Prev moves the iterator to the previous element.
	Prev()

	// Key returns the current key.
	Key() keys.EncodedKey

	// Value returns the current value.
	Value() []byte

	// Error returns any accumulated error.
	Error() error

	// Close releases any resources held by the iterator.
	Close() error
}

// heapEntry is a child iterator plus its position in the source list.
// Earlier sources win ties.
type heapEntry struct {
	iter  InternalIterator
	order int
}

// iteratorHeap orders iterators by their current key: smallest on top
// going forward, largest on top in reverse.
type iteratorHeap struct {
	items   []heapEntry
	reverse bool
}

func (h *iteratorHeap) Len() int { return len(h.items) }

func (h *iteratorHeap) Less(i, j int) bool {
	if c := h.items[i].iter.Key().Compare(h.items[j].iter.Key()); c != 0 {
		return (c < 0) != h.reverse
	}
	return h.items[i].order < h.items[j].order
}

func (h *iteratorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *iteratorHeap) Push(x any) { h.items = append(h.items, x.(heapEntry)) }

func (h *iteratorHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// mergingIter presents several sorted iterators as one sorted stream.
// Every version of every key is returned; compaction consumes it raw.
type mergingIter struct {
	iters []InternalIterator
	h     iteratorHeap
	err   error
}

func newMergingIter(iters []InternalIterator) *mergingIter {
	return &mergingIter{iters: iters, h: iteratorHeap{items: make([]heapEntry, 0, len(iters))}}
}

func (m *mergingIter) rebuild(reverse bool) {
	m.h.items = m.h.items[:0]
	m.h.reverse = reverse
	m.err = nil
	for i, it := range m.iters {
		if it.Valid() {
			m.h.items = append(m.h.items, heapEntry{iter: it, order: i})
		} else if err := it.Error(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
}

func (m *mergingIter) SeekToFirst() {
	for _, it := range m.iters {
		it.SeekToFirst()
	}
	m.rebuild(false)
}

func (m *mergingIter) SeekToLast() {
	for _, it := range m.iters {
		it.SeekToLast()
	}
	m.rebuild(true)
}

func (m *mergingIter) Seek(target keys.EncodedKey) {
	for _, it := range m.iters {
		it.Seek(target)
	}
	m.rebuild(false)
}

// seekLT positions at the last entry < target and leaves the stream
// moving in reverse.
func (m *mergingIter) seekLT(target keys.EncodedKey) {
	for _, it := range m.iters {
		seekChildBefore(it, target)
	}
	m.rebuild(true)
}

// seekChildBefore puts it on its last entry < target.
func seekChildBefore(it InternalIterator, target keys.EncodedKey) {
	it.Seek(target)
	switch {
	case it.Valid():
		it.Prev()
	case it.Error() == nil:
		it.SeekToLast()
	}
}

func (m *mergingIter) Valid() bool {
	return m.err == nil && len(m.h.items) > 0
}

func (m *mergingIter) Next() {
	if !m.Valid() {
		return
	}
	top := m.h.items[0].iter
	if m.h.reverse {
		// The other children sit before the current key. Move each to
		// its first entry after it.
		key := top.Key().Clone()
		for _, it := range m.iters {
			if it == top {
				continue
			}
			it.Seek(key)
			if it.Valid() && it.Key().Compare(key) == 0 {
				it.Next()
			}
		}
		top.Next()
		m.rebuild(false)
		return
	}
	top.Next()
	m.fixTop(top)
}

func (m *mergingIter) Prev() {
	if !m.Valid() {
		return
	}
	top := m.h.items[0].iter
	if !m.h.reverse {
		// The other children sit after the current key. Move each to
		// its last entry before it.
		key := top.Key().Clone()
		for _, it := range m.iters {
			if it != top {
				seekChildBefore(it, key)
			}
		}
		top.Prev()
		m.rebuild(true)
		return
	}
	top.Prev()
	m.fixTop(top)
}

// fixTop restores the heap after the top child moved one step.
func (m *mergingIter) fixTop(top InternalIterator) {
	if top.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.Error(); err != nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

func (m *mergingIter) Key() keys.EncodedKey {
	if !m.Valid() {
		return nil
	}
	return m.h.items[0].iter.Key()
}

func (m *mergingIter) Value() []byte {
	if !m.Valid() {
		return nil
	}
	return m.h.items[0].iter.Value()
}

func (m *mergingIter) Error() error {
	return m.err
}

func (m *mergingIter) Close() error {
	var firstErr error
	for _, it := range m.iters {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.iters = nil
	m.h.items = nil
	return firstErr
}

// MergeIterator turns the raw merged stream into what a reader should
// see: one entry per user key, the newest with seq <= the ceiling, and
// nothing for keys whose newest visible entry is a tombstone.
type MergeIterator struct {
	m       *mergingIter
	bounds  *keys.Range
	seq     uint64
	reverse bool

	// The winner is copied out because skipping older versions moves
	// the children.
	key      keys.EncodedKey
	value    []byte
	prevUser []byte
	valid    bool
	err      error
}

// NewMergeIterator merges iters. They must be ordered newest source
// first so equal internal keys resolve to the newer source.
func NewMergeIterator(iters []InternalIterator, bounds *keys.Range, seq uint64) *MergeIterator {
	return &MergeIterator{m: newMergingIter(iters), bounds: bounds, seq: seq}
}

// SeekToFirst positions at the first visible key inside the bounds.
func (it *MergeIterator) SeekToFirst() {
	it.reverse = false
	if it.bounds != nil && it.bounds.Start != nil {
		it.m.Seek(keys.NewQueryKey(it.bounds.Start))
	} else {
		it.m.SeekToFirst()
	}
	it.findNext()
}

// Seek positions at the first visible key >= target's user key.
func (it *MergeIterator) Seek(target keys.EncodedKey) {
	if it.bounds.BeforeStart(target.UserKey()) {
		target = keys.NewQueryKey(it.bounds.Start)
	}
	it.reverse = false
	it.m.Seek(target)
	it.findNext()
}

// SeekToLast positions at the last visible key inside the bounds.
func (it *MergeIterator) SeekToLast() {
	it.reverse = true
	if it.bounds != nil && it.bounds.Limit != nil {
		it.m.seekLT(keys.NewQueryKey(it.bounds.Limit))
	} else {
		it.m.SeekToLast()
	}
	it.findPrev()
}

func (it *MergeIterator) findNext() {
	it.valid = false
	it.err = nil
	for it.m.Valid() {
		k := it.m.Key()
		if it.bounds.AtOrPastLimit(k.UserKey()) {
			return
		}
		if k.Seq() > it.seq {
			it.m.Next()
			continue
		}
		it.key = append(it.key[:0], k...)
		it.value = append(it.value[:0], it.m.Value()...)
		uk := it.key.UserKey()
		for it.m.Next(); it.m.Valid() && bytes.Equal(it.m.Key().UserKey(), uk); it.m.Next() {
		}
		if it.key.Kind() == keys.KindDelete {
			continue
		}
		it.valid = true
		return
	}
	it.err = it.m.Error()
}

// findPrev walks back to the previous user key with a visible, live
// version. Going backward a key's versions arrive oldest first, so the
// last one at or under the ceiling wins.
func (it *MergeIterator) findPrev() {
	it.valid = false
	it.err = nil
	for it.m.Valid() {
		k := it.m.Key()
		if it.bounds.BeforeStart(k.UserKey()) {
			break
		}
		it.prevUser = append(it.prevUser[:0], k.UserKey()...)
		found := false
		for ; it.m.Valid() && bytes.Equal(it.m.Key().UserKey(), it.prevUser); it.m.Prev() {
			if k := it.m.Key(); k.Seq() <= it.seq {
				it.key = append(it.key[:0], k...)
				it.value = append(it.value[:0], it.m.Value()...)
				found = true
			}
		}
		if found && it.key.Kind() != keys.KindDelete {
			it.valid = true
			return
		}
	}
	it.err = it.m.Error()
}

func (it *MergeIterator) Valid() bool {
	return it.valid && it.err == nil
}

func (it *MergeIterator) Next() {
	if !it.Valid() {
		return
	}
	if it.reverse {
		// the stream sits on the previous key; jump past every version
		// of the current one
		it.reverse = false
		it.m.Seek(keys.NewEncodedKey(it.key.UserKey(), 0, 0))
	}
	it.findNext()
}

func (it *MergeIterator) Prev() {
	if !it.Valid() {
		return
	}
	if !it.reverse {
		// the stream sits on the next key; step back before every
		// version of the current one
		it.reverse = true
		it.m.seekLT(keys.NewQueryKey(it.key.UserKey()))
	}
	it.findPrev()
}

func (it *MergeIterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.key
}

func (it *MergeIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.value
}

func (it *MergeIterator) Error() error {
	return it.err
}

func (it *MergeIterator) Close() error {
	it.valid = false
	return it.m.Close()
}
