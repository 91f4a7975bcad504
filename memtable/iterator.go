package memtable

import (
	"github.com/twlk9/lgkv/keys"
)

// MemTableIterator walks the memtable in internal key order. Entries
// added after the iterator was positioned may or may not be seen.
type MemTableIterator struct {
	mt     *MemTable
	node   int // 0 when not positioned
	bounds *keys.Range
	key    keys.EncodedKey
	value  []byte
}

// NewIterator returns an iterator restricted to bounds, which may be
// nil.
func (mt *MemTable) NewIterator(bounds *keys.Range) *MemTableIterator {
	return &MemTableIterator{mt: mt, bounds: bounds}
}

// fill loads the current node, invalidating outside the bounds.
// Caller holds the read lock.
func (it *MemTableIterator) fill() {
	if it.node != 0 {
		it.key = it.mt.keyAt(it.node)
		if it.bounds.Contains(it.key.UserKey()) {
			it.value = it.mt.valueAt(it.node)
			return
		}
		it.node = 0
	}
	it.key = nil
	it.value = nil
}

// SeekToFirst positions the iterator at the first element in bounds.
func (it *MemTableIterator) SeekToFirst() {
	if it.bounds != nil && it.bounds.Start != nil {
		it.Seek(keys.NewQueryKey(it.bounds.Start))
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[posNext]
	it.fill()
}

// Seek positions the iterator at the first element >= target.
func (it *MemTableIterator) Seek(target keys.EncodedKey) {
	if it.bounds.BeforeStart(target.UserKey()) {
		target = keys.NewQueryKey(it.bounds.Start)
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.findGE(target, false)
	it.fill()
}

// SeekToLast positions the iterator at the last element in bounds.
func (it *MemTableIterator) SeekToLast() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	if it.bounds != nil && it.bounds.Limit != nil {
		it.node = it.mt.findLT(keys.NewQueryKey(it.bounds.Limit))
	} else {
		it.node = it.mt.findLast()
	}
	it.fill()
}

// Valid returns true if the iterator is positioned at a valid element.
func (it *MemTableIterator) Valid() bool {
	return it.node != 0
}

// Next moves the iterator to the next element.
func (it *MemTableIterator) Next() {
	if it.node == 0 {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[it.node+posNext]
	it.fill()
}

// Prev moves the iterator to the previous element. The skiplist has
// no back links, so this is a search from the head.
func (it *MemTableIterator) Prev() {
	if it.node == 0 {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.findLT(it.key)
	it.fill()
}

// Key returns the current internal key.
func (it *MemTableIterator) Key() keys.EncodedKey {
	return it.key
}

// Value returns the current value.
func (it *MemTableIterator) Value() []byte {
	return it.value
}

// Error always returns nil; kept for the common iterator shape.
func (it *MemTableIterator) Error() error {
	return nil
}

// Close releases any resources held by the iterator.
func (it *MemTableIterator) Close() error {
	it.node = 0
	return nil
}
