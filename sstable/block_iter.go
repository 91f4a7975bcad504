package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/keys"
)

// Block is a decoded (uncompressed) block payload.
type Block struct {
	data     []byte // entries only
	restarts []byte // raw restart array
	n        int    // number of restart points
}

func parseBlock(payload []byte) (*Block, error) {
	if len(payload) < 4 {
		return nil, dberrors.Corruptf("block", "", "payload too short: %d bytes", len(payload))
	}
	n := int(binary.LittleEndian.Uint32(payload[len(payload)-4:]))
	restartsLen := 4 * n
	if n == 0 || restartsLen > len(payload)-4 {
		return nil, dberrors.Corruptf("block", "", "bad restart count %d", n)
	}
	end := len(payload) - 4 - restartsLen
	return &Block{
		data:     payload[:end],
		restarts: payload[end : len(payload)-4],
		n:        n,
	}, nil
}

func (b *Block) restart(i int) int {
	return int(binary.LittleEndian.Uint32(b.restarts[4*i:]))
}

// Size is the decoded payload size, used for cache accounting.
func (b *Block) Size() int {
	return len(b.data) + len(b.restarts) + 4
}

// BlockIterator walks the entries of one block.
type BlockIterator struct {
	block  *Block
	offset int // offset of current entry
	next   int // offset of the entry after current
	key    []byte
	value  []byte
	valid  bool
	err    error
}

func newBlockIter(payload []byte) (*BlockIterator, error) {
	b, err := parseBlock(payload)
	if err != nil {
		return nil, err
	}
	return b.NewIterator(), nil
}

// NewIterator creates a new block iterator
func (b *Block) NewIterator() *BlockIterator {
	return &BlockIterator{block: b, key: make([]byte, 0, 64)}
}

// decodeAt decodes the entry at off, using it.key as the previous key.
func (it *BlockIterator) decodeAt(off int) bool {
	data := it.block.data
	if off >= len(data) {
		it.valid = false
		return false
	}
	shared, n1 := binary.Uvarint(data[off:])
	if n1 <= 0 {
		return it.corrupt(off)
	}
	unshared, n2 := binary.Uvarint(data[off+n1:])
	if n2 <= 0 {
		return it.corrupt(off)
	}
	vlen, n3 := binary.Uvarint(data[off+n1+n2:])
	if n3 <= 0 {
		return it.corrupt(off)
	}
	p := off + n1 + n2 + n3
	if int(shared) > len(it.key) || uint64(len(data)-p) < unshared+vlen {
		return it.corrupt(off)
	}
	it.key = append(it.key[:shared], data[p:p+int(unshared)]...)
	p += int(unshared)
	it.value = data[p : p+int(vlen)]
	it.offset = off
	it.next = p + int(vlen)
	it.valid = true
	return true
}

func (it *BlockIterator) corrupt(off int) bool {
	it.err = dberrors.CorruptAt("block", "", int64(off), "malformed entry")
	it.valid = false
	return false
}

// SeekToFirst positions the iterator at the first element
func (it *BlockIterator) SeekToFirst() {
	it.err = nil
	it.key = it.key[:0]
	it.decodeAt(0)
}

// Seek positions the iterator at the first entry >= target.
func (it *BlockIterator) Seek(target keys.EncodedKey) {
	it.err = nil
	b := it.block

	// Binary search restart points for the last one with key < target.
	i := sort.Search(b.n, func(i int) bool {
		it.key = it.key[:0]
		if !it.decodeAt(b.restart(i)) {
			return true
		}
		return keys.EncodedKey(it.key).Compare(target) >= 0
	})
	if it.err != nil {
		return
	}
	start := 0
	if i > 0 {
		start = b.restart(i - 1)
	}

	it.key = it.key[:0]
	for ok := it.decodeAt(start); ok; ok = it.decodeAt(it.next) {
		if keys.EncodedKey(it.key).Compare(target) >= 0 {
			return
		}
	}
}

// SeekToLast positions the iterator at the last entry.
func (it *BlockIterator) SeekToLast() {
	it.err = nil
	it.seekBefore(len(it.block.data))
}

// Prev moves the iterator to the previous entry.
func (it *BlockIterator) Prev() {
	if !it.Valid() {
		return
	}
	it.seekBefore(it.offset)
}

// seekBefore leaves the iterator on the last entry starting before
// end. Keys are prefix compressed, so it decodes forward from the last
// restart point ahead of end.
func (it *BlockIterator) seekBefore(end int) {
	b := it.block
	i := sort.Search(b.n, func(i int) bool { return b.restart(i) >= end }) - 1
	if i < 0 {
		it.valid = false
		return
	}
	it.key = it.key[:0]
	for ok := it.decodeAt(b.restart(i)); ok && it.next < end; {
		ok = it.decodeAt(it.next)
	}
}

// Valid returns true if the iterator is positioned at a valid element
func (it *BlockIterator) Valid() bool {
	return it.err == nil && it.valid
}

// Next moves the iterator to the next element
func (it *BlockIterator) Next() {
	if !it.Valid() {
		return
	}
	it.decodeAt(it.next)
}

// Key returns the current key. It is only stable until the next move.
func (it *BlockIterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return keys.EncodedKey(it.key)
}

// Value returns the current value. It aliases the block.
func (it *BlockIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.value
}

// Error returns any accumulated error
func (it *BlockIterator) Error() error {
	return it.err
}
