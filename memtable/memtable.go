// Package memtable is the in-memory write buffer: an arena backed
// skiplist ordered by internal key.
package memtable

import (
	"math/rand/v2"
	"sync"

	"github.com/twlk9/lgkv/keys"
)

const tMaxHeight = 12

// Node layout inside md. A node is the index of its first slot.
const (
	posKV     = iota // offset of key+value in d
	posKey           // key length
	posVal           // value length
	posHeight        // number of next pointers
	posNext          // next pointer for level 0; level i is at posNext+i
)

// MemTable never mutates an entry once written. An overwrite or delete
// is a new entry with a higher sequence number. Readers take the read
// lock and may run concurrently with each other.
type MemTable struct {
	mu        sync.RWMutex
	rnd       *rand.Rand
	d         []byte // keys and values, appended only
	md        []int  // node metadata
	prev      [tMaxHeight]int
	maxHeight int
	n         int
	maxSeq    uint64
}

// NewMemtable creates an empty memtable sized for writeBufferSize
// bytes of data.
func NewMemtable(writeBufferSize int) *MemTable {
	// ~6 ints per node at a guessed 64 bytes per entry
	estimatedEntries := writeBufferSize / 64
	mt := &MemTable{
		rnd:       rand.New(rand.NewPCG(4, 8)),
		maxHeight: 1,
		d:         make([]byte, 0, writeBufferSize),
		md:        make([]int, 4+tMaxHeight, 4+tMaxHeight+estimatedEntries*6),
	}
	mt.md[posHeight] = tMaxHeight
	return mt
}

func (mt *MemTable) randHeight() int {
	const branching = 4
	h := 1
	for h < tMaxHeight && mt.rnd.IntN(branching) == 0 {
		h++
	}
	return h
}

func (mt *MemTable) keyAt(node int) keys.EncodedKey {
	o := mt.md[node+posKV]
	return keys.EncodedKey(mt.d[o : o+mt.md[node+posKey]])
}

func (mt *MemTable) valueAt(node int) []byte {
	o := mt.md[node+posKV] + mt.md[node+posKey]
	return mt.d[o : o+mt.md[node+posVal]]
}

// findGE returns the first node >= key, or 0. With prev set it also
// records the predecessor at every level for an insert.
func (mt *MemTable) findGE(key keys.EncodedKey, prev bool) int {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			cmp = mt.keyAt(next).Compare(key)
		}
		if cmp < 0 {
			node = next
			continue
		}
		if prev {
			mt.prev[h] = node
		}
		if h == 0 {
			return next
		}
		h--
	}
}

// findLT returns the last node < key, or 0.
func (mt *MemTable) findLT(key keys.EncodedKey) int {
	node := 0
	for h := mt.maxHeight - 1; h >= 0; h-- {
		for {
			next := mt.md[node+posNext+h]
			if next == 0 || mt.keyAt(next).Compare(key) >= 0 {
				break
			}
			node = next
		}
	}
	return node
}

// findLast returns the last node, or 0 when the memtable is empty.
func (mt *MemTable) findLast() int {
	node := 0
	for h := mt.maxHeight - 1; h >= 0; h-- {
		for mt.md[node+posNext+h] != 0 {
			node = mt.md[node+posNext+h]
		}
	}
	return node
}

// Put inserts an internal key. Internal keys are unique because every
// write gets a fresh sequence number.
func (mt *MemTable) Put(key keys.EncodedKey, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.findGE(key, true)

	h := mt.randHeight()
	if h > mt.maxHeight {
		// new levels start at the head; lower ones were set by findGE
		for i := mt.maxHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.maxHeight = h
	}

	// The node's bytes are written before any link points at it.
	off := len(mt.d)
	mt.d = append(mt.d, key...)
	mt.d = append(mt.d, value...)
	node := len(mt.md)
	mt.md = append(mt.md, off, len(key), len(value), h)
	for i, n := range mt.prev[:h] {
		m := n + posNext + i
		mt.md = append(mt.md, mt.md[m])
		mt.md[m] = node
	}
	mt.n++
	mt.maxSeq = max(mt.maxSeq, key.Seq())
}

// Add encodes and inserts one mutation.
func (mt *MemTable) Add(seq uint64, kind keys.Kind, userKey, value []byte) {
	mt.Put(keys.NewEncodedKey(userKey, seq, kind), value)
}

// Get returns the newest entry for userKey whose sequence is at most
// seq. A tombstone is reported as found with kind KindDelete. The
// returned value aliases the memtable and must not be modified.
func (mt *MemTable) Get(userKey []byte, seq uint64) (value []byte, kind keys.Kind, found bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, 0, false
	}
	node := mt.findGE(keys.NewSnapshotKey(userKey, seq), false)
	if node == 0 {
		return nil, 0, false
	}
	k := mt.keyAt(node)
	if k.UserKey().Compare(userKey) != 0 {
		return nil, 0, false
	}
	return mt.valueAt(node), k.Kind(), true
}

// ApproximateSize is the memory used by keys, values and node
// metadata. The engine flushes once it crosses the write buffer size.
func (mt *MemTable) ApproximateSize() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if mt.n == 0 {
		return 0
	}
	return len(mt.d) + len(mt.md)*8
}

// Len returns the number of entries.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.n
}

// Empty reports whether nothing was ever added.
func (mt *MemTable) Empty() bool {
	return mt.Len() == 0
}

// MaxSeq returns the highest sequence number inserted.
func (mt *MemTable) MaxSeq() uint64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.maxSeq
}
