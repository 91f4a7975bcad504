package sstable

import (
	"hash/fnv"
	"math/bits"
)

// bloomFilter is a whole-table filter over user keys. Layout is the
// bit array followed by one byte holding the probe count.
type bloomFilter []byte

// bloomBuilder collects key hashes until the table is finished.
type bloomBuilder struct {
	bitsPerKey int
	hashes     []uint64
	lastKey    []byte
}

func newBloomBuilder(bitsPerKey int) *bloomBuilder {
	if bitsPerKey <= 0 {
		return nil
	}
	return &bloomBuilder{bitsPerKey: bitsPerKey}
}

// addKey records a user key. Consecutive duplicates (several versions
// of one key) are only hashed once.
func (b *bloomBuilder) addKey(userKey []byte) {
	if b == nil {
		return
	}
	if len(b.hashes) > 0 && string(b.lastKey) == string(userKey) {
		return
	}
	b.lastKey = append(b.lastKey[:0], userKey...)
	b.hashes = append(b.hashes, bloomHash(userKey))
}

func (b *bloomBuilder) finish() bloomFilter {
	if b == nil {
		return nil
	}
	// 0.69 ~= ln(2) gives the optimal probe count for bitsPerKey.
	k := uint8(float64(b.bitsPerKey) * 0.69)
	k = max(1, min(k, 30))

	nBits := max(64, len(b.hashes)*b.bitsPerKey)
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	f := make([]byte, nBytes+1)
	for _, h := range b.hashes {
		h1, h2 := uint32(h), uint32(h>>32)|1
		for i := uint8(0); i < k; i++ {
			pos := (h1 + uint32(i)*h2) % uint32(nBits)
			f[pos/8] |= 1 << (pos % 8)
		}
	}
	f[nBytes] = k
	return f
}

// MayContain reports false only when key was definitely never added.
func (f bloomFilter) MayContain(userKey []byte) bool {
	if len(f) < 2 {
		return true
	}
	k := f[len(f)-1]
	if k > 30 {
		// Unknown encoding; never produce a false negative.
		return true
	}
	nBits := uint32(len(f)-1) * 8
	h := bloomHash(userKey)
	h1, h2 := uint32(h), uint32(h>>32)|1
	for i := uint8(0); i < k; i++ {
		pos := (h1 + uint32(i)*h2) % nBits
		if f[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

func bloomHash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	s := h.Sum64()
	// fold in a rotation so the two 32 bit halves are less correlated
	return s ^ bits.RotateLeft64(s, 31)
}
