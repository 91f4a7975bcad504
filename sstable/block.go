package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/twlk9/lgkv/compression"
	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/keys"
)

// Block layout, before compression:
//
//	entry*  restart_offset(u32)*  num_restarts(u32)
//
// Each entry is varint(shared) varint(unshared) varint(value_len)
// followed by the unshared key suffix and the value. Keys at restart
// points are stored whole. On disk the (possibly compressed) payload
// is followed by a 5 byte trailer: codec id and a CRC32-C over the
// payload plus codec byte.

const (
	// BlockTrailerSize is codec id + checksum.
	BlockTrailerSize = 5

	// RestartInterval is the default number of keys between restarts.
	RestartInterval = 16
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Entry is one decoded key/value pair.
type Entry struct {
	Key   keys.EncodedKey
	Value []byte
}

// BlockBuilder builds data blocks using shared-prefix compression.
type BlockBuilder struct {
	buffer          []byte
	restarts        []uint32
	numEntries      int
	lastKey         []byte
	finished        bool
	restartInterval int
	blockSize       int
}

// NewBlockBuilder creates a new block builder.
func NewBlockBuilder(blockSize, restartInterval int) *BlockBuilder {
	if restartInterval <= 0 {
		restartInterval = RestartInterval
	}
	return &BlockBuilder{
		buffer:          make([]byte, 0, blockSize),
		restartInterval: restartInterval,
		blockSize:       blockSize,
	}
}

// Add appends a key/value pair. Keys must arrive in increasing order.
func (b *BlockBuilder) Add(key, value []byte) {
	if b.finished {
		panic("sstable: add to finished block")
	}

	shared := 0
	if b.numEntries%b.restartInterval == 0 {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
	} else {
		shared = sharedPrefixLen(b.lastKey, key)
	}

	b.buffer = binary.AppendUvarint(b.buffer, uint64(shared))
	b.buffer = binary.AppendUvarint(b.buffer, uint64(len(key)-shared))
	b.buffer = binary.AppendUvarint(b.buffer, uint64(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.numEntries++
}

// Finish appends the restart array and returns the block payload. The
// slice is owned by the builder until Reset.
func (b *BlockBuilder) Finish() []byte {
	if b.finished {
		panic("sstable: block already finished")
	}
	if len(b.restarts) == 0 {
		b.restarts = append(b.restarts, 0)
	}
	for _, restart := range b.restarts {
		b.buffer = binary.LittleEndian.AppendUint32(b.buffer, restart)
	}
	b.buffer = binary.LittleEndian.AppendUint32(b.buffer, uint32(len(b.restarts)))
	b.finished = true
	return b.buffer
}

// IsFull reports whether the block reached its target size.
func (b *BlockBuilder) IsFull() bool {
	return len(b.buffer)+4*len(b.restarts) >= b.blockSize
}

// EstimatedSize returns the size of the block if finished now.
func (b *BlockBuilder) EstimatedSize() int {
	return len(b.buffer) + 4*len(b.restarts) + 4
}

// IsEmpty returns true if the block is empty
func (b *BlockBuilder) IsEmpty() bool {
	return b.numEntries == 0
}

// Reset resets the block builder for reuse
func (b *BlockBuilder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = b.restarts[:0]
	b.numEntries = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// NumEntries returns the number of entries in the block
func (b *BlockBuilder) NumEntries() int {
	return b.numEntries
}

// LastKey returns the most recently added key.
func (b *BlockBuilder) LastKey() []byte {
	return b.lastKey
}

// sharedPrefixLen returns the length of the common prefix of a and b,
// comparing 8 bytes at a time while it can.
func sharedPrefixLen(a, b []byte) int {
	var shared int
	n := min(len(a), len(b))
	for shared+8 <= n && binary.LittleEndian.Uint64(a[shared:]) == binary.LittleEndian.Uint64(b[shared:]) {
		shared += 8
	}
	for shared < n && a[shared] == b[shared] {
		shared++
	}
	return shared
}

// sealBlock compresses payload and appends it plus the trailer to dst.
func sealBlock(dst, payload []byte, compressor compression.Compressor) ([]byte, error) {
	stored, codec, err := compression.CompressBlock(compressor, nil, payload)
	if err != nil {
		return nil, err
	}
	dst = append(dst, stored...)
	return appendTrailer(dst, stored, codec), nil
}

func appendTrailer(dst, stored []byte, codec compression.Type) []byte {
	crc := crc32.Update(0, crcTable, stored)
	crc = crc32.Update(crc, crcTable, []byte{byte(codec)})
	dst = append(dst, byte(codec))
	return binary.LittleEndian.AppendUint32(dst, crc)
}

// openBlock verifies the checksum of a stored block and inflates it.
// tableCodec is the codec named in the table footer; a block may use
// that codec or be stored raw, anything else is corruption.
func openBlock(raw []byte, tableCodec compression.Type, path string, offset uint64) ([]byte, error) {
	if len(raw) < BlockTrailerSize {
		return nil, dberrors.CorruptAt("block", path, int64(offset), "block shorter than trailer")
	}
	n := len(raw) - BlockTrailerSize
	stored, codecByte := raw[:n], raw[n]
	want := binary.LittleEndian.Uint32(raw[n+1:])

	crc := crc32.Update(0, crcTable, stored)
	crc = crc32.Update(crc, crcTable, []byte{codecByte})
	if crc != want {
		return nil, dberrors.CorruptAt("block", path, int64(offset), "checksum mismatch")
	}

	codec := compression.Type(codecByte)
	if codec != compression.None && codec != tableCodec {
		return nil, dberrors.CorruptAt("block", path, int64(offset), "block codec "+codec.String()+" does not match table codec "+tableCodec.String())
	}
	out, err := compression.DecompressBlock(nil, stored, codec)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeBlock encodes sorted entries into one stored block (payload
// and trailer).
func EncodeBlock(entries []Entry, restartInterval int, compressor compression.Compressor) ([]byte, error) {
	b := NewBlockBuilder(4096, restartInterval)
	for i, e := range entries {
		if i > 0 && entries[i-1].Key.Compare(e.Key) >= 0 {
			return nil, dberrors.Corruptf("block", "", "entries out of order at %d", i)
		}
		b.Add(e.Key, e.Value)
	}
	return sealBlock(nil, b.Finish(), compressor)
}

// DecodeBlock verifies and decodes a block produced by EncodeBlock.
// tableCodec is the codec the block was written with.
func DecodeBlock(raw []byte, tableCodec compression.Type) ([]Entry, error) {
	payload, err := openBlock(raw, tableCodec, "", 0)
	if err != nil {
		return nil, err
	}
	it, err := newBlockIter(payload)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, Entry{Key: it.Key().Clone(), Value: append([]byte(nil), it.Value()...)})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
