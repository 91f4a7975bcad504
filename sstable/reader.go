package sstable

import (
	"bytes"
	"io"
	"log/slog"
	"os"

	"github.com/twlk9/lgkv/bufferpool"
	"github.com/twlk9/lgkv/compression"
	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/keys"
)

// ReaderAtCloser is what a Reader needs from its file.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// ReaderOptions configures Open.
type ReaderOptions struct {
	// FileNum keys this table's blocks in Cache.
	FileNum uint64
	Cache   *BlockCache
	Logger  *slog.Logger
}

// Reader reads one immutable table. It is safe for concurrent use.
type Reader struct {
	file    ReaderAtCloser
	size    int64
	path    string
	fileNum uint64
	cache   *BlockCache
	logger  *slog.Logger

	footer footer
	index  *Block
	filter bloomFilter
	props  Properties
}

// Open opens the table at path, validates its footer and loads the
// index, filter and properties blocks.
func Open(path string, opts ReaderOptions) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, dberrors.NewIOError("open", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, dberrors.NewIOError("stat", path, err)
	}
	r, err := NewReader(file, stat.Size(), path, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewReader builds a reader over an already open file. The reader
// takes ownership of file on success.
func NewReader(file ReaderAtCloser, size int64, path string, opts ReaderOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	r := &Reader{
		file:    file,
		size:    size,
		path:    path,
		fileNum: opts.FileNum,
		cache:   opts.Cache,
		logger:  opts.Logger,
	}

	if size < FooterSize {
		return nil, dberrors.Corruptf("sstable", path, "file too small for footer (%d bytes)", size)
	}
	buf := make([]byte, FooterSize)
	if _, err := file.ReadAt(buf, size-FooterSize); err != nil {
		return nil, dberrors.NewIOError("read footer", path, err)
	}
	f, err := decodeFooter(buf, path, size)
	if err != nil {
		return nil, err
	}
	r.footer = f
	if _, err := compression.Lookup(f.codec); err != nil {
		return nil, err
	}

	r.index, err = r.readBlock(f.index, false)
	if err != nil {
		return nil, err
	}
	if f.filter.Size > 0 {
		payload, err := r.readPayload(f.filter)
		if err != nil {
			return nil, err
		}
		r.filter = bloomFilter(payload)
	}
	payload, err := r.readPayload(f.props)
	if err != nil {
		return nil, err
	}
	props, err := decodeProperties(payload)
	if err != nil {
		return nil, dberrors.CorruptAt("sstable", path, int64(f.props.Offset), "bad properties block: "+err.Error())
	}
	props.Codec = f.codec
	props.FileSize = uint64(size)
	if props.NumEntries != f.numEntries {
		return nil, dberrors.Corruptf("sstable", path, "entry count mismatch: footer %d, properties %d", f.numEntries, props.NumEntries)
	}
	r.props = props
	return r, nil
}

// readPayload reads, verifies and inflates one block.
func (r *Reader) readPayload(h BlockHandle) ([]byte, error) {
	raw := bufferpool.Get(int(h.Size))
	defer bufferpool.Put(raw)
	if _, err := r.file.ReadAt(raw, int64(h.Offset)); err != nil {
		if err == io.EOF {
			return nil, dberrors.CorruptAt("sstable", r.path, int64(h.Offset), "block extends past end of file")
		}
		return nil, dberrors.NewIOError("read", r.path, err)
	}
	payload, err := openBlock(raw, r.footer.codec, r.path, h.Offset)
	if err != nil {
		if ce, ok := err.(*dberrors.CodecError); ok {
			r.logger.Error("block decode failed", "path", r.path, "offset", h.Offset, "codec", ce.Codec)
		}
		return nil, err
	}
	return payload, nil
}

// readBlock returns the decoded block at h, going through the cache
// when cached is set.
func (r *Reader) readBlock(h BlockHandle, cached bool) (*Block, error) {
	key := CacheKey{FileNum: r.fileNum, Offset: h.Offset}
	if cached {
		if payload, ok := r.cache.Get(key); ok {
			return parseBlock(payload)
		}
	}
	payload, err := r.readPayload(h)
	if err != nil {
		return nil, err
	}
	b, err := parseBlock(payload)
	if err != nil {
		return nil, r.locate(err, h.Offset)
	}
	if cached {
		r.cache.Put(key, payload)
	}
	return b, nil
}

// locate fills in path and offset on block level corruption.
func (r *Reader) locate(err error, offset uint64) error {
	if ce, ok := err.(*dberrors.CorruptionError); ok && ce.Path == "" {
		ce.Path = r.path
		if ce.Offset < 0 {
			ce.Offset = int64(offset)
		}
	}
	return err
}

// Get returns the newest entry for userKey with sequence <= seq.
// found is false when the table holds no such entry; a tombstone is
// returned as found with kind KindDelete.
func (r *Reader) Get(userKey []byte, seq uint64) (value []byte, kind keys.Kind, found bool, err error) {
	if r.props.NumEntries == 0 || !r.filter.MayContain(userKey) {
		return nil, 0, false, nil
	}
	if bytes.Compare(userKey, r.props.SmallestKey.UserKey()) < 0 || bytes.Compare(userKey, r.props.LargestKey.UserKey()) > 0 {
		return nil, 0, false, nil
	}

	target := keys.NewSnapshotKey(userKey, seq)
	idx := r.index.NewIterator()
	idx.Seek(target)
	if err := idx.Error(); err != nil {
		return nil, 0, false, r.locate(err, r.footer.index.Offset)
	}
	if !idx.Valid() {
		return nil, 0, false, nil
	}
	h, ok := decodeBlockHandle(idx.Value())
	if !ok {
		return nil, 0, false, dberrors.CorruptAt("sstable", r.path, int64(r.footer.index.Offset), "bad block handle in index")
	}
	block, err := r.readBlock(h, true)
	if err != nil {
		return nil, 0, false, err
	}
	it := block.NewIterator()
	it.Seek(target)
	if err := it.Error(); err != nil {
		return nil, 0, false, r.locate(err, h.Offset)
	}
	if !it.Valid() || !bytes.Equal(it.Key().UserKey(), userKey) {
		return nil, 0, false, nil
	}
	return append([]byte(nil), it.Value()...), it.Key().Kind(), true, nil
}

// MayContain consults the bloom filter only.
func (r *Reader) MayContain(userKey []byte) bool {
	return r.filter.MayContain(userKey)
}

// Verify reads and checksums every block in the table.
func (r *Reader) Verify() error {
	idx := r.index.NewIterator()
	var prev keys.EncodedKey
	var count uint64
	for idx.SeekToFirst(); idx.Valid(); idx.Next() {
		h, ok := decodeBlockHandle(idx.Value())
		if !ok {
			return dberrors.CorruptAt("sstable", r.path, int64(r.footer.index.Offset), "bad block handle in index")
		}
		block, err := r.readBlock(h, false)
		if err != nil {
			return err
		}
		it := block.NewIterator()
		for it.SeekToFirst(); it.Valid(); it.Next() {
			if prev != nil && prev.Compare(it.Key()) >= 0 {
				return dberrors.CorruptAt("sstable", r.path, int64(h.Offset), "keys out of order")
			}
			prev = append(prev[:0], it.Key()...)
			count++
		}
		if err := it.Error(); err != nil {
			return r.locate(err, h.Offset)
		}
	}
	if err := idx.Error(); err != nil {
		return r.locate(err, r.footer.index.Offset)
	}
	if count != r.props.NumEntries {
		return dberrors.Corruptf("sstable", r.path, "found %d entries, footer says %d", count, r.props.NumEntries)
	}
	return nil
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// FileNum returns the number used for cache keys.
func (r *Reader) FileNum() uint64 {
	return r.fileNum
}

// Properties returns the table properties.
func (r *Reader) Properties() Properties {
	return r.props
}

// Codec returns the codec recorded in the footer.
func (r *Reader) Codec() compression.Type {
	return r.footer.codec
}

// SmallestKey returns the smallest internal key in the table.
func (r *Reader) SmallestKey() keys.EncodedKey {
	return r.props.SmallestKey
}

// LargestKey returns the largest internal key in the table.
func (r *Reader) LargestKey() keys.EncodedKey {
	return r.props.LargestKey
}

// Close releases the file and drops cached blocks.
func (r *Reader) Close() error {
	r.cache.EvictFile(r.fileNum)
	return r.file.Close()
}

// Iterator is a two level iterator: the index picks the block, the
// block iterator walks entries. It stops at the range bounds in either
// direction.
type Iterator struct {
	r      *Reader
	bounds *keys.Range
	index  *BlockIterator
	data   *BlockIterator
	err    error
}

// NewIterator returns an iterator over the table restricted to
// bounds. A nil range means the whole table.
func (r *Reader) NewIterator(bounds *keys.Range) *Iterator {
	return &Iterator{r: r, bounds: bounds, index: r.index.NewIterator()}
}

// SeekToFirst positions at the first entry inside the bounds.
func (it *Iterator) SeekToFirst() {
	if it.bounds != nil && it.bounds.Start != nil {
		it.Seek(keys.NewQueryKey(it.bounds.Start))
		return
	}
	it.err = nil
	it.index.SeekToFirst()
	it.loadBlock(nil, false)
	it.skipEmpty()
}

// SeekToLast positions at the last entry inside the bounds.
func (it *Iterator) SeekToLast() {
	it.err = nil
	if it.bounds != nil && it.bounds.Limit != nil {
		it.seekBefore(keys.NewQueryKey(it.bounds.Limit))
		return
	}
	it.index.SeekToLast()
	it.loadBlock(nil, true)
	it.skipEmptyBackward()
}

// seekBefore positions at the last entry < target. Index keys are the
// last key of each block, so the block index.Seek finds holds the
// first entry >= target and the one before it, if any, is in the same
// block or at the end of the previous one.
func (it *Iterator) seekBefore(target keys.EncodedKey) {
	it.index.Seek(target)
	if !it.index.Valid() && it.index.Error() == nil {
		it.index.SeekToLast()
		it.loadBlock(nil, true)
		it.skipEmptyBackward()
		return
	}
	it.loadBlock(target, false)
	if it.data != nil {
		if it.data.Valid() {
			it.data.Prev()
		} else if it.data.Error() == nil {
			it.data.SeekToLast()
		}
	}
	it.skipEmptyBackward()
}

// Seek positions at the first entry >= target.
func (it *Iterator) Seek(target keys.EncodedKey) {
	it.err = nil
	if it.bounds.BeforeStart(target.UserKey()) {
		target = keys.NewQueryKey(it.bounds.Start)
	}
	it.index.Seek(target)
	it.loadBlock(target, false)
	it.skipEmpty()
}

// Next moves the iterator to the next element
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.data.Next()
	it.skipEmpty()
}

// Prev moves the iterator to the previous element
func (it *Iterator) Prev() {
	if !it.Valid() {
		return
	}
	it.data.Prev()
	it.skipEmptyBackward()
}

// loadBlock reads the block the index points at and positions in it:
// at target when set, otherwise at its first or, with last, its final
// entry.
func (it *Iterator) loadBlock(target keys.EncodedKey, last bool) {
	it.data = nil
	if err := it.index.Error(); err != nil {
		it.err = it.r.locate(err, it.r.footer.index.Offset)
		return
	}
	if !it.index.Valid() {
		return
	}
	h, ok := decodeBlockHandle(it.index.Value())
	if !ok {
		it.err = dberrors.CorruptAt("sstable", it.r.path, int64(it.r.footer.index.Offset), "bad block handle in index")
		return
	}
	block, err := it.r.readBlock(h, true)
	if err != nil {
		it.err = err
		return
	}
	it.data = block.NewIterator()
	switch {
	case target != nil:
		it.data.Seek(target)
	case last:
		it.data.SeekToLast()
	default:
		it.data.SeekToFirst()
	}
	if err := it.data.Error(); err != nil {
		it.err = it.r.locate(err, h.Offset)
		it.data = nil
	}
}

// skipEmpty advances over exhausted blocks.
func (it *Iterator) skipEmpty() {
	for it.err == nil && it.data != nil && !it.data.Valid() {
		if err := it.data.Error(); err != nil {
			it.err = err
			return
		}
		it.index.Next()
		it.loadBlock(nil, false)
	}
}

// skipEmptyBackward is skipEmpty for reverse movement.
func (it *Iterator) skipEmptyBackward() {
	for it.err == nil && it.data != nil && !it.data.Valid() {
		if err := it.data.Error(); err != nil {
			it.err = err
			return
		}
		it.index.Prev()
		it.loadBlock(nil, true)
	}
}

// Valid returns true if the iterator is positioned inside the bounds.
func (it *Iterator) Valid() bool {
	if it.err != nil || it.data == nil || !it.data.Valid() {
		return false
	}
	return it.bounds.Contains(it.data.Key().UserKey())
}

// Key returns the current internal key, valid until the next move.
func (it *Iterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.data.Key()
}

// Value returns the current value, valid until the next move.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.data.Value()
}

// Error returns any accumulated error
func (it *Iterator) Error() error {
	return it.err
}

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.data = nil
	return it.err
}
