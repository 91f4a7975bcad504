package sstable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/twlk9/lgkv/compression"
	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/keys"
)

// Table layout:
//
//	data block*  filter block  index block  properties block  footer
//
// Footer (fixed size, little endian):
//
//	index handle   (offset u64, size u64)
//	filter handle  (offset u64, size u64)
//	props handle   (offset u64, size u64)
//	entry count    u64
//	codec          u8
//	format version u32
//	crc32c         u32 over all the bytes above
//	magic          u64
const (
	// BlockSize is the default uncompressed data block size.
	BlockSize = 4 * 1024

	// FooterSize is the fixed footer length.
	FooterSize = 6*8 + 8 + 1 + 4 + 4 + 8

	// FormatVersion is the only table format this package writes.
	FormatVersion = 1

	// Magic ends every table file ("lgkvsst" + 0x01).
	Magic uint64 = 0x6c676b7673737401

	// TmpSuffix marks a table that has not been committed yet.
	TmpSuffix = ".tmp"
)

// BlockHandle represents a pointer to a block
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

func (h BlockHandle) appendTo(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, h.Offset)
	return binary.AppendUvarint(dst, h.Size)
}

func decodeBlockHandle(data []byte) (BlockHandle, bool) {
	offset, n := binary.Uvarint(data)
	if n <= 0 {
		return BlockHandle{}, false
	}
	size, m := binary.Uvarint(data[n:])
	if m <= 0 {
		return BlockHandle{}, false
	}
	return BlockHandle{Offset: offset, Size: size}, true
}

// WriterOptions configures a table writer.
type WriterOptions struct {
	Path                 string
	Compression          compression.Config
	Logger               *slog.Logger
	BlockSize            int
	BlockRestartInterval int
	// BloomBitsPerKey of zero disables the filter block.
	BloomBitsPerKey int
}

// Writer builds one table. Entries go to Path+".tmp" and only appear
// under Path once Finish succeeds.
type Writer struct {
	file    *os.File
	writer  *bufio.Writer
	path    string
	tmpPath string
	logger  *slog.Logger

	dataBlock  *BlockBuilder
	indexBlock *BlockBuilder
	bloom      *bloomBuilder
	compressor compression.Compressor

	offset  uint64
	props   Properties
	lastKey keys.EncodedKey
	scratch []byte

	closed bool
}

// NewWriter creates the temporary file and returns a writer for it.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = BlockSize
	}
	compressor, err := compression.NewCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, dberrors.NewIOError("mkdir", filepath.Dir(opts.Path), err)
	}
	tmpPath := opts.Path + TmpSuffix
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, dberrors.NewIOError("create", tmpPath, err)
	}

	return &Writer{
		file:       file,
		writer:     bufio.NewWriterSize(file, 64*1024),
		path:       opts.Path,
		tmpPath:    tmpPath,
		logger:     opts.Logger,
		dataBlock:  NewBlockBuilder(opts.BlockSize, opts.BlockRestartInterval),
		indexBlock: NewBlockBuilder(opts.BlockSize, 1),
		bloom:      newBloomBuilder(opts.BloomBitsPerKey),
		compressor: compressor,
		props: Properties{
			Codec:       compressor.Type(),
			SmallestSeq: keys.MaxSequenceNumber,
		},
	}, nil
}

// Add appends an entry. Keys must be strictly increasing in internal
// key order.
func (w *Writer) Add(key keys.EncodedKey, value []byte) error {
	if w.closed {
		return fmt.Errorf("sstable: writer is closed")
	}
	if !key.Valid() {
		return fmt.Errorf("sstable: invalid internal key %x", []byte(key))
	}
	if w.lastKey != nil && w.lastKey.Compare(key) >= 0 {
		return fmt.Errorf("sstable: keys out of order: %s then %s", w.lastKey, key)
	}

	if w.props.NumEntries == 0 {
		w.props.SmallestKey = key.Clone()
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.props.NumEntries++
	seq := key.Seq()
	w.props.SmallestSeq = min(w.props.SmallestSeq, seq)
	w.props.LargestSeq = max(w.props.LargestSeq, seq)
	if key.IsTombstone() {
		w.props.NumTombstones++
	}

	w.bloom.addKey(key.UserKey())
	w.dataBlock.Add(key, value)
	if w.dataBlock.IsFull() {
		return w.flushDataBlock()
	}
	return nil
}

// flushDataBlock writes the current data block and indexes it under
// its last key.
func (w *Writer) flushDataBlock() error {
	if w.dataBlock.IsEmpty() {
		return nil
	}
	lastKey := w.dataBlock.LastKey()
	handle, err := w.writeBlock(w.dataBlock.Finish(), w.compressor)
	if err != nil {
		return err
	}
	w.props.DataSize += handle.Size
	w.props.NumDataBlocks++

	w.scratch = handle.appendTo(w.scratch[:0])
	w.indexBlock.Add(lastKey, w.scratch)
	w.dataBlock.Reset()
	return nil
}

func (w *Writer) writeBlock(payload []byte, compressor compression.Compressor) (BlockHandle, error) {
	stored, err := sealBlock(nil, payload, compressor)
	if err != nil {
		w.logger.Error("failed to compress block", "error", err, "sstable", w.path, "offset", w.offset)
		return BlockHandle{}, err
	}
	if _, err := w.writer.Write(stored); err != nil {
		return BlockHandle{}, dberrors.NewIOError("write", w.tmpPath, err)
	}
	handle := BlockHandle{Offset: w.offset, Size: uint64(len(stored))}
	w.offset += handle.Size
	return handle, nil
}

// Finish writes the trailing blocks and footer, syncs the file and
// renames it into place. The returned properties describe the table.
func (w *Writer) Finish() (*Properties, error) {
	if w.closed {
		return nil, fmt.Errorf("sstable: writer is closed")
	}
	if err := w.finish(); err != nil {
		w.Abort()
		return nil, err
	}
	w.closed = true
	props := w.props
	return &props, nil
}

func (w *Writer) finish() error {
	if err := w.flushDataBlock(); err != nil {
		return err
	}

	var filterHandle BlockHandle
	if w.bloom != nil {
		h, err := w.writeBlock(w.bloom.finish(), nil)
		if err != nil {
			return err
		}
		filterHandle = h
	}

	indexHandle, err := w.writeBlock(w.indexBlock.Finish(), w.compressor)
	if err != nil {
		return err
	}

	w.props.LargestKey = w.lastKey.Clone()
	if w.props.NumEntries == 0 {
		w.props.SmallestSeq = 0
	}
	propsHandle, err := w.writeBlock(w.props.encode(), nil)
	if err != nil {
		return err
	}

	footer := encodeFooter(footer{
		index:      indexHandle,
		filter:     filterHandle,
		props:      propsHandle,
		numEntries: w.props.NumEntries,
		codec:      w.props.Codec,
		version:    FormatVersion,
	})
	if _, err := w.writer.Write(footer); err != nil {
		return dberrors.NewIOError("write", w.tmpPath, err)
	}
	w.offset += uint64(len(footer))
	w.props.FileSize = w.offset

	if err := w.writer.Flush(); err != nil {
		return dberrors.NewIOError("flush", w.tmpPath, err)
	}
	if err := w.file.Sync(); err != nil {
		return dberrors.NewIOError("fsync", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		return dberrors.NewIOError("close", w.tmpPath, err)
	}
	w.file = nil
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return dberrors.NewIOError("rename", w.path, err)
	}
	if err := SyncDir(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Debug("sstable written", "path", w.path, "entries", w.props.NumEntries, "size", w.props.FileSize)
	return nil
}

// Abort discards the partially written table.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return dberrors.NewIOError("remove", w.tmpPath, err)
	}
	return nil
}

// EstimatedSize returns the estimated size of the SSTable
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimatedSize()) + uint64(w.indexBlock.EstimatedSize()) + FooterSize
}

// NumEntries returns the number of entries added
func (w *Writer) NumEntries() uint64 {
	return w.props.NumEntries
}

// LastKey returns the last key added, nil before the first Add.
func (w *Writer) LastKey() keys.EncodedKey {
	return w.lastKey
}

// SyncDir fsyncs a directory so renames and creates inside it are
// durable. Filesystems that cannot sync directories are tolerated.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return dberrors.NewIOError("open", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, os.ErrInvalid) {
			return nil
		}
		return dberrors.NewIOError("fsync", dir, err)
	}
	return nil
}

type footer struct {
	index, filter, props BlockHandle
	numEntries           uint64
	codec                compression.Type
	version              uint32
}

func encodeFooter(f footer) []byte {
	buf := make([]byte, 0, FooterSize)
	for _, h := range []BlockHandle{f.index, f.filter, f.props} {
		buf = binary.LittleEndian.AppendUint64(buf, h.Offset)
		buf = binary.LittleEndian.AppendUint64(buf, h.Size)
	}
	buf = binary.LittleEndian.AppendUint64(buf, f.numEntries)
	buf = append(buf, byte(f.codec))
	buf = binary.LittleEndian.AppendUint32(buf, f.version)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, crcTable))
	return binary.LittleEndian.AppendUint64(buf, Magic)
}

func decodeFooter(buf []byte, path string, fileSize int64) (footer, error) {
	var f footer
	if len(buf) != FooterSize {
		return f, dberrors.Corruptf("sstable", path, "file too small for footer (%d bytes)", fileSize)
	}
	if binary.LittleEndian.Uint64(buf[FooterSize-8:]) != Magic {
		return f, dberrors.CorruptAt("sstable", path, fileSize-8, "bad magic number")
	}
	body := buf[:FooterSize-12]
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(buf[FooterSize-12:]) {
		return f, dberrors.CorruptAt("sstable", path, fileSize-FooterSize, "footer checksum mismatch")
	}

	handles := make([]BlockHandle, 3)
	for i := range handles {
		handles[i] = BlockHandle{
			Offset: binary.LittleEndian.Uint64(body[16*i:]),
			Size:   binary.LittleEndian.Uint64(body[16*i+8:]),
		}
	}
	f.index, f.filter, f.props = handles[0], handles[1], handles[2]
	f.numEntries = binary.LittleEndian.Uint64(body[48:])
	f.codec = compression.Type(body[56])
	f.version = binary.LittleEndian.Uint32(body[57:])
	if f.version != FormatVersion {
		return f, dberrors.Corruptf("sstable", path, "unsupported format version %d", f.version)
	}

	limit := uint64(fileSize - FooterSize)
	for _, h := range handles {
		if h.Offset+h.Size > limit {
			return f, dberrors.Corruptf("sstable", path, "block handle %d+%d past end of data", h.Offset, h.Size)
		}
	}
	return f, nil
}
