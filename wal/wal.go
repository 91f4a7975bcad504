// Package wal implements the write-ahead log. Every write is appended
// here before it reaches the memtable so it can be replayed after a
// crash.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/twlk9/lgkv/bufferpool"
	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/keys"
)

// Record layout:
//
//	len u32 | lencrc u32 | crc u32 | seq u64 | kind u8 | keylen u32 | key | vallen u32 | value
//
// len is the full record size including itself. lencrc covers the
// four length bytes only; crc covers every byte after the crc field.
const (
	// HeaderSize is length + length checksum + checksum + seq + kind.
	HeaderSize = 4 + 4 + 4 + 8 + 1

	// prefixSize is the part of the header read before the length can
	// be trusted.
	prefixSize = 8

	// MinRecordSize is a record with an empty key and value.
	MinRecordSize = HeaderSize + 4 + 4
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ErrClosed is returned for writes to a closed log.
var ErrClosed = errors.New("wal: closed")

// errChecksum is internal; the reader decides whether a bad checksum
// is a torn tail or corruption.
var errChecksum = errors.New("checksum mismatch")

// FileName returns the path of log number num inside dir.
func FileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.wal", num))
}

// WALRecord is one logged mutation.
type WALRecord struct {
	Type     keys.Kind
	Seq      uint64
	Key      []byte
	Value    []byte
	Checksum uint32
}

// Size returns the encoded size of the record.
func (r *WALRecord) Size() int {
	return MinRecordSize + len(r.Key) + len(r.Value)
}

// Encode encodes the record into buf, which must hold Size() bytes.
// The total record size is returned.
func (r *WALRecord) Encode(buf []byte) int {
	recordSize := r.Size()
	binary.LittleEndian.PutUint32(buf[0:], uint32(recordSize))
	binary.LittleEndian.PutUint32(buf[4:], crc32.Checksum(buf[0:4], crc32Table))
	binary.LittleEndian.PutUint64(buf[12:], r.Seq)
	buf[20] = uint8(r.Type)
	offset := HeaderSize

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(r.Key)))
	offset += 4
	offset += copy(buf[offset:], r.Key)

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(r.Value)))
	offset += 4
	copy(buf[offset:], r.Value)

	r.Checksum = crc32.Checksum(buf[12:recordSize], crc32Table)
	binary.LittleEndian.PutUint32(buf[8:12], r.Checksum)
	return recordSize
}

// Decode decodes a record from buf, which holds everything after the
// length and its checksum. Key and value are copied out of buf.
func (r *WALRecord) Decode(buf []byte) error {
	if len(buf) < MinRecordSize-prefixSize {
		return fmt.Errorf("record too short: %d bytes", len(buf))
	}
	r.Checksum = binary.LittleEndian.Uint32(buf)
	if crc32.Checksum(buf[4:], crc32Table) != r.Checksum {
		return errChecksum
	}

	r.Seq = binary.LittleEndian.Uint64(buf[4:])
	r.Type = keys.Kind(buf[12])
	if !r.Type.Valid() {
		return fmt.Errorf("unknown record kind %d", r.Type)
	}
	offset := 13

	keyLen := int(binary.LittleEndian.Uint32(buf[offset:]))
	offset += 4
	if keyLen > len(buf)-offset-4 {
		return fmt.Errorf("key length %d overruns record", keyLen)
	}
	r.Key = append([]byte(nil), buf[offset:offset+keyLen]...)
	offset += keyLen

	valueLen := int(binary.LittleEndian.Uint32(buf[offset:]))
	offset += 4
	if valueLen != len(buf)-offset {
		return fmt.Errorf("value length %d does not match record", valueLen)
	}
	r.Value = nil
	if valueLen > 0 {
		r.Value = append([]byte(nil), buf[offset:]...)
	}
	return nil
}

// SyncRequest represents a pending sync request
type SyncRequest struct {
	done chan error
}

// WALOpts configures a log writer.
type WALOpts struct {
	Dir     string
	FileNum uint64
	// BytesPerSync triggers a background sync after this many bytes.
	BytesPerSync int
	// AutoSyncInterval syncs periodically when set.
	AutoSyncInterval time.Duration
	Logger           *slog.Logger
}

// WAL is an open log file being appended to.
type WAL struct {
	path    string
	fileNum uint64
	file    *os.File
	writer  *bufio.Writer
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool

	autoSyncInterval time.Duration

	bytesPerSync          int
	offset                int64 // logical end of the log
	bytesWrittenSinceSync int64

	syncQueue      syncQueue
	syncInProgress bool

	autoSyncTicker *time.Ticker
	autoSyncDone   chan struct{}
}

// NewWAL creates (or appends to) log file opts.FileNum in opts.Dir.
func NewWAL(opts WALOpts) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, dberrors.NewIOError("mkdir", opts.Dir, err)
	}
	walPath := FileName(opts.Dir, opts.FileNum)

	file, err := os.OpenFile(walPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, dberrors.NewIOError("open", walPath, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, dberrors.NewIOError("stat", walPath, err)
	}

	w := &WAL{
		path:             walPath,
		fileNum:          opts.FileNum,
		file:             file,
		writer:           bufio.NewWriterSize(file, 64*1024),
		logger:           opts.Logger,
		autoSyncInterval: opts.AutoSyncInterval,
		bytesPerSync:     opts.BytesPerSync,
		offset:           stat.Size(),
		autoSyncDone:     make(chan struct{}),
	}

	if opts.AutoSyncInterval > 0 {
		w.autoSyncTicker = time.NewTicker(opts.AutoSyncInterval)
		go w.backgroundAutoSync()
	}
	return w, nil
}

// Path returns the full file name with path
func (w *WAL) Path() string {
	return w.path
}

// FileNum returns the log number.
func (w *WAL) FileNum() uint64 {
	return w.fileNum
}

// Size returns the logical size of the log, including buffered bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Append writes a record and returns the offset it starts at. The
// record is buffered; call Sync to make it durable.
func (w *WAL) Append(record *WALRecord) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	recordSize := record.Size()
	buf := bufferpool.Get(recordSize)
	defer bufferpool.Put(buf)
	n := record.Encode(buf)

	if _, err := w.writer.Write(buf[:n]); err != nil {
		return 0, dberrors.NewIOError("write", w.path, err)
	}
	offset := w.offset
	w.offset += int64(n)
	w.bytesWrittenSinceSync += int64(n)

	if w.bytesPerSync > 0 && w.bytesWrittenSinceSync >= int64(w.bytesPerSync) {
		// counter is reset by doSync
		go func() {
			_ = w.SyncAsync()
		}()
	}
	return offset, nil
}

// WritePut logs a put.
func (w *WAL) WritePut(seq uint64, key, value []byte) (int64, error) {
	return w.Append(&WALRecord{Type: keys.KindSet, Seq: seq, Key: key, Value: value})
}

// WriteDelete logs a tombstone.
func (w *WAL) WriteDelete(seq uint64, key []byte) (int64, error) {
	return w.Append(&WALRecord{Type: keys.KindDelete, Seq: seq, Key: key})
}

// SyncAsync requests a sync and returns immediately. Requests that
// arrive while a sync is running are batched into the next fsync.
func (w *WAL) SyncAsync() <-chan error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		done := make(chan error, 1)
		done <- ErrClosed
		return done
	}

	req := &SyncRequest{done: make(chan error, 1)}
	w.syncQueue.put(req)

	if w.syncInProgress {
		w.mu.Unlock()
		return req.done
	}

	w.syncInProgress = true
	w.mu.Unlock()

	go w.processSyncQueue()

	return req.done
}

// Sync flushes and fsyncs the log.
func (w *WAL) Sync() error {
	return <-w.SyncAsync()
}

// processSyncQueue runs fsyncs until no requests are pending.
func (w *WAL) processSyncQueue() {
	w.mu.Lock()
	for w.syncQueue.len() > 0 {
		err := w.doSync()
		for {
			req, ok := w.syncQueue.get()
			if !ok {
				break
			}
			req.done <- err
		}
	}
	w.syncInProgress = false
	w.mu.Unlock()
}

// doSync flushes and fsyncs. Caller holds w.mu.
func (w *WAL) doSync() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return dberrors.NewIOError("flush", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return dberrors.NewIOError("fsync", w.path, err)
	}
	w.bytesWrittenSinceSync = 0

	// Any sync restarts the timer.
	if w.autoSyncTicker != nil {
		w.autoSyncTicker.Reset(w.autoSyncInterval)
	}
	return nil
}

// backgroundAutoSync syncs on a timer so low-throughput workloads that
// never reach bytesPerSync still get their data on disk.
func (w *WAL) backgroundAutoSync() {
	for {
		select {
		case <-w.autoSyncTicker.C:
			if err := <-w.SyncAsync(); err != nil && !errors.Is(err, ErrClosed) {
				w.logger.Warn("background wal sync failed", "path", w.path, "error", err)
			}
		case <-w.autoSyncDone:
			return
		}
	}
}

// Close syncs and closes the log. Pending sync requests fail.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	if w.autoSyncTicker != nil {
		w.autoSyncTicker.Stop()
		close(w.autoSyncDone)
	}

	syncErr := w.doSync()
	w.closed = true
	for {
		req, ok := w.syncQueue.get()
		if !ok {
			break
		}
		req.done <- syncErr
	}

	if err := w.file.Close(); err != nil && syncErr == nil {
		return dberrors.NewIOError("close", w.path, err)
	}
	return syncErr
}

// WALReader reads records from a log file in the order they were
// written.
type WALReader struct {
	file      *os.File
	reader    *bufio.Reader
	path      string
	size      int64
	offset    int64
	truncated bool
}

// NewWALReader opens path for reading.
func NewWALReader(path string) (*WALReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, dberrors.NewIOError("open", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, dberrors.NewIOError("stat", path, err)
	}
	return &WALReader{
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024),
		path:   path,
		size:   stat.Size(),
	}, nil
}

// Path returns full file path
func (r *WALReader) Path() string {
	return r.path
}

// Offset returns the offset of the next record.
func (r *WALReader) Offset() int64 {
	return r.offset
}

// Truncated reports whether reading stopped at a torn tail. The bytes
// from Offset() to the end of the file were discarded.
func (r *WALReader) Truncated() bool {
	return r.truncated
}

// ReadRecord returns the next record, or io.EOF at the logical end of
// the log. A partially written final record (a crash mid-append) is
// treated as the end of the log. A damaged length, or a damaged record
// with more data after it, is a CorruptionError.
func (r *WALReader) ReadRecord() (*WALRecord, error) {
	remaining := r.size - r.offset
	if remaining <= 0 {
		return nil, io.EOF
	}
	if remaining < prefixSize {
		return r.tornTail()
	}

	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r.reader, prefix[:]); err != nil {
		return nil, dberrors.NewIOError("read", r.path, err)
	}
	recordSize := int64(binary.LittleEndian.Uint32(prefix[0:4]))

	if crc32.Checksum(prefix[0:4], crc32Table) != binary.LittleEndian.Uint32(prefix[4:8]) {
		// preallocated or never written pages read back as zeros
		zero, err := r.restIsZero(remaining - prefixSize)
		if err != nil {
			return nil, err
		}
		if zero && prefix == [prefixSize]byte{} {
			return r.tornTail()
		}
		return nil, dberrors.CorruptAt("wal", r.path, r.offset, "record length checksum mismatch")
	}
	if recordSize > remaining {
		return r.tornTail()
	}
	if recordSize < MinRecordSize {
		return nil, dberrors.CorruptAt("wal", r.path, r.offset, fmt.Sprintf("record length %d below minimum", recordSize))
	}

	buf := bufferpool.Get(int(recordSize - prefixSize))
	defer bufferpool.Put(buf)
	if _, err := io.ReadFull(r.reader, buf); err != nil {
		return nil, dberrors.NewIOError("read", r.path, err)
	}

	record := &WALRecord{}
	if err := record.Decode(buf); err != nil {
		if errors.Is(err, errChecksum) {
			zero, zerr := r.restIsZero(r.size - r.offset - recordSize)
			if zerr != nil {
				return nil, zerr
			}
			if zero {
				return r.tornTail()
			}
		}
		return nil, dberrors.CorruptAt("wal", r.path, r.offset, err.Error())
	}
	r.offset += recordSize
	return record, nil
}

func (r *WALReader) tornTail() (*WALRecord, error) {
	r.truncated = true
	return nil, io.EOF
}

// restIsZero reports whether the next n unread bytes are all zero.
// It consumes them, so only call it when the record it follows is
// the last one read.
func (r *WALReader) restIsZero(n int64) (bool, error) {
	var chunk [4096]byte
	for n > 0 {
		k := min(n, int64(len(chunk)))
		if _, err := io.ReadFull(r.reader, chunk[:k]); err != nil {
			return false, dberrors.NewIOError("read", r.path, err)
		}
		for _, b := range chunk[:k] {
			if b != 0 {
				return false, nil
			}
		}
		n -= k
	}
	return true, nil
}

// Close closes the WAL reader
func (r *WALReader) Close() error {
	if err := r.file.Close(); err != nil {
		return dberrors.NewIOError("close", r.path, err)
	}
	return nil
}

// Replay calls fn for every record in the log at path, in order. It
// reports whether a torn tail was dropped.
func Replay(path string, fn func(*WALRecord) error) (truncated bool, err error) {
	r, err := NewWALReader(path)
	if err != nil {
		return false, err
	}
	defer r.Close()

	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return r.Truncated(), nil
		}
		if err != nil {
			return false, err
		}
		if err := fn(rec); err != nil {
			return false, err
		}
	}
}
