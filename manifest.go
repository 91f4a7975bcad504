package lgkv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/keys"
	"github.com/twlk9/lgkv/sstable"
	"golang.org/x/sync/errgroup"
)

const (
	// Manifest record types
	manifestRecordEdit = 1

	// Record layout: len u32 | lencrc u32 | crc u32 | type u8 | data.
	// lencrc covers the length field alone so a damaged length is
	// told apart from a record cut short by a crash.
	manifestHeaderSize = 4 + 4 + 4 + 1

	// Version edit tags
	tagLogNum      = 1
	tagNextFileNum = 2
	tagLastSeq     = 3
	tagRemoveFile  = 4
	tagAddFile     = 5
)

var manifestCrc32Table = crc32.MakeTable(crc32.IEEE)

// errNoManifest means the directory holds no database yet.
var errNoManifest = errors.New("no manifest")

// encode serializes the edit as a sequence of tagged uvarint fields.
func (ve *VersionEdit) encode() []byte {
	var buf []byte
	if ve.hasLogNum {
		buf = binary.AppendUvarint(buf, tagLogNum)
		buf = binary.AppendUvarint(buf, ve.logNum)
	}
	if ve.hasNextFileNum {
		buf = binary.AppendUvarint(buf, tagNextFileNum)
		buf = binary.AppendUvarint(buf, ve.nextFileNum)
	}
	if ve.hasLastSeq {
		buf = binary.AppendUvarint(buf, tagLastSeq)
		buf = binary.AppendUvarint(buf, ve.lastSeq)
	}
	for _, d := range ve.removeFiles {
		buf = binary.AppendUvarint(buf, tagRemoveFile)
		buf = binary.AppendUvarint(buf, uint64(d.level))
		buf = binary.AppendUvarint(buf, d.fileNum)
	}
	for _, a := range ve.addFiles {
		f := a.meta
		buf = binary.AppendUvarint(buf, tagAddFile)
		buf = binary.AppendUvarint(buf, uint64(a.level))
		buf = binary.AppendUvarint(buf, f.FileNum)
		buf = binary.AppendUvarint(buf, f.Size)
		buf = binary.AppendUvarint(buf, uint64(len(f.SmallestKey)))
		buf = append(buf, f.SmallestKey...)
		buf = binary.AppendUvarint(buf, uint64(len(f.LargestKey)))
		buf = append(buf, f.LargestKey...)
		buf = binary.AppendUvarint(buf, f.SmallestSeq)
		buf = binary.AppendUvarint(buf, f.LargestSeq)
		buf = binary.AppendUvarint(buf, f.NumEntries)
		buf = binary.AppendUvarint(buf, f.NumTombstones)
	}
	return buf
}

// decodeVersionEdit parses an encoded edit.
func decodeVersionEdit(data []byte) (*VersionEdit, error) {
	d := editDecoder{buf: data}
	edit := NewVersionEdit()
	for len(d.buf) > 0 && d.err == nil {
		switch tag := d.uvarint(); tag {
		case tagLogNum:
			edit.SetLogNum(d.uvarint())
		case tagNextFileNum:
			edit.SetNextFileNum(d.uvarint())
		case tagLastSeq:
			edit.SetLastSeq(d.uvarint())
		case tagRemoveFile:
			level := d.uvarint()
			edit.RemoveFile(int(level), d.uvarint())
		case tagAddFile:
			level := d.uvarint()
			f := &FileMetadata{}
			f.FileNum = d.uvarint()
			f.Size = d.uvarint()
			f.SmallestKey = d.key()
			f.LargestKey = d.key()
			f.SmallestSeq = d.uvarint()
			f.LargestSeq = d.uvarint()
			f.NumEntries = d.uvarint()
			f.NumTombstones = d.uvarint()
			edit.AddFile(int(level), f)
		default:
			if d.err == nil {
				d.err = fmt.Errorf("unknown tag %d", tag)
			}
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return edit, nil
}

type editDecoder struct {
	buf []byte
	err error
}

func (d *editDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.New("truncated varint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *editDecoder) key() keys.EncodedKey {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n || n < keys.KeyFootLen {
		d.err = errors.New("bad key length")
		return nil
	}
	k := keys.EncodedKey(d.buf[:n]).Clone()
	d.buf = d.buf[n:]
	return k
}

// manifestWriter appends records to one manifest file. Each edit is
// written in one call and synced by the caller.
type manifestWriter struct {
	path string
	num  uint64
	file *os.File
	size int64
}

func createManifest(dir string, num uint64) (*manifestWriter, error) {
	path := manifestFileName(dir, num)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, dberrors.NewIOError("create", path, err)
	}
	return &manifestWriter{path: path, num: num, file: file}, nil
}

func (mw *manifestWriter) writeEdit(edit *VersionEdit) error {
	data := edit.encode()
	buf := make([]byte, manifestHeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(buf[0:4], manifestCrc32Table))
	buf[12] = manifestRecordEdit
	copy(buf[manifestHeaderSize:], data)
	binary.LittleEndian.PutUint32(buf[8:12], crc32.Checksum(buf[12:], manifestCrc32Table))
	if _, err := mw.file.Write(buf); err != nil {
		return dberrors.NewIOError("write", mw.path, err)
	}
	mw.size += int64(len(buf))
	return nil
}

func (mw *manifestWriter) sync() error {
	return dberrors.NewIOError("fsync", mw.path, mw.file.Sync())
}

func (mw *manifestWriter) close() error {
	return dberrors.NewIOError("close", mw.path, mw.file.Close())
}

// readManifest decodes every edit in the file at path. A record cut
// short by a crash ends the log. A damaged length, or a damaged record
// followed by more data, is a CorruptionError: silently stopping there
// would forget tables that are still live.
func readManifest(path string) (edits []*VersionEdit, truncated bool, err error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, false, dberrors.NewIOError("read", path, err)
	}
	off := 0
	for off < len(buf) {
		rest := buf[off:]
		if len(rest) < manifestHeaderSize {
			return edits, true, nil
		}
		n := int(binary.LittleEndian.Uint32(rest[0:4]))
		if crc32.Checksum(rest[0:4], manifestCrc32Table) != binary.LittleEndian.Uint32(rest[4:8]) {
			if allZero(rest) {
				return edits, true, nil
			}
			return nil, false, dberrors.CorruptAt("manifest", path, int64(off), "record length checksum mismatch")
		}
		end := manifestHeaderSize + n
		if end > len(rest) {
			return edits, true, nil
		}
		want := binary.LittleEndian.Uint32(rest[8:12])
		if crc32.Checksum(rest[12:end], manifestCrc32Table) != want {
			if allZero(rest[end:]) {
				return edits, true, nil
			}
			return nil, false, dberrors.CorruptAt("manifest", path, int64(off), "checksum mismatch")
		}
		if rest[12] != manifestRecordEdit {
			return nil, false, dberrors.CorruptAt("manifest", path, int64(off), fmt.Sprintf("unknown record type %d", rest[12]))
		}
		edit, err := decodeVersionEdit(rest[manifestHeaderSize:end])
		if err != nil {
			return nil, false, dberrors.CorruptAt("manifest", path, int64(off), err.Error())
		}
		edits = append(edits, edit)
		off += end
	}
	return edits, false, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// writeCurrent points CURRENT at manifest num: write a temp file, sync
// it, rename over CURRENT and sync the directory.
func writeCurrent(dir string, num uint64) error {
	currentPath := filepath.Join(dir, currentFileName)
	tmpPath := currentPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return dberrors.NewIOError("create", tmpPath, err)
	}
	_, err = fmt.Fprintf(f, "%06d%s\n", num, manifestExt)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return dberrors.NewIOError("write", tmpPath, err)
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		os.Remove(tmpPath)
		return dberrors.NewIOError("rename", currentPath, err)
	}
	return sstable.SyncDir(dir)
}

// readCurrent returns the manifest number named by CURRENT.
func readCurrent(dir string) (uint64, error) {
	currentPath := filepath.Join(dir, currentFileName)
	data, err := os.ReadFile(currentPath)
	if err != nil {
		return 0, err
	}
	name := strings.TrimSpace(string(data))
	if !strings.HasSuffix(name, manifestExt) {
		return 0, dberrors.Corruptf("manifest", currentPath, "invalid manifest name %q", name)
	}
	num, err := strconv.ParseUint(strings.TrimSuffix(name, manifestExt), 10, 64)
	if err != nil {
		return 0, dberrors.Corruptf("manifest", currentPath, "invalid manifest name %q", name)
	}
	return num, nil
}

// findManifest returns the live manifest number: the one CURRENT names,
// or the newest manifest file when CURRENT is missing or dangling.
func findManifest(dir string) (uint64, error) {
	if num, err := readCurrent(dir); err == nil {
		if _, err := os.Stat(manifestFileName(dir, num)); err == nil {
			return num, nil
		}
	} else if !os.IsNotExist(err) {
		return 0, err
	}

	files, err := listFiles(dir)
	if err != nil {
		return 0, dberrors.NewIOError("list", dir, err)
	}
	var newest uint64
	found := false
	for _, f := range files {
		if f.typ == fileTypeManifest && (!found || f.num > newest) {
			newest, found = f.num, true
		}
	}
	if !found {
		return 0, errNoManifest
	}
	return newest, nil
}

// Recover rebuilds the current version from the manifest in dir. It
// returns errNoManifest for an empty directory. Every table the
// recovered version lists must exist with its recorded size.
func (vs *VersionSet) Recover() error {
	num, err := findManifest(vs.dir)
	if err != nil {
		return err
	}
	path := manifestFileName(vs.dir, num)
	edits, truncated, err := readManifest(path)
	if err != nil {
		return err
	}
	if truncated {
		vs.logger.Warn("manifest has a torn tail, ignoring it", "path", path)
	}

	v := newVersion(vs.numLevels)
	var logNum, nextFileNum uint64
	for _, edit := range edits {
		if err := edit.apply(v); err != nil {
			if ce, ok := err.(*dberrors.CorruptionError); ok {
				ce.Path = path
			}
			return err
		}
		if edit.hasLogNum {
			logNum = edit.logNum
		}
		if edit.hasNextFileNum {
			nextFileNum = max(nextFileNum, edit.nextFileNum)
		}
	}

	if err := checkTablesExist(vs.dir, path, v); err != nil {
		return err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.logNum = logNum
	vs.manifestNum = num
	vs.markFileNumUsed(num)
	if nextFileNum > 0 {
		vs.markFileNumUsed(nextFileNum - 1)
	}
	for _, files := range v.files {
		for _, f := range files {
			vs.markFileNumUsed(f.FileNum)
		}
	}
	vs.install(v)
	vs.logger.Info("recovered version", "manifest", num, "files", v.NumFiles(), "last_seq", v.lastSeq, "log_num", logNum)
	return nil
}

// checkTablesExist stats every table in v concurrently.
func checkTablesExist(dir, manifestPath string, v *Version) error {
	g := new(errgroup.Group)
	g.SetLimit(16)
	for level, files := range v.files {
		for _, f := range files {
			g.Go(func() error {
				path := tableFileName(dir, f.FileNum)
				st, err := os.Stat(path)
				if os.IsNotExist(err) {
					return dberrors.Corruptf("manifest", manifestPath, "missing table %06d%s at L%d", f.FileNum, tableExt, level)
				}
				if err != nil {
					return dberrors.NewIOError("stat", path, err)
				}
				if uint64(st.Size()) != f.Size {
					return dberrors.Corruptf("manifest", manifestPath, "table %06d%s is %d bytes, manifest says %d",
						f.FileNum, tableExt, st.Size(), f.Size)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// CreateManifest starts a fresh manifest holding a snapshot of the
// current version. Open calls it after Recover so that new edits never
// follow a torn record.
func (vs *VersionSet) CreateManifest() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.rotateManifest(vs.current.Load())
}
