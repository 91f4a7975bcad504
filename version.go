package lgkv

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/twlk9/lgkv/dberrors"
	"github.com/twlk9/lgkv/keys"
	"github.com/twlk9/lgkv/sstable"
	"github.com/zhangyunhao116/skipmap"
)

// FileMetadata contains metadata about an SSTable file
type FileMetadata struct {
	FileNum       uint64
	Size          uint64
	SmallestKey   keys.EncodedKey
	LargestKey    keys.EncodedKey
	SmallestSeq   uint64
	LargestSeq    uint64
	NumEntries    uint64
	NumTombstones uint64
}

func newFileMetadata(fileNum uint64, props *sstable.Properties) *FileMetadata {
	return &FileMetadata{
		FileNum:       fileNum,
		Size:          props.FileSize,
		SmallestKey:   props.SmallestKey.Clone(),
		LargestKey:    props.LargestKey.Clone(),
		SmallestSeq:   props.SmallestSeq,
		LargestSeq:    props.LargestSeq,
		NumEntries:    props.NumEntries,
		NumTombstones: props.NumTombstones,
	}
}

// overlaps reports whether the file's user key span intersects
// [start, end]. A nil bound is open.
func (f *FileMetadata) overlaps(start, end []byte) bool {
	if start != nil && bytes.Compare(f.LargestKey.UserKey(), start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(f.SmallestKey.UserKey(), end) > 0 {
		return false
	}
	return true
}

func (f *FileMetadata) String() string {
	return fmt.Sprintf("%06d[%s..%s] %dB", f.FileNum, f.SmallestKey, f.LargestKey, f.Size)
}

// Version is an immutable view of the table files at each level.
// Readers Ref it for as long as they touch its files; no file is
// deleted while a live version lists it.
type Version struct {
	// Files at each level. L0 is newest first, the others are sorted
	// by smallest key and never overlap.
	files [][]*FileMetadata

	// Last sequence number covered by the tables in this version
	lastSeq uint64

	id   uint64
	refs atomic.Int32
	vs   *VersionSet
}

func newVersion(numLevels int) *Version {
	return &Version{files: make([][]*FileMetadata, numLevels)}
}

// Ref takes a reference.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// tryRef takes a reference unless the version has already been
// released.
func (v *Version) tryRef() bool {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref drops a reference. The last one unregisters the version so
// its files can become obsolete.
func (v *Version) Unref() {
	n := v.refs.Add(-1)
	if n < 0 {
		panic("lgkv: version reference count below zero")
	}
	if n == 0 && v.vs != nil {
		v.vs.release(v)
	}
}

// Files returns the files at level.
func (v *Version) Files(level int) []*FileMetadata {
	if level < 0 || level >= len(v.files) {
		return nil
	}
	return v.files[level]
}

// NumLevels returns the number of levels.
func (v *Version) NumLevels() int {
	return len(v.files)
}

// LastSeq returns the last sequence number the tables cover.
func (v *Version) LastSeq() uint64 {
	return v.lastSeq
}

// LevelSize is the total file size at level.
func (v *Version) LevelSize(level int) int64 {
	var total int64
	for _, f := range v.Files(level) {
		total += int64(f.Size)
	}
	return total
}

// NumFiles counts files across all levels.
func (v *Version) NumFiles() int {
	n := 0
	for _, files := range v.files {
		n += len(files)
	}
	return n
}

// overlappingFiles returns the files at level whose user key span
// intersects [start, end].
func (v *Version) overlappingFiles(level int, start, end []byte) []*FileMetadata {
	var out []*FileMetadata
	for _, f := range v.Files(level) {
		if f.overlaps(start, end) {
			out = append(out, f)
		}
	}
	return out
}

// findFile returns the one file at a sorted level that may hold
// userKey, or nil.
func (v *Version) findFile(level int, userKey []byte) *FileMetadata {
	files := v.Files(level)
	i := sort.Search(len(files), func(i int) bool {
		return bytes.Compare(files[i].LargestKey.UserKey(), userKey) >= 0
	})
	if i == len(files) || bytes.Compare(files[i].SmallestKey.UserKey(), userKey) > 0 {
		return nil
	}
	return files[i]
}

// keyMayExistBelow reports whether any level deeper than level holds a
// file whose span covers userKey.
func (v *Version) keyMayExistBelow(level int, userKey []byte) bool {
	for l := level + 1; l < len(v.files); l++ {
		if v.findFile(l, userKey) != nil {
			return true
		}
	}
	return false
}

// clone copies the level slices, not the metadata they point at.
func (v *Version) clone() *Version {
	nv := newVersion(len(v.files))
	for level := range v.files {
		nv.files[level] = slices.Clone(v.files[level])
	}
	nv.lastSeq = v.lastSeq
	return nv
}

// sortLevels puts L0 newest first and every other level in key order.
func (v *Version) sortLevels() {
	slices.SortFunc(v.files[0], func(a, b *FileMetadata) int {
		if a.LargestSeq != b.LargestSeq {
			if a.LargestSeq > b.LargestSeq {
				return -1
			}
			return 1
		}
		if a.FileNum > b.FileNum {
			return -1
		}
		if a.FileNum < b.FileNum {
			return 1
		}
		return 0
	})
	for level := 1; level < len(v.files); level++ {
		slices.SortFunc(v.files[level], func(a, b *FileMetadata) int {
			return a.SmallestKey.Compare(b.SmallestKey)
		})
	}
}

// checkDisjoint verifies that levels >= 1 hold non overlapping files.
func (v *Version) checkDisjoint() error {
	for level := 1; level < len(v.files); level++ {
		files := v.files[level]
		for i := 1; i < len(files); i++ {
			if bytes.Compare(files[i-1].LargestKey.UserKey(), files[i].SmallestKey.UserKey()) >= 0 {
				return dberrors.Corruptf("version", "", "level %d files %06d and %06d overlap",
					level, files[i-1].FileNum, files[i].FileNum)
			}
		}
	}
	return nil
}

func (v *Version) String() string {
	var b bytes.Buffer
	for level, files := range v.files {
		if len(files) == 0 {
			continue
		}
		fmt.Fprintf(&b, "L%d:", level)
		for _, f := range files {
			fmt.Fprintf(&b, " %s", f)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// deletedFile names a file removed from a level.
type deletedFile struct {
	level   int
	fileNum uint64
}

// newFile is a file added at a level.
type newFile struct {
	level int
	meta  *FileMetadata
}

// VersionEdit represents a set of changes to apply to a version
type VersionEdit struct {
	addFiles    []newFile
	removeFiles []deletedFile

	hasLogNum      bool
	logNum         uint64
	hasNextFileNum bool
	nextFileNum    uint64
	hasLastSeq     bool
	lastSeq        uint64
}

// NewVersionEdit creates a new version edit
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{}
}

// AddFile marks a file to be added at the specified level
func (ve *VersionEdit) AddFile(level int, file *FileMetadata) {
	ve.addFiles = append(ve.addFiles, newFile{level: level, meta: file})
}

// RemoveFile marks a file to be removed from the specified level
func (ve *VersionEdit) RemoveFile(level int, fileNum uint64) {
	ve.removeFiles = append(ve.removeFiles, deletedFile{level: level, fileNum: fileNum})
}

// SetLogNum records that WAL files below num are no longer needed.
func (ve *VersionEdit) SetLogNum(num uint64) {
	ve.hasLogNum = true
	ve.logNum = num
}

// SetNextFileNum records the file number allocator position.
func (ve *VersionEdit) SetNextFileNum(num uint64) {
	ve.hasNextFileNum = true
	ve.nextFileNum = num
}

// SetLastSeq records the last sequence number persisted in tables.
func (ve *VersionEdit) SetLastSeq(seq uint64) {
	ve.hasLastSeq = true
	ve.lastSeq = seq
}

// apply applies this edit to a cloned version. Removing a file that is
// not present is a corruption of the edit stream.
func (ve *VersionEdit) apply(v *Version) error {
	for _, d := range ve.removeFiles {
		if d.level < 0 || d.level >= len(v.files) {
			return dberrors.Corruptf("manifest", "", "remove from bad level %d", d.level)
		}
		files := v.files[d.level]
		i := slices.IndexFunc(files, func(f *FileMetadata) bool { return f.FileNum == d.fileNum })
		if i < 0 {
			return dberrors.Corruptf("manifest", "", "remove of unknown file %06d at L%d", d.fileNum, d.level)
		}
		v.files[d.level] = slices.Delete(files, i, i+1)
	}
	for _, a := range ve.addFiles {
		if a.level < 0 || a.level >= len(v.files) {
			return dberrors.Corruptf("manifest", "", "add to bad level %d", a.level)
		}
		v.files[a.level] = append(v.files[a.level], a.meta)
	}
	if ve.hasLastSeq && ve.lastSeq > v.lastSeq {
		v.lastSeq = ve.lastSeq
	}
	v.sortLevels()
	return v.checkDisjoint()
}

// VersionSet owns the current version, the manifest and the file
// number allocator.
type VersionSet struct {
	// Serializes LogAndApply and manifest rotation
	mu sync.Mutex

	dir                 string
	numLevels           int
	maxManifestFileSize int64
	logger              *slog.Logger

	current atomic.Pointer[Version]

	// live holds every version that still has references, keyed by id.
	// Obsolete file detection walks it.
	live          *skipmap.OrderedMap[uint64, *Version]
	nextVersionID atomic.Uint64

	nextFileNum atomic.Uint64
	logNum      uint64
	manifestNum uint64
	manifest    *manifestWriter

	// compactPointer is the largest key of the last compaction
	// input per level, for round robin file selection.
	compactPointer [][]byte

	// onRelease runs when a version drops its last reference.
	onRelease func()
}

// NewVersionSet creates an empty version set. Recover or Create must
// run before it is used.
func NewVersionSet(dir string, numLevels int, maxManifestFileSize int64, logger *slog.Logger) *VersionSet {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	vs := &VersionSet{
		dir:                 dir,
		numLevels:           numLevels,
		maxManifestFileSize: maxManifestFileSize,
		logger:              logger,
		live:                skipmap.New[uint64, *Version](),
		compactPointer:      make([][]byte, numLevels),
	}
	vs.nextFileNum.Store(1)
	vs.install(newVersion(numLevels))
	return vs
}

// install makes v current. The set holds one reference on the current
// version.
func (vs *VersionSet) install(v *Version) {
	v.vs = vs
	v.id = vs.nextVersionID.Add(1)
	v.refs.Store(1)
	vs.live.Store(v.id, v)
	if old := vs.current.Swap(v); old != nil {
		old.Unref()
	}
}

func (vs *VersionSet) release(v *Version) {
	vs.live.Delete(v.id)
	if vs.onRelease != nil {
		vs.onRelease()
	}
}

// Current returns the current version with a reference the caller
// must Unref.
func (vs *VersionSet) Current() *Version {
	for {
		v := vs.current.Load()
		if v.tryRef() {
			return v
		}
	}
}

// LiveFiles returns the numbers of every table referenced by a live
// version.
func (vs *VersionSet) LiveFiles() map[uint64]struct{} {
	live := make(map[uint64]struct{})
	vs.live.Range(func(_ uint64, v *Version) bool {
		for _, files := range v.files {
			for _, f := range files {
				live[f.FileNum] = struct{}{}
			}
		}
		return true
	})
	return live
}

// NumLiveVersions counts versions that still hold references.
func (vs *VersionSet) NumLiveVersions() int {
	return vs.live.Len()
}

// NewFileNumber returns a new unique file number
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNum.Add(1) - 1
}

// markFileNumUsed moves the allocator past num.
func (vs *VersionSet) markFileNumUsed(num uint64) {
	for {
		next := vs.nextFileNum.Load()
		if next > num || vs.nextFileNum.CompareAndSwap(next, num+1) {
			return
		}
	}
}

// LogNum returns the oldest WAL number still needed.
func (vs *VersionSet) LogNum() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNum
}

// ManifestNum returns the number of the live manifest.
func (vs *VersionSet) ManifestNum() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestNum
}

// LogAndApply derives a new version from the current one, makes the
// edit durable in the manifest and then installs the new version. On
// error the current version is unchanged.
func (vs *VersionSet) LogAndApply(edit *VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifest == nil {
		return ErrDBClosed
	}
	base := vs.current.Load()
	nv := base.clone()
	if err := edit.apply(nv); err != nil {
		return err
	}
	edit.SetNextFileNum(vs.nextFileNum.Load())

	if err := vs.manifest.writeEdit(edit); err != nil {
		return err
	}
	if err := vs.manifest.sync(); err != nil {
		return err
	}
	if edit.hasLogNum {
		vs.logNum = edit.logNum
	}

	if vs.manifest.size >= vs.maxManifestFileSize {
		vs.logger.Debug("manifest rotation triggered", "size", vs.manifest.size, "maxSize", vs.maxManifestFileSize)
		if err := vs.rotateManifest(nv); err != nil {
			// the edit is already durable in the old manifest
			vs.logger.Error("failed to rotate manifest", "error", err)
		}
	}

	vs.install(nv)
	return nil
}

// snapshotEdit describes v in full: every file plus allocator state.
func (vs *VersionSet) snapshotEdit(v *Version) *VersionEdit {
	edit := NewVersionEdit()
	for level, files := range v.files {
		for _, f := range files {
			edit.AddFile(level, f)
		}
	}
	edit.SetLogNum(vs.logNum)
	edit.SetNextFileNum(vs.nextFileNum.Load())
	edit.SetLastSeq(v.lastSeq)
	return edit
}

// rotateManifest starts a new manifest whose first record is a full
// snapshot of v, points CURRENT at it and removes the old one.
// Called with vs.mu held.
func (vs *VersionSet) rotateManifest(v *Version) error {
	num := vs.NewFileNumber()
	w, err := createManifest(vs.dir, num)
	if err != nil {
		return err
	}
	if err := w.writeEdit(vs.snapshotEdit(v)); err != nil {
		w.close()
		removeFile(w.path)
		return err
	}
	if err := w.sync(); err != nil {
		w.close()
		removeFile(w.path)
		return err
	}
	if err := writeCurrent(vs.dir, num); err != nil {
		w.close()
		removeFile(w.path)
		return err
	}

	old := vs.manifest
	vs.manifest = w
	vs.manifestNum = num
	if old != nil {
		old.close()
		removeFile(old.path)
		vs.logger.Info("manifest rotation completed", "old_file_num", old.num, "new_file_num", num)
	}
	return nil
}

// Close closes the manifest. The current version keeps its reference
// until the set is dropped.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifest == nil {
		return nil
	}
	err := vs.manifest.close()
	vs.manifest = nil
	return err
}
