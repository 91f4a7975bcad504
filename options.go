package lgkv

import (
	"log/slog"
	"os"
	"time"

	"github.com/twlk9/lgkv/compression"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Default values following LevelDB conventions
var (
	DefaultMemtableSizeThreshold         = 4 * MiB
	DefaultMaxMemtables                  = 2
	DefaultLevelSizeMultiplier           = 10.0
	DefaultLevelFileSizeMultiplier       = 2.0
	DefaultMaxLevels                     = 7
	DefaultLevel0CompactionTrigger       = 4
	DefaultL0StopWritesTrigger           = 12
	DefaultMaxOpenFiles                  = 1000
	DefaultBlockSize                     = 4 * KiB
	DefaultBlockCacheSize          int64 = 8 * MiB
	DefaultBlockRestartInterval          = 16
	DefaultBloomBitsPerKey               = 10
	DefaultMaxManifestFileSize     int64 = 64 * MiB
	DefaultWALSyncInterval               = 500 * time.Millisecond
	DefaultCodec                         = compression.LZ4

	// NumReservedFiles are descriptors kept back for the WAL, manifest
	// and temp files.
	NumReservedFiles = 10
	// MinFileCacheSize is the smallest table cache regardless of MaxOpenFiles.
	MinFileCacheSize = 64
)

// Options holds configuration options for the database.
type Options struct {
	// Database path
	Path string

	// MemtableSizeThreshold is the approximate memtable size at which
	// it is frozen and flushed to a level 0 table.
	MemtableSizeThreshold int

	// Maximum number of memtables (active + immutable). Writers stall
	// when this many are waiting to be flushed.
	MaxMemtables int

	// BlockSize is the uncompressed size at which data blocks are cut.
	BlockSize int

	// Number of keys between restart points in blocks
	BlockRestartInterval int

	// BloomBitsPerKey sizes table bloom filters. Zero disables them.
	BloomBitsPerKey int

	// Codec compresses table blocks. Fixed per store at open time;
	// tables written with another codec remain readable.
	Codec compression.Type

	// CompressionLevel is passed to codecs that take one (zstd, deflate).
	CompressionLevel int

	// Level0CompactionTrigger is the number of L0 tables that starts a
	// compaction into L1.
	Level0CompactionTrigger int

	// L0StopWritesTrigger is the number of L0 tables that stalls writes
	// until compaction catches up.
	L0StopWritesTrigger int

	// LevelSizeMultiplier is the capacity ratio between adjacent levels.
	LevelSizeMultiplier float64

	// LevelFileSizeMultiplier grows the target table size per level.
	// L0 tables are the size of a flushed memtable.
	LevelFileSizeMultiplier float64

	// Maximum number of levels in the LSM tree
	MaxLevels int

	// MaxOpenFiles bounds table file descriptors. The table cache holds
	// MaxOpenFiles - NumReservedFiles readers.
	MaxOpenFiles int

	// BlockCacheSize is the total capacity of the block cache in bytes.
	BlockCacheSize int64

	// Maximum size of manifest file before rotation
	MaxManifestFileSize int64

	// Database creation/existence options
	CreateIfMissing bool
	ErrorIfExists   bool

	// Sync writes to disk immediately
	Sync bool

	// WALSyncInterval is the period of the background WAL sync used by
	// unsynced writes. Zero disables it.
	WALSyncInterval time.Duration

	// WALBytesPerSync asks for a background WAL sync every this many
	// bytes. Zero disables it.
	WALBytesPerSync int

	// ClockSequence draws sequence numbers from the wall clock in
	// microseconds, so callers can map a time to a sequence with
	// ClockSeq and read the past through SnapshotAt. Numbers still
	// only grow: a clock that steps back continues from the last one.
	ClockSequence bool

	// Structured logger
	Logger *slog.Logger
}

// DefaultOptions returns a new Options struct with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		MemtableSizeThreshold:   DefaultMemtableSizeThreshold,
		MaxMemtables:            DefaultMaxMemtables,
		BlockSize:               DefaultBlockSize,
		BlockRestartInterval:    DefaultBlockRestartInterval,
		BloomBitsPerKey:         DefaultBloomBitsPerKey,
		Codec:                   DefaultCodec,
		Level0CompactionTrigger: DefaultLevel0CompactionTrigger,
		L0StopWritesTrigger:     DefaultL0StopWritesTrigger,
		LevelSizeMultiplier:     DefaultLevelSizeMultiplier,
		LevelFileSizeMultiplier: DefaultLevelFileSizeMultiplier,
		MaxLevels:               DefaultMaxLevels,
		MaxOpenFiles:            DefaultMaxOpenFiles,
		BlockCacheSize:          DefaultBlockCacheSize,
		MaxManifestFileSize:     DefaultMaxManifestFileSize,
		CreateIfMissing:         true,
		Sync:                    true,
		WALSyncInterval:         DefaultWALSyncInterval,
		Logger:                  DefaultLogger(),
	}
}

// LevelMaxBytes returns the capacity of a level. Level 0 is governed
// by file count and returns 0.
// Level N size = 10 * TargetFileSize(1) * LevelSizeMultiplier^(N-1)
func (o *Options) LevelMaxBytes(level int) int64 {
	if level <= 0 || level >= o.MaxLevels {
		return 0
	}
	size := float64(o.TargetFileSize(1) * 10)
	for i := 2; i <= level; i++ {
		size *= o.LevelSizeMultiplier
	}
	return int64(size)
}

// TargetFileSize returns the output table size for a level. L0 tables
// are the size of a flushed memtable.
func (o *Options) TargetFileSize(level int) int64 {
	size := float64(o.MemtableSizeThreshold)
	for range max(level, 0) {
		size *= o.LevelFileSizeMultiplier
	}
	return int64(size)
}

// FileCacheSize returns the number of table readers kept open.
func (o *Options) FileCacheSize() int {
	return max(o.MaxOpenFiles-NumReservedFiles, MinFileCacheSize)
}

// compressionConfig is the block compression used for new tables.
func (o *Options) compressionConfig() compression.Config {
	c := compression.ConfigFor(o.Codec)
	c.Level = o.CompressionLevel
	return c
}

// Validate checks if the options are valid and returns an error if not.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.MemtableSizeThreshold <= 0 {
		return ErrInvalidMemtableSizeThreshold
	}
	if o.MaxMemtables < 2 {
		return ErrInvalidMaxMemtables
	}
	if o.LevelFileSizeMultiplier < 1.0 {
		return ErrInvalidLevelFileSizeMultiplier
	}
	if o.LevelSizeMultiplier <= 1.0 {
		return ErrInvalidLevelSizeMultiplier
	}
	if o.MaxLevels < 2 || o.MaxLevels > 20 {
		return ErrInvalidMaxLevels
	}
	if o.Level0CompactionTrigger <= 0 {
		return ErrInvalidL0CompactionTrigger
	}
	if o.L0StopWritesTrigger <= o.Level0CompactionTrigger {
		return ErrInvalidL0StopWritesTrigger
	}
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	if o.BlockRestartInterval <= 0 {
		return ErrInvalidBlockRestartInterval
	}
	if o.MaxOpenFiles <= 0 {
		return ErrInvalidMaxOpenFiles
	}
	if _, err := compression.Lookup(o.Codec); err != nil {
		return err
	}
	return nil
}

// Clone creates a copy of the options.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// Helpful Logger functions
func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
