package lgkv

import (
	"errors"

	"github.com/twlk9/lgkv/dberrors"
)

// Error definitions for the database. Storage failures are typed in
// dberrors and re-exported here so callers only import one package.
var (
	// ErrDBClosed is returned when operating on a closed database
	ErrDBClosed = errors.New("database is closed")

	// ErrDBAlreadyOpen is returned when another handle holds the LOCK file
	ErrDBAlreadyOpen = errors.New("database is already open by another process")

	// ErrDBNotFound is returned when the directory holds no database and
	// CreateIfMissing is off
	ErrDBNotFound = errors.New("database does not exist")

	// ErrDBExists is returned when ErrorIfExists is set and a database is present
	ErrDBExists = errors.New("database already exists")

	// ErrSnapshotReleased is returned when reading through a released snapshot
	ErrSnapshotReleased = errors.New("snapshot released")

	// ErrInvalidKey is returned when a key is empty or too large
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned when a value is too large
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidRange is returned when a scan start sorts after its end
	ErrInvalidRange = errors.New("invalid range")

	// ErrSequenceExhausted is returned when a write would need a
	// sequence number wider than 56 bits
	ErrSequenceExhausted = errors.New("sequence numbers exhausted")

	// ErrIO matches every IOError.
	ErrIO = dberrors.ErrIO

	// ErrCorruption matches every CorruptionError and CodecError.
	ErrCorruption = dberrors.ErrCorruption

	// ErrCodec matches every CodecError.
	ErrCodec = dberrors.ErrCodec

	// Configuration validation errors
	ErrInvalidPath                    = errors.New("invalid database path")
	ErrInvalidMemtableSizeThreshold   = errors.New("invalid memtable size threshold")
	ErrInvalidMaxMemtables            = errors.New("invalid max memtables")
	ErrInvalidLevelSizeMultiplier     = errors.New("invalid level size multiplier")
	ErrInvalidLevelFileSizeMultiplier = errors.New("invalid level file size multiplier")
	ErrInvalidMaxLevels               = errors.New("invalid max levels")
	ErrInvalidL0CompactionTrigger     = errors.New("invalid L0 compaction trigger")
	ErrInvalidL0StopWritesTrigger     = errors.New("invalid L0 stop writes trigger")
	ErrInvalidMaxOpenFiles            = errors.New("invalid max open files")
	ErrInvalidBlockSize               = errors.New("invalid block size")
	ErrInvalidBlockRestartInterval    = errors.New("invalid block restart interval")
)

type (
	// IOError wraps a failed storage operation.
	IOError = dberrors.IOError
	// CorruptionError reports a checksum or format mismatch.
	CorruptionError = dberrors.CorruptionError
	// CodecError reports a block that could not be decoded.
	CodecError = dberrors.CodecError
)
