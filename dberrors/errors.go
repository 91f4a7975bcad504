// Package dberrors holds the storage error taxonomy shared by every
// layer of the engine. Callers inspect errors with errors.Is against
// the sentinels or errors.As against the concrete types.
package dberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrIO matches every IOError.
	ErrIO = errors.New("lgkv: I/O error")

	// ErrCorruption matches every CorruptionError and CodecError.
	ErrCorruption = errors.New("lgkv: corruption")

	// ErrCodec matches every CodecError.
	ErrCodec = errors.New("lgkv: codec failure")
)

// IOError wraps a failed storage operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("lgkv: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("lgkv: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// NewIOError wraps err, or returns nil when err is nil. Errors that are
// already classified are returned unchanged.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCorruption) || errors.Is(err, ErrIO) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// CorruptionError reports a checksum or format mismatch. Offset is -1
// when it is not known.
type CorruptionError struct {
	Component string
	Path      string
	Offset    int64
	Reason    string
	Err       error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("lgkv: corruption in %s", e.Component)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %d", e.Offset)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// Corruptf builds a CorruptionError with no known offset.
func Corruptf(component, path, format string, args ...any) *CorruptionError {
	return &CorruptionError{Component: component, Path: path, Offset: -1, Reason: fmt.Sprintf(format, args...)}
}

// CorruptAt builds a CorruptionError at a byte offset.
func CorruptAt(component, path string, offset int64, reason string) *CorruptionError {
	return &CorruptionError{Component: component, Path: path, Offset: offset, Reason: reason}
}

// CodecError reports a compression or decompression failure. It is
// treated as corruption by readers.
type CodecError struct {
	Codec string
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("lgkv: codec %s: %v", e.Codec, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

func (e *CodecError) Is(target error) bool {
	return target == ErrCodec || target == ErrCorruption
}
