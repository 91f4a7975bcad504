package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// UserKey is a caller supplied key, raw bytes without sequence or kind.
type UserKey []byte

// Compare compares two user keys bytewise.
func (uk UserKey) Compare(other UserKey) int {
	return bytes.Compare(uk, other)
}

// CompareToInternal compares this user key against the user key
// portion of an encoded internal key.
func (uk UserKey) CompareToInternal(internalKey EncodedKey) int {
	if len(internalKey) < KeyFootLen {
		return bytes.Compare(uk, internalKey)
	}
	return bytes.Compare(uk, internalKey[:len(internalKey)-KeyFootLen])
}

func (uk UserKey) String() string {
	return string(uk)
}

// Kind tags every internal entry as a value or a tombstone.
type Kind uint8

const (
	// KindSet is a live value.
	KindSet Kind = 1

	// KindDelete is a tombstone. It is a real entry, not an absence.
	KindDelete Kind = 2

	// KindSeek is only used in search keys. At equal sequence it
	// sorts before every real kind, so a seek key with seq S lands on
	// the first entry with seq <= S.
	KindSeek Kind = 4

	// KeyFootLen is the size of the trailer appended to every user
	// key: 56 bits of sequence number and 8 bits of kind.
	KeyFootLen = 8

	// MaxSequenceNumber is the largest sequence that fits the trailer.
	MaxSequenceNumber = (uint64(1) << 56) - 1

	// MaxUserKeySize bounds a single key.
	MaxUserKeySize = 1024 * 1024

	// MaxValueSize bounds a single value.
	MaxValueSize = 1024 * 1024 * 1024
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindDelete:
		return "delete"
	case KindSeek:
		return "seek"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k may appear in stored data.
func (k Kind) Valid() bool {
	return k == KindSet || k == KindDelete
}

// IsValidUserKey checks that a user key is non-empty and not huge.
func IsValidUserKey(key []byte) bool {
	return len(key) > 0 && len(key) <= MaxUserKeySize
}

// IsValidValue checks the value size. Empty values are fine.
func IsValidValue(value []byte) bool {
	return len(value) <= MaxValueSize
}

// EncodedKey is a user key followed by the packed (seq, kind) trailer.
// Ordering: user key ascending, then trailer descending (newest first).
type EncodedKey []byte

// NewEncodedKey allocates a fresh internal key.
func NewEncodedKey(key []byte, seq uint64, kind Kind) EncodedKey {
	b := make(EncodedKey, len(key)+KeyFootLen)
	b.Encode(key, seq, kind)
	return b
}

// NewQueryKey returns the smallest internal key for userKey, i.e. the
// position of its newest entry.
func NewQueryKey(userKey []byte) EncodedKey {
	return NewEncodedKey(userKey, MaxSequenceNumber, KindSeek)
}

// NewSnapshotKey returns the position of the newest entry for userKey
// that is visible at sequence seq.
func NewSnapshotKey(userKey []byte, seq uint64) EncodedKey {
	return NewEncodedKey(userKey, seq, KindSeek)
}

// AppendEncodedKey appends an internal key to dst.
func AppendEncodedKey(dst []byte, key []byte, seq uint64, kind Kind) []byte {
	dst = append(dst, key...)
	return binary.LittleEndian.AppendUint64(dst, PackTrailer(seq, kind))
}

// PackTrailer packs a sequence number and kind into one word.
func PackTrailer(seq uint64, kind Kind) uint64 {
	return (seq << 8) | uint64(kind)
}

// Encode writes key and trailer into ek, which must be exactly
// len(key)+KeyFootLen bytes.
func (ek EncodedKey) Encode(key []byte, seq uint64, kind Kind) {
	copy(ek, key)
	binary.LittleEndian.PutUint64(ek[len(key):len(key)+KeyFootLen], PackTrailer(seq, kind))
}

// Valid reports whether ek is long enough to carry a trailer.
func (ek EncodedKey) Valid() bool {
	return len(ek) >= KeyFootLen
}

func (ek EncodedKey) UserKey() UserKey {
	return UserKey(ek[:len(ek)-KeyFootLen])
}

func (ek EncodedKey) trailer() uint64 {
	return binary.LittleEndian.Uint64(ek[len(ek)-KeyFootLen:])
}

func (ek EncodedKey) Seq() uint64 {
	return ek.trailer() >> 8
}

func (ek EncodedKey) Kind() Kind {
	return Kind(ek.trailer() & 0xff)
}

// IsTombstone reports whether the entry is a delete marker.
func (ek EncodedKey) IsTombstone() bool {
	return ek.Kind() == KindDelete
}

// Clone returns a copy that does not alias ek.
func (ek EncodedKey) Clone() EncodedKey {
	if ek == nil {
		return nil
	}
	return bytes.Clone(ek)
}

func (ek EncodedKey) Compare(o EncodedKey) int {
	if c := bytes.Compare(ek.UserKey(), o.UserKey()); c != 0 {
		return c
	}
	// Larger trailers (newer) sort first.
	et, ot := ek.trailer(), o.trailer()
	switch {
	case et > ot:
		return -1
	case et < ot:
		return 1
	}
	return 0
}

func (ek EncodedKey) String() string {
	if !ek.Valid() {
		return fmt.Sprintf("invalid(%x)", []byte(ek))
	}
	return fmt.Sprintf("%q#%d,%s", []byte(ek.UserKey()), ek.Seq(), ek.Kind())
}

// Range bounds an iteration over user keys. Start is inclusive,
// Limit exclusive; nil means unbounded on that side.
type Range struct {
	Start UserKey
	Limit UserKey
}

// NewRange builds a range. Either side may be nil.
func NewRange(start, limit []byte) *Range {
	return &Range{Start: start, Limit: limit}
}

// Contains reports whether uk falls inside the range.
func (r *Range) Contains(uk []byte) bool {
	if r == nil {
		return true
	}
	return !r.BeforeStart(uk) && !r.AtOrPastLimit(uk)
}

// BeforeStart reports whether uk sorts before the lower bound.
func (r *Range) BeforeStart(uk []byte) bool {
	return r != nil && r.Start != nil && bytes.Compare(uk, r.Start) < 0
}

// AtOrPastLimit reports whether uk is at or beyond the upper bound.
func (r *Range) AtOrPastLimit(uk []byte) bool {
	return r != nil && r.Limit != nil && bytes.Compare(uk, r.Limit) >= 0
}

// OverlapsSpan reports whether any key in [smallest, largest] can be
// inside the range.
func (r *Range) OverlapsSpan(smallest, largest []byte) bool {
	if r == nil {
		return true
	}
	if r.Start != nil && bytes.Compare(largest, r.Start) < 0 {
		return false
	}
	if r.Limit != nil && bytes.Compare(smallest, r.Limit) >= 0 {
		return false
	}
	return true
}

// Compare is EncodedKey.Compare as a free function, handy for sort and
// skipmap comparators.
func Compare(a, b EncodedKey) int {
	return a.Compare(b)
}
