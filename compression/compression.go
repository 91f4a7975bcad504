// Package compression provides the block codecs. Every codec registers
// itself under a stable one-byte id; that id is what gets written to
// disk, so a table can always be read back as long as its codec is
// linked into the binary.
package compression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/twlk9/lgkv/dberrors"
)

// Type is the on-disk codec id. Values are part of the file format and
// must never be renumbered.
type Type uint8

const (
	// None is the identity codec. Always available.
	None Type = 0

	// LZ4 uses the LZ4 block format. Very fast, modest ratio.
	LZ4 Type = 1

	// Deflate uses raw DEFLATE. Slower, better ratio.
	Deflate Type = 2

	// Snappy uses Snappy block compression.
	Snappy Type = 3

	// Zstd uses Zstandard. Best ratio of the lot.
	Zstd Type = 4

	// S2 is the Snappy-compatible S2 format.
	S2 Type = 5
)

// String returns the name used in options and config files.
func (t Type) String() string {
	if e, ok := lookupEntry(t); ok {
		return e.name
	}
	if t == None {
		return "identity"
	}
	return "unknown"
}

// ParseType resolves a codec name. "none" and the empty string are
// accepted for the identity codec.
func ParseType(name string) (Type, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || n == "none" || n == "identity" {
		return None, nil
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	for t, e := range registry {
		if e.name == n {
			return t, nil
		}
	}
	return None, &dberrors.CodecError{Codec: name, Err: fmt.Errorf("unknown codec name")}
}

// MarshalText lets Type appear as a name in YAML and JSON.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a codec name.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Config holds compression configuration.
type Config struct {
	// Type of compression to use
	Type Type

	// MinReductionPercent is the minimum size reduction required to
	// store a block compressed. Blocks that shrink less are stored
	// with the identity codec.
	MinReductionPercent uint8

	// Level is codec specific. Zstd takes a ZstdLevel, Deflate takes
	// a flate level (1-9). Zero picks the codec default.
	Level int
}

// DefaultConfig returns the default compression configuration.
func DefaultConfig() Config {
	return Config{
		Type:                LZ4,
		MinReductionPercent: 12,
	}
}

// NoCompressionConfig returns a configuration with no compression.
func NoCompressionConfig() Config {
	return Config{Type: None}
}

// ConfigFor returns a config for t with the default thresholds.
func ConfigFor(t Type) Config {
	if t == None {
		return NoCompressionConfig()
	}
	return Config{Type: t, MinReductionPercent: 12}
}

// Compressor interface defines compression operations
type Compressor interface {
	// Compress compresses src into dst and returns the compressed data
	// and whether compression was applied.
	Compress(dst, src []byte) ([]byte, bool, error)

	// Decompress decompresses src into dst and returns the result.
	Decompress(dst, src []byte) ([]byte, error)

	// Type returns the codec id.
	Type() Type
}

// Factory builds a compressor for a config.
type Factory func(Config) Compressor

type registryEntry struct {
	name    string
	factory Factory
	// shared decoder-side instance, built on first use
	once    sync.Once
	decoder Compressor
}

var (
	registryMu sync.RWMutex
	registry   = map[Type]*registryEntry{}
)

// Register links a codec into the process. Codecs in this package
// register themselves from init; callers can add their own ids.
func Register(t Type, name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = &registryEntry{name: strings.ToLower(name), factory: f}
}

// Registered lists the codec ids available in this build.
func Registered() []Type {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}

func lookupEntry(t Type) (*registryEntry, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := registry[t]
	return e, ok
}

// NewCompressor creates a compressor for the configuration.
func NewCompressor(config Config) (Compressor, error) {
	e, ok := lookupEntry(config.Type)
	if !ok {
		return nil, &dberrors.CodecError{Codec: fmt.Sprintf("id %d", config.Type), Err: fmt.Errorf("codec not registered")}
	}
	return e.factory(config), nil
}

// Lookup returns a shared compressor usable for decompressing blocks
// written with codec t.
func Lookup(t Type) (Compressor, error) {
	e, ok := lookupEntry(t)
	if !ok {
		return nil, &dberrors.CodecError{Codec: fmt.Sprintf("id %d", t), Err: fmt.Errorf("codec not registered")}
	}
	e.once.Do(func() {
		e.decoder = e.factory(ConfigFor(t))
	})
	return e.decoder, nil
}

// noneCompressor is the identity codec.
type noneCompressor struct{}

func (c *noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	return append(dst[:0], src...), false, nil
}

func (c *noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (c *noneCompressor) Type() Type {
	return None
}

func init() {
	Register(None, "identity", func(Config) Compressor { return &noneCompressor{} })
}

// minCompressionSize is the smallest block worth handing to an encoder.
const minCompressionSize = 256

// CompressBlock compresses a block with compressor. It returns the bytes
// to store and the codec id to record next to them, which is None when
// the block was too small or did not compress well enough.
func CompressBlock(compressor Compressor, dst, src []byte) ([]byte, Type, error) {
	if compressor == nil || compressor.Type() == None || len(src) < minCompressionSize {
		return append(dst[:0], src...), None, nil
	}

	compressed, wasCompressed, err := compressor.Compress(dst, src)
	if err != nil {
		return nil, None, &dberrors.CodecError{Codec: compressor.Type().String(), Err: err}
	}
	if !wasCompressed {
		return compressed, None, nil
	}
	return compressed, compressor.Type(), nil
}

// DecompressBlock inflates src, which was stored with codec t.
func DecompressBlock(dst, src []byte, t Type) ([]byte, error) {
	if t == None {
		return append(dst[:0], src...), nil
	}
	c, err := Lookup(t)
	if err != nil {
		return nil, err
	}
	out, err := c.Decompress(dst, src)
	if err != nil {
		return nil, &dberrors.CodecError{Codec: t.String(), Err: err}
	}
	return out, nil
}

// worthKeeping applies the minimum reduction rule.
func worthKeeping(srcLen, compressedLen int, minReductionPercent uint8) bool {
	if srcLen == 0 || compressedLen >= srcLen {
		return false
	}
	if minReductionPercent == 0 {
		return true
	}
	reduction := (srcLen - compressedLen) * 100 / srcLen
	return reduction >= int(minReductionPercent)
}

// keepRaw returns src copied into dst, flagged as not compressed.
func keepRaw(dst, src []byte) ([]byte, bool, error) {
	return append(dst[:0], src...), false, nil
}
