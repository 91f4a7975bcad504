package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
)

// Snappy and S2 share a block shape: the codec writes the decoded
// length as its own uvarint header, so unlike LZ4 no prefix is added.
// S2 decodes Snappy blocks but not the other way around, which is why
// each keeps its own codec id.
type snappyCompressor struct {
	typ                 Type
	minReductionPercent uint8

	maxEncodedLen func(int) int
	decodedLen    func([]byte) (int, error)
	encode        func(dst, src []byte) []byte
	decode        func(dst, src []byte) ([]byte, error)
}

// NewSnappyCompressor creates a Snappy block compressor.
func NewSnappyCompressor(minReductionPercent uint8) Compressor {
	return &snappyCompressor{
		typ:                 Snappy,
		minReductionPercent: minReductionPercent,
		maxEncodedLen:       snappy.MaxEncodedLen,
		decodedLen:          snappy.DecodedLen,
		encode:              snappy.Encode,
		decode:              snappy.Decode,
	}
}

// NewS2Compressor creates an S2 block compressor.
func NewS2Compressor(minReductionPercent uint8) Compressor {
	return &snappyCompressor{
		typ:                 S2,
		minReductionPercent: minReductionPercent,
		maxEncodedLen:       s2.MaxEncodedLen,
		decodedLen:          s2.DecodedLen,
		encode:              s2.Encode,
		decode:              s2.Decode,
	}
}

func (c *snappyCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	bound := c.maxEncodedLen(len(src))
	if bound < 0 {
		// larger than the format can describe
		return keepRaw(dst, src)
	}
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	compressed := c.encode(dst[:bound], src)
	if !worthKeeping(len(src), len(compressed), c.minReductionPercent) {
		return keepRaw(dst, src)
	}
	return compressed, true, nil
}

func (c *snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	size, err := c.decodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("%s: bad length header: %w", c.typ, err)
	}
	if size > maxDecodedBlock {
		return nil, fmt.Errorf("%s: length header claims %d bytes", c.typ, size)
	}
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	out, err := c.decode(dst[:size], src)
	if err != nil {
		return nil, fmt.Errorf("%s decompression failed: %w", c.typ, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%s decompression produced %d bytes, want %d", c.typ, len(out), size)
	}
	return out, nil
}

func (c *snappyCompressor) Type() Type {
	return c.typ
}

func init() {
	Register(Snappy, "snappy", func(cfg Config) Compressor { return NewSnappyCompressor(cfg.MinReductionPercent) })
	Register(S2, "s2", func(cfg Config) Compressor { return NewS2Compressor(cfg.MinReductionPercent) })
}
