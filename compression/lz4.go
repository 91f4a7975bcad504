package compression

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// The LZ4 block format does not record the decoded size, so every
// compressed block is prefixed with it as a uvarint.

var errLZ4Length = errors.New("lz4: bad length prefix")

// maxDecodedBlock bounds the decoded size a length header may claim.
const maxDecodedBlock = 256 << 20

type lz4Compressor struct {
	minReductionPercent uint8
	pool                sync.Pool
}

// NewLZ4Compressor creates an LZ4 block compressor.
func NewLZ4Compressor(minReductionPercent uint8) Compressor {
	return &lz4Compressor{
		minReductionPercent: minReductionPercent,
		pool:                sync.Pool{New: func() any { return new(lz4.Compressor) }},
	}
}

func (c *lz4Compressor) Compress(dst, src []byte) ([]byte, bool, error) {
	bound := binary.MaxVarintLen64 + lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	} else {
		dst = dst[:bound]
	}
	n := binary.PutUvarint(dst, uint64(len(src)))

	lc := c.pool.Get().(*lz4.Compressor)
	written, err := lc.CompressBlock(src, dst[n:])
	c.pool.Put(lc)
	if err != nil {
		return nil, false, err
	}
	// zero means the input was incompressible
	if written == 0 || !worthKeeping(len(src), n+written, c.minReductionPercent) {
		return keepRaw(dst, src)
	}
	return dst[:n+written], true, nil
}

func (c *lz4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	size, n := binary.Uvarint(src)
	if n <= 0 || size > maxDecodedBlock {
		return nil, errLZ4Length
	}
	if cap(dst) < int(size) {
		dst = make([]byte, size)
	} else {
		dst = dst[:size]
	}
	got, err := lz4.UncompressBlock(src[n:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompression failed: %w", err)
	}
	if got != int(size) {
		return nil, fmt.Errorf("lz4 decompression produced %d bytes, want %d", got, size)
	}
	return dst, nil
}

func (c *lz4Compressor) Type() Type {
	return LZ4
}

func init() {
	Register(LZ4, "lz4", func(cfg Config) Compressor { return NewLZ4Compressor(cfg.MinReductionPercent) })
}
