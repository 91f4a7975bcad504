package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// deflateCompressor writes raw DEFLATE streams. Writers are pooled per
// compressor because flate.NewWriter allocates large tables.
type deflateCompressor struct {
	minReductionPercent uint8
	level               int
	writers             sync.Pool
}

// NewDeflateCompressor creates a DEFLATE compressor. A level of zero
// picks flate.DefaultCompression.
func NewDeflateCompressor(minReductionPercent uint8, level int) Compressor {
	if level == 0 {
		level = flate.DefaultCompression
	}
	c := &deflateCompressor{minReductionPercent: minReductionPercent, level: level}
	c.writers = sync.Pool{
		New: func() any {
			w, err := flate.NewWriter(nil, c.level)
			if err != nil {
				// only fails on an out of range level
				w, _ = flate.NewWriter(nil, flate.DefaultCompression)
			}
			return w
		},
	}
	return c
}

func (c *deflateCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	buf := bytes.NewBuffer(dst[:0])
	w := c.writers.Get().(*flate.Writer)
	defer c.writers.Put(w)

	w.Reset(buf)
	if _, err := w.Write(src); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}
	if !worthKeeping(len(src), buf.Len(), c.minReductionPercent) {
		return keepRaw(dst, src)
	}
	return buf.Bytes(), true, nil
}

func (c *deflateCompressor) Decompress(dst, src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	out := bytes.NewBuffer(dst[:0])
	if _, err := io.Copy(out, r); err != nil {
		return nil, fmt.Errorf("deflate decompression failed: %w", err)
	}
	return out.Bytes(), nil
}

func (c *deflateCompressor) Type() Type {
	return Deflate
}

func init() {
	Register(Deflate, "deflate", func(cfg Config) Compressor {
		return NewDeflateCompressor(cfg.MinReductionPercent, cfg.Level)
	})
}
