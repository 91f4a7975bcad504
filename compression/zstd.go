package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdLevel represents different Zstd compression levels
type ZstdLevel int

const (
	// ZstdFastest provides fastest compression with lower ratio
	ZstdFastest ZstdLevel = 1

	// ZstdDefault provides balanced compression speed and ratio
	ZstdDefault ZstdLevel = 3

	// ZstdBetter provides better compression ratio with more CPU usage
	ZstdBetter ZstdLevel = 6

	// ZstdBest provides best compression ratio with highest CPU usage
	ZstdBest ZstdLevel = 9
)

func (l ZstdLevel) encoderLevel() zstd.EncoderLevel {
	switch l {
	case ZstdFastest:
		return zstd.SpeedFastest
	case ZstdBetter:
		return zstd.SpeedBetterCompression
	case ZstdBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// zstdCompressor pools encoders and decoders; both are expensive to
// build and safe to reuse with EncodeAll/DecodeAll.
type zstdCompressor struct {
	minReductionPercent uint8
	level               zstd.EncoderLevel

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewZstdCompressor creates a new Zstd compressor with the specified level
func NewZstdCompressor(minReductionPercent uint8, level ZstdLevel) Compressor {
	c := &zstdCompressor{
		minReductionPercent: minReductionPercent,
		level:               level.encoderLevel(),
	}

	c.encoderPool = sync.Pool{
		New: func() any {
			encoder, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(c.level),
				zstd.WithLowerEncoderMem(true),
				zstd.WithWindowSize(1<<20),
			)
			if err != nil {
				panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
			}
			return encoder
		},
	}
	c.decoderPool = sync.Pool{
		New: func() any {
			decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
			}
			return decoder
		},
	}
	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	encoder := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(encoder)

	compressed := encoder.EncodeAll(src, dst[:0])
	if !worthKeeping(len(src), len(compressed), c.minReductionPercent) {
		return keepRaw(compressed, src)
	}
	return compressed, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	decoder := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(decoder)

	decompressed, err := decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return decompressed, nil
}

func (c *zstdCompressor) Type() Type {
	return Zstd
}

func init() {
	Register(Zstd, "zstd", func(cfg Config) Compressor {
		level := ZstdLevel(cfg.Level)
		if level == 0 {
			level = ZstdDefault
		}
		return NewZstdCompressor(cfg.MinReductionPercent, level)
	})
}
