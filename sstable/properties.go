package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/twlk9/lgkv/compression"
	"github.com/twlk9/lgkv/keys"
)

// Properties summarises a table. They are written to the properties
// block and returned by Writer.Finish.
type Properties struct {
	SmallestKey   keys.EncodedKey
	LargestKey    keys.EncodedKey
	SmallestSeq   uint64
	LargestSeq    uint64
	NumEntries    uint64
	NumTombstones uint64
	NumDataBlocks uint64
	DataSize      uint64
	FileSize      uint64
	Codec         compression.Type
}

func (p *Properties) encode() []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(p.SmallestKey)))
	buf = append(buf, p.SmallestKey...)
	buf = binary.AppendUvarint(buf, uint64(len(p.LargestKey)))
	buf = append(buf, p.LargestKey...)
	for _, v := range []uint64{p.SmallestSeq, p.LargestSeq, p.NumEntries, p.NumTombstones, p.NumDataBlocks, p.DataSize} {
		buf = binary.AppendUvarint(buf, v)
	}
	return buf
}

func decodeProperties(buf []byte) (Properties, error) {
	var p Properties
	readBytes := func() ([]byte, error) {
		n, k := binary.Uvarint(buf)
		if k <= 0 || uint64(len(buf)-k) < n {
			return nil, fmt.Errorf("truncated key")
		}
		b := append([]byte(nil), buf[k:k+int(n)]...)
		buf = buf[k+int(n):]
		return b, nil
	}

	var err error
	if p.SmallestKey, err = readBytes(); err != nil {
		return p, err
	}
	if p.LargestKey, err = readBytes(); err != nil {
		return p, err
	}
	for _, dst := range []*uint64{&p.SmallestSeq, &p.LargestSeq, &p.NumEntries, &p.NumTombstones, &p.NumDataBlocks, &p.DataSize} {
		v, k := binary.Uvarint(buf)
		if k <= 0 {
			return p, fmt.Errorf("truncated counter")
		}
		*dst = v
		buf = buf[k:]
	}
	return p, nil
}

func (p Properties) String() string {
	return fmt.Sprintf("entries=%d tombstones=%d blocks=%d seq=[%d,%d] keys=[%s, %s] codec=%s size=%d",
		p.NumEntries, p.NumTombstones, p.NumDataBlocks, p.SmallestSeq, p.LargestSeq,
		p.SmallestKey, p.LargestKey, p.Codec, p.FileSize)
}
