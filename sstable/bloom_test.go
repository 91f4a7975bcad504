package sstable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomNoFalseNegatives(t *testing.T) {
	b := newBloomBuilder(10)
	for i := range 5000 {
		b.addKey(fmt.Appendf(nil, "key-%d", i))
	}
	f := b.finish()
	for i := range 5000 {
		require.True(t, f.MayContain(fmt.Appendf(nil, "key-%d", i)), "key-%d", i)
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	b := newBloomBuilder(10)
	for i := range 10000 {
		b.addKey(fmt.Appendf(nil, "present-%d", i))
	}
	f := b.finish()

	hits := 0
	for i := range 10000 {
		if f.MayContain(fmt.Appendf(nil, "absent-%d", i)) {
			hits++
		}
	}
	// ~1% expected at 10 bits per key.
	require.Less(t, hits, 500)
}

func TestBloomDisabled(t *testing.T) {
	b := newBloomBuilder(0)
	require.Nil(t, b)
	b.addKey([]byte("x"))
	require.Nil(t, b.finish())
	require.True(t, bloomFilter(nil).MayContain([]byte("anything")))
}

func TestBloomDuplicateKeys(t *testing.T) {
	b := newBloomBuilder(10)
	b.addKey([]byte("a"))
	b.addKey([]byte("a"))
	b.addKey([]byte("b"))
	require.Len(t, b.hashes, 2)
}
