// Package bufferpool recycles scratch buffers used while reading
// table blocks and log records off disk.
package bufferpool

import (
	"sort"
	"sync"
)

// Pool hands out byte slices from a fixed set of size classes.
// Requests above the largest class are allocated directly and never
// pooled.
type Pool struct {
	classes []int
	pools   []sync.Pool
}

// New creates a pool with the given size classes.
func New(classes ...int) *Pool {
	c := append([]int(nil), classes...)
	sort.Ints(c)
	p := &Pool{classes: c, pools: make([]sync.Pool, len(c))}
	for i, size := range c {
		size := size
		p.pools[i].New = func() any {
			return make([]byte, 0, size)
		}
	}
	return p
}

// Get returns a slice of length size.
func (p *Pool) Get(size int) []byte {
	i := sort.SearchInts(p.classes, size)
	if i == len(p.classes) {
		return make([]byte, size)
	}
	buf := p.pools[i].Get().([]byte)
	return buf[:size]
}

// Put returns buf for reuse. Slices whose capacity is not exactly a
// size class are dropped for the GC.
func (p *Pool) Put(buf []byte) {
	i := sort.SearchInts(p.classes, cap(buf))
	if i < len(p.classes) && p.classes[i] == cap(buf) {
		p.pools[i].Put(buf[:0])
	}
}

var global = New(4<<10, 32<<10, 256<<10)

// Get returns a slice from the shared pool.
func Get(size int) []byte {
	return global.Get(size)
}

// Put returns a slice to the shared pool.
func Put(buf []byte) {
	global.Put(buf)
}
