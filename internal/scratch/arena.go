// Package scratch provides the per-block scratch region that stands in for
// accelerator shared memory.
//
// An Arena is a bump allocator over a pre-sized word buffer. Sub-allocations
// are aligned to Alignment bytes and alias the buffer, so everything handed
// out by one arena is released together by Reset or Release. An Arena is not
// safe for concurrent allocation: the block leader carves the region before
// fanning work out to its threads.
package scratch

import (
	"sync"
	"unsafe"

	"github.com/gogpu/dynmesh/internal/assert"
)

// Alignment is the byte alignment of every sub-allocation.
const Alignment = 8

// Arena is a fixed-size bump allocator.
type Arena struct {
	words []uint64
	off   int // bytes
	peak  int
}

var pool = sync.Pool{
	New: func() any { return &Arena{} },
}

// New returns an arena holding exactly size bytes (rounded up to Alignment).
func New(size int) *Arena {
	a := &Arena{}
	a.resize(size)
	return a
}

// Acquire returns a pooled arena of size bytes. The buffer is zeroed.
func Acquire(size int) *Arena {
	a := pool.Get().(*Arena)
	a.resize(size)
	clear(a.words)
	return a
}

// Release returns a to the pool. Slices allocated from a must not be used
// afterwards.
func Release(a *Arena) {
	if a == nil {
		return
	}
	a.off, a.peak = 0, 0
	pool.Put(a)
}

func (a *Arena) resize(size int) {
	assert.That(size >= 0, "scratch: negative arena size %d", size)
	n := (size + 7) / 8
	if cap(a.words) < n {
		a.words = make([]uint64, n)
	} else {
		a.words = a.words[:n]
	}
	a.off, a.peak = 0, 0
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.words) * 8 }

// Used returns the current allocation offset in bytes.
func (a *Arena) Used() int { return a.off }

// Peak returns the highest offset reached since the last Reset.
func (a *Arena) Peak() int { return a.peak }

// Reset rewinds the arena. Previously returned slices keep aliasing the
// buffer and will be handed out again.
func (a *Arena) Reset() { a.off = 0 }

// Mark returns the current offset for a later Rewind.
func (a *Arena) Mark() int { return a.off }

// Rewind releases every allocation made after mark.
func (a *Arena) Rewind(mark int) {
	assert.That(mark >= 0 && mark <= a.off, "scratch: bad rewind mark %d (offset %d)", mark, a.off)
	a.off = mark
}

// alloc reserves n bytes and returns the word index of the first byte.
func (a *Arena) alloc(n int) int {
	start := alignUp(a.off)
	end := start + n
	assert.That(end <= a.Size(),
		"scratch: arena overflow: need %d bytes at offset %d, arena holds %d", n, start, a.Size())
	a.off = end
	if end > a.peak {
		a.peak = end
	}
	return start / 8
}

// AllocWords returns n zeroed 64-bit words.
func (a *Arena) AllocWords(n int) []uint64 {
	w := a.alloc(n * 8)
	s := a.words[w : w+n : w+n]
	clear(s)
	return s
}

// AllocU32 returns n zeroed 32-bit values.
func (a *Arena) AllocU32(n int) []uint32 {
	if n == 0 {
		a.alloc(0)
		return nil
	}
	w := a.alloc(n * 4)
	s := unsafe.Slice((*uint32)(unsafe.Pointer(&a.words[w])), n)
	clear(s)
	return s
}

// AllocU16 returns n zeroed 16-bit values.
func (a *Arena) AllocU16(n int) []uint16 {
	if n == 0 {
		a.alloc(0)
		return nil
	}
	w := a.alloc(n * 2)
	s := unsafe.Slice((*uint16)(unsafe.Pointer(&a.words[w])), n)
	clear(s)
	return s
}

// AllocBytes returns n zeroed bytes.
func (a *Arena) AllocBytes(n int) []byte {
	if n == 0 {
		a.alloc(0)
		return nil
	}
	w := a.alloc(n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(&a.words[w])), n)
	clear(s)
	return s
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
