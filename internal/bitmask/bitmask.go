// Package bitmask implements the fixed-capacity bit-vectors that track
// owned, active and transient per-operation element marks.
//
// A Bitmask is either a scratch copy allocated from a block's arena or a
// view over persistent words in the partition store. Scratch copies are
// hydrated with Load and written back with Store; both are asynchronous with
// respect to the block and become visible after block.Sync.
package bitmask

import (
	"math/bits"
	"sync/atomic"

	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/scratch"
)

// Bitmask is a bit-vector sized to a patch capacity.
//
// Query, Set and Clear use atomic word operations, so threads may touch
// disjoint indices that share a word. Concurrent writers to the same index
// need external ordering.
type Bitmask struct {
	words    []uint64
	capacity int
}

// NumWords returns the number of 64-bit words backing capacity bits.
func NumWords(capacity int) int {
	return (capacity + 63) / 64
}

// NumBytes returns the scratch footprint of a bitmask of the given capacity.
func NumBytes(capacity int) int {
	return NumWords(capacity) * 8
}

// New allocates a zeroed bitmask from a.
func New(a *scratch.Arena, capacity int) Bitmask {
	return Bitmask{words: a.AllocWords(NumWords(capacity)), capacity: capacity}
}

// View wraps existing words, typically a patch's persistent mask.
func View(words []uint64, capacity int) Bitmask {
	assert.That(len(words) >= NumWords(capacity),
		"bitmask: %d words cannot hold %d bits", len(words), capacity)
	return Bitmask{words: words[:NumWords(capacity)], capacity: capacity}
}

// Capacity returns the number of addressable bits.
func (m Bitmask) Capacity() int { return m.capacity }

// Words exposes the backing words.
func (m Bitmask) Words() []uint64 { return m.words }

// Reset clears every bit, one word per thread. Call b.Sync before use.
func (m Bitmask) Reset(b *block.Block) {
	b.Go(len(m.words), func(i int) {
		atomic.StoreUint64(&m.words[i], 0)
	})
}

// Load copies src into m across the block's threads without waiting.
// Bits beyond len(src) words are cleared. The copy is visible only after
// b.Sync; a Load must not overlap a pending write to the same words.
func (m Bitmask) Load(b *block.Block, src []uint64) {
	b.Go(len(m.words), func(i int) {
		var w uint64
		if i < len(src) {
			w = src[i]
		}
		atomic.StoreUint64(&m.words[i], w)
	})
}

// Store writes m into dst across the block's threads without waiting.
func (m Bitmask) Store(b *block.Block, dst []uint64) {
	n := min(len(dst), len(m.words))
	b.Go(n, func(i int) {
		dst[i] = atomic.LoadUint64(&m.words[i])
	})
}

// CopyFrom copies another bitmask of the same capacity, synchronously.
func (m Bitmask) CopyFrom(src Bitmask) {
	for i := range m.words {
		var w uint64
		if i < len(src.words) {
			w = atomic.LoadUint64(&src.words[i])
		}
		atomic.StoreUint64(&m.words[i], w)
	}
}

func (m Bitmask) check(i int) {
	if i < 0 || i >= m.capacity {
		assert.Failf("bitmask: index %d out of range (capacity %d)", i, m.capacity)
	}
}

// Query reports whether bit i is set.
func (m Bitmask) Query(i int) bool {
	m.check(i)
	return atomic.LoadUint64(&m.words[i>>6])&(1<<(uint(i)&63)) != 0
}

// Set sets bit i.
func (m Bitmask) Set(i int) {
	m.check(i)
	atomic.OrUint64(&m.words[i>>6], 1<<(uint(i)&63))
}

// TrySet sets bit i and reports whether it was previously clear.
func (m Bitmask) TrySet(i int) bool {
	m.check(i)
	bit := uint64(1) << (uint(i) & 63)
	return atomic.OrUint64(&m.words[i>>6], bit)&bit == 0
}

// Clear clears bit i.
func (m Bitmask) Clear(i int) {
	m.check(i)
	atomic.AndUint64(&m.words[i>>6], ^(uint64(1) << (uint(i) & 63)))
}

// Assign sets or clears bit i.
func (m Bitmask) Assign(i int, v bool) {
	if v {
		m.Set(i)
	} else {
		m.Clear(i)
	}
}

// Count returns the number of set bits.
func (m Bitmask) Count() int {
	n := 0
	for i := range m.words {
		n += bits.OnesCount64(atomic.LoadUint64(&m.words[i]))
	}
	return n
}

// CountBelow returns the number of set bits with index < limit.
func (m Bitmask) CountBelow(limit int) int {
	n := 0
	m.ForEach(func(i int) {
		if i < limit {
			n++
		}
	})
	return n
}

// ForEach calls fn for every set bit in ascending order.
func (m Bitmask) ForEach(fn func(i int)) {
	for wi := range m.words {
		w := atomic.LoadUint64(&m.words[wi])
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			fn(wi*64 + tz)
			w &= w - 1
		}
	}
}

// Last returns the highest set bit, or -1.
func (m Bitmask) Last() int {
	for wi := len(m.words) - 1; wi >= 0; wi-- {
		if w := atomic.LoadUint64(&m.words[wi]); w != 0 {
			return wi*64 + 63 - bits.LeadingZeros64(w)
		}
	}
	return -1
}
