package parallel

import (
	"math/bits"
	"sync/atomic"
)

// DirtySet records which patch ids changed since the last Drain, one bit per
// patch. All methods are safe for concurrent use.
type DirtySet struct {
	words []atomic.Uint64
	size  int
}

// NewDirtySet returns an empty set for ids in [0, size).
func NewDirtySet(size int) *DirtySet {
	if size < 0 {
		size = 0
	}
	return &DirtySet{words: make([]atomic.Uint64, (size+63)/64), size: size}
}

// Size returns the id range.
func (d *DirtySet) Size() int { return d.size }

// Mark adds id. Ids out of range are ignored.
func (d *DirtySet) Mark(id uint32) {
	if int(id) >= d.size {
		return
	}
	d.words[id/64].Or(1 << (id & 63))
}

// MarkRange adds every id in [lo, hi).
func (d *DirtySet) MarkRange(lo, hi uint32) {
	for id := lo; id < hi; id++ {
		d.Mark(id)
	}
}

// IsDirty reports whether id is in the set.
func (d *DirtySet) IsDirty(id uint32) bool {
	if int(id) >= d.size {
		return false
	}
	return d.words[id/64].Load()&(1<<(id&63)) != 0
}

// Count returns the number of ids in the set.
func (d *DirtySet) Count() int {
	n := 0
	for i := range d.words {
		n += bits.OnesCount64(d.words[i].Load())
	}
	return n
}

// Drain empties the set and returns the ids it held, ascending. A Mark racing
// with Drain lands either in the result or in the set afterwards, never
// nowhere.
func (d *DirtySet) Drain() []uint32 {
	var ids []uint32
	for wi := range d.words {
		w := d.words[wi].Swap(0)
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			ids = append(ids, uint32(wi*64+tz))
			w &= w - 1
		}
	}
	return ids
}
