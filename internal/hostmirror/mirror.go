// Package hostmirror keeps a host-side shadow of per-patch sizes.
package hostmirror

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/patch"
)

// Source is the partition store as seen by the mirror.
type Source interface {
	NumPatches() uint32
	Patch(id uint32) *patch.Info
}

// Sizes are the counts and capacities of one patch.
type Sizes struct {
	Num     [patch.NumElementTypes]uint16 // local index high-water marks
	Cap     [patch.NumElementTypes]uint16
	Active  [patch.NumElementTypes]int
	Owned   [patch.NumElementTypes]int
	Stashed int
	Ribbons [patch.NumElementTypes]int // active but not owned
}

// Snapshot is a copy of the mirror contents.
type Snapshot struct {
	NumPatches uint32
	// Totals are the owned element counts over all patches: the size of the
	// mesh itself.
	Totals  [patch.NumElementTypes]int
	Patches []Sizes
}

// Mirror holds host copies of per-patch sizes. Its buffers only grow.
type Mirror struct {
	sizes      []Sizes
	numPatches uint32
	totals     [patch.NumElementTypes]int
	grows      int
}

// New returns a mirror with room for capacity patches.
func New(capacity int) *Mirror {
	return &Mirror{sizes: make([]Sizes, max(capacity, 1))}
}

// Capacity returns how many patches the mirror can represent.
func (m *Mirror) Capacity() int { return len(m.sizes) }

// Grows returns how many times the mirror reallocated.
func (m *Mirror) Grows() int { return m.grows }

// NumPatches returns the patch count seen by the last Sync.
func (m *Mirror) NumPatches() uint32 { return m.numPatches }

// Sync copies sizes of every live patch from src, growing first if src now
// has more patches than the mirror holds.
func (m *Mirror) Sync(src Source) {
	n := src.NumPatches()
	if int(n) > len(m.sizes) {
		capacity := len(m.sizes)
		for capacity < int(n) {
			capacity *= 2
		}
		grown := make([]Sizes, capacity)
		copy(grown, m.sizes)
		m.sizes = grown
		m.grows++
	}
	assert.That(int(n) <= len(m.sizes), "hostmirror: %d patches exceed mirror capacity %d", n, len(m.sizes))

	m.numPatches = n
	m.totals = [patch.NumElementTypes]int{}
	for id := range n {
		p := src.Patch(id)
		sz := &m.sizes[id]
		sz.Num = p.Num
		sz.Cap = p.Cap
		sz.Stashed = p.Stash.Len()
		for _, t := range patch.ElementTypes {
			sz.Active[t] = p.NumActive(t)
			sz.Owned[t] = p.NumOwned(t)
			sz.Ribbons[t] = countRibbons(p, t)
			m.totals[t] += sz.Owned[t]
		}
	}
}

func countRibbons(p *patch.Info, t patch.ElementType) int {
	n := 0
	for i, w := range p.Active[t] {
		n += bits.OnesCount64(w &^ p.Owned[t][i])
	}
	return n
}

// Patch returns the mirrored sizes of patch id.
func (m *Mirror) Patch(id uint32) Sizes {
	assert.That(id < m.numPatches, "hostmirror: patch %d not mirrored (%d patches)", id, m.numPatches)
	return m.sizes[id]
}

// Snapshot copies the mirror contents.
func (m *Mirror) Snapshot() Snapshot {
	return Snapshot{
		NumPatches: m.numPatches,
		Totals:     m.totals,
		Patches:    append([]Sizes(nil), m.sizes[:m.numPatches]...),
	}
}

// String renders a per-patch table.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "patches=%d vertices=%d edges=%d faces=%d\n",
		s.NumPatches, s.Totals[patch.Vertex], s.Totals[patch.Edge], s.Totals[patch.Face])
	for id, p := range s.Patches {
		fmt.Fprintf(&b, "  patch %3d  V %4d/%4d  E %4d/%4d  F %4d/%4d  ribbons %d/%d  stash %d\n",
			id,
			p.Owned[patch.Vertex], p.Cap[patch.Vertex],
			p.Owned[patch.Edge], p.Cap[patch.Edge],
			p.Owned[patch.Face], p.Cap[patch.Face],
			p.Ribbons[patch.Vertex], p.Ribbons[patch.Edge],
			p.Stashed)
	}
	return b.String()
}
