package patch

import (
	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/bitmask"
)

// Info is the persistent record of one patch.
//
// Num holds the local index high-water mark per element type: every local
// index below it has been handed out, active or not. Slices are sized to
// the store-wide capacities and never reallocated.
type Info struct {
	ID  uint32
	Num [NumElementTypes]uint16
	Cap [NumElementTypes]uint16

	EV []uint16 // 2 vertices per edge
	FE []uint16 // 3 edges per face

	Owned  [NumElementTypes][]uint64
	Active [NumElementTypes][]uint64

	// GID is the mesh-wide identity of each local element.
	GID [NumElementTypes][]uint32

	LP    [NumElementTypes][]LPPair
	Stash Stash
}

func newInfo(id uint32, caps [NumElementTypes]uint16) Info {
	p := Info{
		ID:    id,
		Cap:   caps,
		EV:    make([]uint16, 2*int(caps[Edge])),
		FE:    make([]uint16, 3*int(caps[Face])),
		Stash: NewStash(),
	}
	for _, t := range ElementTypes {
		c := int(caps[t])
		p.Owned[t] = make([]uint64, bitmask.NumWords(c))
		p.Active[t] = make([]uint64, bitmask.NumWords(c))
		p.GID[t] = make([]uint32, c)
		p.LP[t] = make([]LPPair, c)
		for i := range p.LP[t] {
			p.LP[t][i] = EmptyLP
		}
	}
	return p
}

// OwnedMask returns a view over the persistent owned words of type t.
func (p *Info) OwnedMask(t ElementType) bitmask.Bitmask {
	return bitmask.View(p.Owned[t], int(p.Cap[t]))
}

// ActiveMask returns a view over the persistent active words of type t.
func (p *Info) ActiveMask(t ElementType) bitmask.Bitmask {
	return bitmask.View(p.Active[t], int(p.Cap[t]))
}

// IsOwned reports whether this patch owns local element i.
func (p *Info) IsOwned(t ElementType, i uint16) bool {
	return int(i) < int(p.Cap[t]) && p.Owned[t][i>>6]&(1<<(i&63)) != 0
}

// IsActive reports whether local element i is present in this patch.
func (p *Info) IsActive(t ElementType, i uint16) bool {
	return int(i) < int(p.Cap[t]) && p.Active[t][i>>6]&(1<<(i&63)) != 0
}

// NumActive counts active elements of type t.
func (p *Info) NumActive(t ElementType) int { return p.ActiveMask(t).Count() }

// NumOwned counts owned elements of type t.
func (p *Info) NumOwned(t ElementType) int { return p.OwnedMask(t).Count() }

// EdgeVertices returns the endpoints of edge e.
func (p *Info) EdgeVertices(e uint16) (uint16, uint16) {
	return p.EV[2*int(e)], p.EV[2*int(e)+1]
}

// FaceEdges returns the three edges of face f.
func (p *Info) FaceEdges(f uint16) (uint16, uint16, uint16) {
	i := 3 * int(f)
	return p.FE[i], p.FE[i+1], p.FE[i+2]
}

// SetLP records that local element i lives at (pid, ownerLocal), adding pid
// to the stash if needed.
func (p *Info) SetLP(t ElementType, i uint16, pid uint32, ownerLocal uint16) {
	assert.That(pid != p.ID, "patch %d: lookup entry for %s %d points to itself", p.ID, t, i)
	p.LP[t][i] = NewLPPair(p.Stash.Insert(pid), ownerLocal)
}

// Lookup returns the patch and local index the LP table records for i.
func (p *Info) Lookup(t ElementType, i uint16) (uint32, uint16, bool) {
	lp := p.LP[t][i]
	if lp.IsEmpty() {
		return InvalidPatch, InvalidLocal, false
	}
	pid := p.Stash[lp.StashIndex()]
	if pid == InvalidPatch {
		return InvalidPatch, InvalidLocal, false
	}
	return pid, lp.OwnerLocal(), true
}

// ForEachReference calls fn for every element an active local element
// points at: the endpoints of active edges and the edges of active faces.
// Elements may be reported more than once.
func (p *Info) ForEachReference(fn func(t ElementType, i uint16)) {
	p.ActiveMask(Edge).ForEach(func(e int) {
		v0, v1 := p.EdgeVertices(uint16(e))
		fn(Vertex, v0)
		fn(Vertex, v1)
	})
	p.ActiveMask(Face).ForEach(func(f int) {
		e0, e1, e2 := p.FaceEdges(uint16(f))
		fn(Edge, e0)
		fn(Edge, e1)
		fn(Edge, e2)
	})
}

// CopyFrom overwrites p with src's topology, identities, counts and stash,
// keeping p's id. Masks and LP tables are copied as well.
func (p *Info) CopyFrom(src *Info) {
	p.Num = src.Num
	copy(p.EV, src.EV)
	copy(p.FE, src.FE)
	for _, t := range ElementTypes {
		copy(p.Owned[t], src.Owned[t])
		copy(p.Active[t], src.Active[t])
		copy(p.GID[t], src.GID[t])
		copy(p.LP[t], src.LP[t])
	}
	p.Stash = src.Stash
}

// Clear resets p to an empty patch.
func (p *Info) Clear() {
	p.Num = [NumElementTypes]uint16{}
	clear(p.EV)
	clear(p.FE)
	for _, t := range ElementTypes {
		clear(p.Owned[t])
		clear(p.Active[t])
		clear(p.GID[t])
		for i := range p.LP[t] {
			p.LP[t][i] = EmptyLP
		}
	}
	p.Stash.Reset()
}
