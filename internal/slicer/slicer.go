// Package slicer splits an overgrown patch in two.
//
// Slice runs inside one block. It hydrates the patch into the block arena,
// bisects the active faces, derives which half every vertex and edge belongs
// to, reserves a new patch id and writes both halves back. Ownership moves
// with activity: every element active before the slice is active in exactly
// one half afterwards. Elements one half still references but no longer
// holds are recorded in that half's lookup table.
package slicer

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/bitmask"
	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/patch"
	"github.com/gogpu/dynmesh/internal/scratch"
)

// Relocatable is an attribute array whose values follow elements to their
// new owner. Implementations copy one value slot between patches at the
// same local index.
type Relocatable interface {
	ElementType() patch.ElementType
	NumAttributes() uint32
	CopySlot(dstPatch, srcPatch uint32, local uint16, attr uint32)
}

// Config controls one slicing pass.
type Config struct {
	// Threshold is the active-face count at which a patch is sliced.
	Threshold uint32
	// Debug re-checks the activity partition after every slice.
	Debug  bool
	Logger *slog.Logger
}

// Result describes what Slice did to one patch.
type Result struct {
	Sliced   bool
	Patch    uint32
	NewPatch uint32
	// Faces holds the active face count of the original and the new patch.
	Faces [2]int
	// Moved counts elements whose ownership moved to the new patch.
	Moved [patch.NumElementTypes]int
}

type halves struct {
	owned, active       [patch.NumElementTypes]bitmask.Bitmask
	newOwned, newActive [patch.NumElementTypes]bitmask.Bitmask
	inB                 [patch.NumElementTypes]bitmask.Bitmask
	refA, refB          bitmask.Bitmask // vertices reachable from each half's edges and faces
	visited, grown      bitmask.Bitmask // faces, bisection only
	countV, countE      []uint32        // incident faces per half, interleaved
	queue               []uint16
}

// Slice slices patch pid when its active-face count reached cfg.Threshold.
// a must hold at least budget.Slicing bytes; it is rewound on return.
func Slice(s *patch.Store, pid uint32, b *block.Block, a *scratch.Arena, cfg Config, attrs []Relocatable) Result {
	p := s.Patch(pid)
	nFaces := p.NumActive(patch.Face)
	if nFaces < 2 || uint32(nFaces) < cfg.Threshold {
		return Result{Patch: pid}
	}

	mark := a.Mark()
	defer a.Rewind(mark)

	caps := s.Capacities()
	capV, capE, capF := int(caps[patch.Vertex]), int(caps[patch.Edge]), int(caps[patch.Face])
	num := p.Num

	// Hydrate adjacency and masks; nothing is read before the barrier.
	ev := a.AllocU16(2 * capE)
	fe := a.AllocU16(3 * capF)
	b.Go(2*int(num[patch.Edge]), func(i int) { ev[i] = p.EV[i] })
	b.Go(3*int(num[patch.Face]), func(i int) { fe[i] = p.FE[i] })

	var h halves
	for _, t := range patch.ElementTypes {
		c := int(caps[t])
		h.owned[t] = bitmask.New(a, c)
		h.active[t] = bitmask.New(a, c)
		h.newOwned[t] = bitmask.New(a, c)
		h.newActive[t] = bitmask.New(a, c)
		h.inB[t] = bitmask.New(a, c)
		h.owned[t].Load(b, p.Owned[t])
		h.active[t].Load(b, p.Active[t])
	}
	h.refA = bitmask.New(a, capV)
	h.refB = bitmask.New(a, capV)
	h.visited = bitmask.New(a, capF)
	h.grown = bitmask.New(a, capF)
	h.countV = a.AllocU32(2 * capV)
	h.countE = a.AllocU32(2 * capE)
	h.queue = a.AllocU16(capF)
	b.Sync()

	bisect(b, &h, ev, fe, int(num[patch.Face]), nFaces)
	assign(b, &h, ev, fe, num)

	newID := s.ReservePatchID()
	q := s.Patch(newID)
	transfer(b, &h, p, q, num)

	if cfg.Debug {
		validate(p, &h, num)
	}

	relocate(b, &h, pid, newID, num, attrs)
	flush(b, &h, p, q)

	res := Result{Sliced: true, Patch: pid, NewPatch: newID}
	res.Faces[0] = h.active[patch.Face].Count()
	res.Faces[1] = h.newActive[patch.Face].Count()
	for _, t := range patch.ElementTypes {
		res.Moved[t] = h.newOwned[t].Count()
	}
	if cfg.Logger != nil {
		cfg.Logger.Debug("slicer: patch sliced",
			"patch", pid, "new", newID,
			"faces", res.Faces[0], "new_faces", res.Faces[1],
			"moved_vertices", res.Moved[patch.Vertex])
	}
	return res
}

// bisect fills h.inB[Face]: faces in BFS order from a pseudo-peripheral seed
// make up the first ceil(n/2) of half A, the rest go to half B.
func bisect(b *block.Block, h *halves, ev, fe []uint16, numFaces, nActive int) {
	activeF := h.active[patch.Face]

	// Edge to face incidence, at most two faces per edge, stored as face+1
	// in the edge counters before they are needed for counting.
	ef := h.countE
	b.For(numFaces, func(f int) {
		if !activeF.Query(f) {
			return
		}
		for k := range 3 {
			e := int(fe[3*f+k])
			if !atomic.CompareAndSwapUint32(&ef[2*e], 0, uint32(f+1)) {
				atomic.CompareAndSwapUint32(&ef[2*e+1], 0, uint32(f+1))
			}
		}
	})

	neighbors := func(f int, visit func(g int)) {
		for k := range 3 {
			e := int(fe[3*f+k])
			for _, slot := range [2]uint32{ef[2*e], ef[2*e+1]} {
				if g := int(slot) - 1; g >= 0 && g != f {
					visit(g)
				}
			}
		}
	}

	firstUnvisited := func() int {
		seed := -1
		activeF.ForEach(func(f int) {
			if seed < 0 && !h.visited.Query(f) {
				seed = f
			}
		})
		return seed
	}

	// Pseudo-peripheral seed: the last face reached from the lowest one.
	seed := firstUnvisited()
	queue := h.queue
	head, tail := 0, 0
	queue[tail] = uint16(seed)
	tail++
	h.visited.Set(seed)
	for head < tail {
		f := int(queue[head])
		head++
		neighbors(f, func(g int) {
			if activeF.Query(g) && h.visited.TrySet(g) {
				queue[tail] = uint16(g)
				tail++
			}
		})
	}
	seed = int(queue[tail-1])
	h.visited.Reset(b)
	b.Sync()

	target := (nActive + 1) / 2
	grown := 0
	for grown < target {
		if seed < 0 {
			seed = firstUnvisited()
			assert.That(seed >= 0, "slicer: ran out of faces after growing %d of %d", grown, target)
		}
		head, tail = 0, 0
		queue[tail] = uint16(seed)
		tail++
		h.visited.Set(seed)
		seed = -1
		for head < tail && grown < target {
			f := int(queue[head])
			head++
			h.grown.Set(f)
			grown++
			neighbors(f, func(g int) {
				if activeF.Query(g) && h.visited.TrySet(g) {
					queue[tail] = uint16(g)
					tail++
				}
			})
		}
	}

	b.For(numFaces, func(f int) {
		if activeF.Query(f) && !h.grown.Query(f) {
			h.inB[patch.Face].Set(f)
		}
	})
	clear(ef)
}

// assign derives the half of every active vertex and edge. An element goes
// to the half holding strictly more of its incident active faces; ties and
// elements touched by no face stay with the original patch.
func assign(b *block.Block, h *halves, ev, fe []uint16, num [patch.NumElementTypes]uint16) {
	b.For(int(num[patch.Face]), func(f int) {
		if !h.active[patch.Face].Query(f) {
			return
		}
		half := 0
		if h.inB[patch.Face].Query(f) {
			half = 1
		}
		for k := range 3 {
			e := int(fe[3*f+k])
			atomic.AddUint32(&h.countE[2*e+half], 1)
			atomic.AddUint32(&h.countV[2*int(ev[2*e])+half], 1)
			atomic.AddUint32(&h.countV[2*int(ev[2*e+1])+half], 1)
		}
	})

	b.Go(int(num[patch.Edge]), func(e int) {
		if h.active[patch.Edge].Query(e) && h.countE[2*e+1] > h.countE[2*e] {
			h.inB[patch.Edge].Set(e)
		}
	})
	b.Go(int(num[patch.Vertex]), func(v int) {
		if h.active[patch.Vertex].Query(v) && h.countV[2*v+1] > h.countV[2*v] {
			h.inB[patch.Vertex].Set(v)
		}
	})
	b.Sync()

	b.For(int(num[patch.Edge]), func(e int) {
		if !h.active[patch.Edge].Query(e) {
			return
		}
		ref := h.refA
		if h.inB[patch.Edge].Query(e) {
			ref = h.refB
		}
		ref.Set(int(ev[2*e]))
		ref.Set(int(ev[2*e+1]))
	})
	// A face may keep an edge the other half took; that edge's endpoints
	// are referenced too, since cleanup can turn the edge into a ribbon.
	b.For(int(num[patch.Face]), func(f int) {
		if !h.active[patch.Face].Query(f) {
			return
		}
		ref := h.refA
		if h.inB[patch.Face].Query(f) {
			ref = h.refB
		}
		for k := range 3 {
			e := int(fe[3*f+k])
			ref.Set(int(ev[2*e]))
			ref.Set(int(ev[2*e+1]))
		}
	})
}

// referencedByB reports whether half B still points at element i.
func referencedByB(h *halves, t patch.ElementType, i int) bool {
	switch t {
	case patch.Vertex:
		return h.refB.Query(i)
	case patch.Edge:
		return h.countE[2*i+1] > 0
	default:
		return false
	}
}

// transfer moves half B into q and records lookup entries on both sides.
// Scratch masks of p describe half A afterwards.
func transfer(b *block.Block, h *halves, p, q *patch.Info, num [patch.NumElementTypes]uint16) {
	q.Clear()
	q.Num = num
	copy(q.EV, p.EV)
	copy(q.FE, p.FE)
	for _, t := range patch.ElementTypes {
		copy(q.GID[t], p.GID[t])
	}
	// Stash slots are copied before either side adds the other, so copied
	// LP pairs keep pointing at the same neighbors.
	q.Stash = p.Stash
	toP := q.Stash.Insert(p.ID)
	toQ := p.Stash.Insert(q.ID)

	for _, t := range patch.ElementTypes {
		b.Go(int(num[t]), func(i int) {
			local := uint16(i)
			if !h.active[t].Query(i) {
				if lp := p.LP[t][i]; !lp.IsEmpty() && referencedByB(h, t, i) {
					q.LP[t][i] = lp
				}
				return
			}
			wasOwned := h.owned[t].Query(i)
			if h.inB[t].Query(i) {
				h.newActive[t].Set(i)
				h.active[t].Clear(i)
				if wasOwned {
					h.newOwned[t].Set(i)
					h.owned[t].Clear(i)
					p.LP[t][i] = patch.NewLPPair(toQ, local)
				} else {
					q.LP[t][i] = p.LP[t][i]
				}
				return
			}
			if referencedByB(h, t, i) {
				if wasOwned {
					q.LP[t][i] = patch.NewLPPair(toP, local)
				} else {
					q.LP[t][i] = p.LP[t][i]
				}
			}
		})
	}
	b.Sync()
}

// validate checks the activity partition element by element against the
// persistent state, which still holds the pre-slice masks.
func validate(p *patch.Info, h *halves, num [patch.NumElementTypes]uint16) {
	for _, t := range patch.ElementTypes {
		for i := range int(num[t]) {
			local := uint16(i)
			wasActive, wasOwned := p.IsActive(t, local), p.IsOwned(t, local)
			inA, inB := h.active[t].Query(i), h.newActive[t].Query(i)
			ownA, ownB := h.owned[t].Query(i), h.newOwned[t].Query(i)
			if wasActive {
				assert.That(inA != inB, "slicer: patch %d %s %d active in %v/%v halves after slice",
					p.ID, t, i, inA, inB)
			} else {
				assert.That(!inA && !inB, "slicer: patch %d inactive %s %d became active", p.ID, t, i)
			}
			if wasOwned && wasActive {
				assert.That(ownA != ownB, "slicer: patch %d %s %d ownership lost or duplicated", p.ID, t, i)
			} else {
				assert.That(!ownB, "slicer: patch %d %s %d gained an owner", p.ID, t, i)
			}
			assert.That((!ownA || inA) && (!ownB || inB),
				"slicer: patch %d %s %d owned but inactive after slice", p.ID, t, i)
		}
	}
}

// relocate copies attribute values of every element whose ownership moved,
// strided by element index across the block.
func relocate(b *block.Block, h *halves, src, dst uint32, num [patch.NumElementTypes]uint16, attrs []Relocatable) {
	for _, attr := range attrs {
		t := attr.ElementType()
		n := attr.NumAttributes()
		moved := h.newOwned[t]
		b.Go(int(num[t]), func(i int) {
			if !moved.Query(i) {
				return
			}
			for k := range n {
				attr.CopySlot(dst, src, uint16(i), k)
			}
		})
	}
	b.Sync()
}

func flush(b *block.Block, h *halves, p, q *patch.Info) {
	for _, t := range patch.ElementTypes {
		h.owned[t].Store(b, p.Owned[t])
		h.active[t].Store(b, p.Active[t])
		h.newOwned[t].Store(b, q.Owned[t])
		h.newActive[t].Store(b, q.Active[t])
	}
	b.Sync()
}
