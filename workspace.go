package dynmesh

import (
	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/bitmask"
	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/budget"
	"github.com/gogpu/dynmesh/internal/patch"
	"github.com/gogpu/dynmesh/internal/scratch"
)

// Workspace is one patch as seen by a kernel.
//
// In a dynamic launch the patch is hydrated into the block's scratch arena
// and edits stay there until the kernel returns nil. In a static launch the
// workspace reads the persistent patch directly and every edit is fatal.
//
// Reads and cavity marking may run inside Parallel. Insertions, deletions,
// CavityBoundary and FillCavity must be called from the kernel goroutine
// after Sync.
type Workspace struct {
	store   *patch.Store
	p       *patch.Info
	b       *block.Block
	dynamic bool

	num [patch.NumElementTypes]uint16
	cap [patch.NumElementTypes]uint16

	ev, fe        []uint16
	owned, active [patch.NumElementTypes]bitmask.Bitmask
	lp            [patch.NumElementTypes][]uint32
	stash         []uint32

	// Cavity state.
	cavity     bitmask.Bitmask // faces
	edgeOnce   bitmask.Bitmask
	edgeTwice  bitmask.Bitmask
	loopVertex bitmask.Bitmask
	loop       []uint16
	counters   []uint32 // cavity faces, boundary length, inserted elements
}

const (
	counterCavityFaces = iota
	counterLoop
	counterInserted
)

// hydrate builds a dynamic workspace for p inside a. The arena must hold
// budget.Dynamic bytes.
func hydrate(s *patch.Store, p *patch.Info, b *block.Block, a *scratch.Arena) *Workspace {
	w := &Workspace{store: s, p: p, b: b, dynamic: true, num: p.Num, cap: p.Cap}
	capV, capE, capF := int(p.Cap[patch.Vertex]), int(p.Cap[patch.Edge]), int(p.Cap[patch.Face])

	w.fe = a.AllocU16(3 * capF)
	w.ev = a.AllocU16(2 * capE)
	b.Go(3*int(w.num[patch.Face]), func(i int) { w.fe[i] = p.FE[i] })
	b.Go(2*int(w.num[patch.Edge]), func(i int) { w.ev[i] = p.EV[i] })

	for _, t := range patch.ElementTypes {
		lp := a.AllocU32(int(p.Cap[t]))
		src := p.LP[t]
		b.Go(len(lp), func(i int) { lp[i] = uint32(src[i]) })
		w.lp[t] = lp
	}
	w.loop = a.AllocU16(capE)
	w.counters = a.AllocU32(budget.Counters)

	for _, t := range patch.ElementTypes {
		w.owned[t] = bitmask.New(a, int(p.Cap[t]))
		w.active[t] = bitmask.New(a, int(p.Cap[t]))
		w.owned[t].Load(b, p.Owned[t])
		w.active[t].Load(b, p.Active[t])
	}
	w.loopVertex = bitmask.New(a, capV)
	w.edgeOnce = bitmask.New(a, capE)
	w.edgeTwice = bitmask.New(a, capE)
	w.cavity = bitmask.New(a, capF)

	w.stash = a.AllocU32(patch.StashSize)
	copy(w.stash, p.Stash[:])
	b.Sync()
	return w
}

// view builds a read-only workspace over the persistent patch.
func view(s *patch.Store, p *patch.Info, b *block.Block) *Workspace {
	w := &Workspace{store: s, p: p, b: b, num: p.Num, cap: p.Cap, ev: p.EV, fe: p.FE}
	for _, t := range patch.ElementTypes {
		w.owned[t] = p.OwnedMask(t)
		w.active[t] = p.ActiveMask(t)
		w.lp[t] = nil
	}
	return w
}

// flush writes a dynamic workspace back to its patch.
func (w *Workspace) flush() {
	if !w.dynamic {
		return
	}
	p, b := w.p, w.b
	p.Num = w.num
	b.Go(3*int(w.num[patch.Face]), func(i int) { p.FE[i] = w.fe[i] })
	b.Go(2*int(w.num[patch.Edge]), func(i int) { p.EV[i] = w.ev[i] })
	for _, t := range patch.ElementTypes {
		lp, dst := w.lp[t], p.LP[t]
		b.Go(len(lp), func(i int) { dst[i] = patch.LPPair(lp[i]) })
		w.owned[t].Store(b, p.Owned[t])
		w.active[t].Store(b, p.Active[t])
	}
	copy(p.Stash[:], w.stash)
	b.Sync()
}

func (w *Workspace) mustEdit(op string) {
	assert.That(w.dynamic, "workspace: %s on patch %d outside a dynamic launch", op, w.p.ID)
}

// PatchID returns the id of the patch being processed.
func (w *Workspace) PatchID() uint32 { return w.p.ID }

// NumVertices returns one past the highest local vertex index in use.
func (w *Workspace) NumVertices() int { return int(w.num[patch.Vertex]) }

// NumEdges returns one past the highest local edge index in use.
func (w *Workspace) NumEdges() int { return int(w.num[patch.Edge]) }

// NumFaces returns one past the highest local face index in use.
func (w *Workspace) NumFaces() int { return int(w.num[patch.Face]) }

// Num returns one past the highest local index of type t in use.
func (w *Workspace) Num(t ElementType) int { return int(w.num[t]) }

// Capacity returns the patch capacity of type t.
func (w *Workspace) Capacity(t ElementType) int { return int(w.cap[t]) }

// IsActive reports whether local element i is present in the patch.
func (w *Workspace) IsActive(t ElementType, i uint16) bool {
	return int(i) < int(w.num[t]) && w.active[t].Query(int(i))
}

// IsOwned reports whether the patch owns local element i.
func (w *Workspace) IsOwned(t ElementType, i uint16) bool {
	return int(i) < int(w.num[t]) && w.owned[t].Query(int(i))
}

// EdgeVertices returns the endpoints of edge e.
func (w *Workspace) EdgeVertices(e uint16) (uint16, uint16) {
	return w.ev[2*int(e)], w.ev[2*int(e)+1]
}

// FaceEdges returns the three edges of face f.
func (w *Workspace) FaceEdges(f uint16) (uint16, uint16, uint16) {
	i := 3 * int(f)
	return w.fe[i], w.fe[i+1], w.fe[i+2]
}

// FaceVertices returns the corners of face f: both ends of its first edge,
// then the vertex of its second edge not on the first.
func (w *Workspace) FaceVertices(f uint16) (uint16, uint16, uint16) {
	e0, e1, _ := w.FaceEdges(f)
	a, b := w.EdgeVertices(e0)
	c, d := w.EdgeVertices(e1)
	if c == a || c == b {
		return a, b, d
	}
	return a, b, c
}

// GlobalID returns the mesh-wide identity of local element i.
func (w *Workspace) GlobalID(t ElementType, i uint16) uint32 { return w.p.GID[t][i] }

// Owner returns the patch and local index holding the owned copy of local
// element i. It consults only this patch's lookup table, which Cleanup
// keeps pointing at the owner.
func (w *Workspace) Owner(t ElementType, i uint16) (uint32, uint16, bool) {
	if w.IsOwned(t, i) {
		return w.p.ID, i, true
	}
	var lp patch.LPPair
	if w.dynamic {
		lp = patch.LPPair(w.lp[t][i])
	} else {
		lp = w.p.LP[t][i]
	}
	if lp.IsEmpty() {
		return InvalidPatch, patch.InvalidLocal, false
	}
	var pid uint32
	if w.dynamic {
		pid = w.stash[lp.StashIndex()]
	} else {
		pid = w.p.Stash[lp.StashIndex()]
	}
	if pid == patch.InvalidPatch {
		return InvalidPatch, patch.InvalidLocal, false
	}
	return pid, lp.OwnerLocal(), true
}

// Parallel runs fn(i) for i in [0, n) across the block's threads without
// waiting. Call Sync before reading what fn wrote.
func (w *Workspace) Parallel(n int, fn func(i int)) { w.b.Go(n, fn) }

// Sync waits for every outstanding Parallel loop.
func (w *Workspace) Sync() { w.b.Sync() }

// HasRoom reports whether n more elements of type t fit in the patch.
func (w *Workspace) HasRoom(t ElementType, n int) bool {
	return int(w.num[t])+n <= int(w.cap[t])
}

func (w *Workspace) insert(t ElementType) uint16 {
	w.mustEdit("insert " + t.String())
	assert.That(w.HasRoom(t, 1), "workspace: patch %d %s capacity %d exhausted", w.p.ID, t, w.cap[t])
	i := w.num[t]
	w.num[t]++
	w.owned[t].Set(int(i))
	w.active[t].Set(int(i))
	w.lp[t][i] = uint32(patch.EmptyLP)
	w.p.GID[t][i] = w.store.NextGlobalID(t)
	w.counters[counterInserted]++
	return i
}

// InsertVertex adds an owned vertex and returns its local index.
func (w *Workspace) InsertVertex() uint16 {
	return w.insert(patch.Vertex)
}

// InsertEdge adds an owned edge between two active local vertices.
func (w *Workspace) InsertEdge(v0, v1 uint16) uint16 {
	assert.That(w.IsActive(patch.Vertex, v0) && w.IsActive(patch.Vertex, v1),
		"workspace: patch %d edge between inactive vertices %d, %d", w.p.ID, v0, v1)
	e := w.insert(patch.Edge)
	w.ev[2*int(e)] = v0
	w.ev[2*int(e)+1] = v1
	return e
}

// InsertFace adds an owned face bounded by three active local edges.
func (w *Workspace) InsertFace(e0, e1, e2 uint16) uint16 {
	assert.That(w.IsActive(patch.Edge, e0) && w.IsActive(patch.Edge, e1) && w.IsActive(patch.Edge, e2),
		"workspace: patch %d face over inactive edges %d, %d, %d", w.p.ID, e0, e1, e2)
	f := w.insert(patch.Face)
	i := 3 * int(f)
	w.fe[i], w.fe[i+1], w.fe[i+2] = e0, e1, e2
	return f
}

func (w *Workspace) remove(t ElementType, i uint16) {
	w.mustEdit("delete " + t.String())
	assert.That(w.IsOwned(t, i), "workspace: patch %d deletes %s %d it does not own", w.p.ID, t, i)
	w.owned[t].Clear(int(i))
	w.active[t].Clear(int(i))
	w.lp[t][i] = uint32(patch.EmptyLP)
}

// DeleteVertex removes an owned vertex. The slot is not reused.
func (w *Workspace) DeleteVertex(v uint16) { w.remove(patch.Vertex, v) }

// DeleteEdge removes an owned edge.
func (w *Workspace) DeleteEdge(e uint16) { w.remove(patch.Edge, e) }

// DeleteFace removes an owned face.
func (w *Workspace) DeleteFace(f uint16) { w.remove(patch.Face, f) }

// Inserted returns the number of elements inserted so far.
func (w *Workspace) Inserted() int {
	if !w.dynamic {
		return 0
	}
	return int(w.counters[counterInserted])
}

// MarkCavity adds owned face f to the cavity. It reports false if f was
// already marked or is not owned. Safe inside Parallel.
func (w *Workspace) MarkCavity(f uint16) bool {
	w.mustEdit("mark cavity")
	if !w.IsOwned(patch.Face, f) || !w.IsActive(patch.Face, f) {
		return false
	}
	return w.cavity.TrySet(int(f))
}

// InCavity reports whether face f is marked.
func (w *Workspace) InCavity(f uint16) bool {
	return w.dynamic && w.cavity.Query(int(f))
}

// ClearCavity unmarks every face.
func (w *Workspace) ClearCavity() {
	w.mustEdit("clear cavity")
	w.cavity.Reset(w.b)
	w.b.Sync()
	w.counters[counterCavityFaces] = 0
	w.counters[counterLoop] = 0
}

// CavityBoundary orders the edges bounding the marked faces into a closed
// loop, so that consecutive edges share a vertex. It reports false when the
// cavity is empty or its boundary is not one simple loop. The returned
// slice is valid until the next cavity call.
func (w *Workspace) CavityBoundary() ([]uint16, bool) {
	w.mustEdit("cavity boundary")
	b := w.b
	w.edgeOnce.Reset(b)
	w.edgeTwice.Reset(b)
	w.loopVertex.Reset(b)
	b.Sync()

	var faces uint32
	nf := int(w.num[patch.Face])
	for f := range nf {
		if w.cavity.Query(f) {
			faces++
		}
	}
	w.counters[counterCavityFaces] = faces
	w.counters[counterLoop] = 0
	if faces == 0 {
		return nil, false
	}
	b.For(nf, func(f int) {
		if !w.cavity.Query(f) {
			return
		}
		for k := range 3 {
			e := int(w.fe[3*f+k])
			if !w.edgeOnce.TrySet(e) {
				w.edgeTwice.Set(e)
			}
		}
	})

	k := 0
	for e := range int(w.num[patch.Edge]) {
		if w.edgeOnce.Query(e) && !w.edgeTwice.Query(e) {
			w.loop[k] = uint16(e)
			k++
		}
	}
	if k < 3 {
		return nil, false
	}

	// Chain edges by shared vertices, selection-sort style.
	first, cur := w.EdgeVertices(w.loop[0])
	if !w.loopVertex.TrySet(int(first)) {
		return nil, false
	}
	for i := 1; i < k; i++ {
		if !w.loopVertex.TrySet(int(cur)) {
			return nil, false
		}
		found := false
		for j := i; j < k; j++ {
			a, c := w.EdgeVertices(w.loop[j])
			if a != cur && c != cur {
				continue
			}
			w.loop[i], w.loop[j] = w.loop[j], w.loop[i]
			if a == cur {
				cur = c
			} else {
				cur = a
			}
			found = true
			break
		}
		if !found {
			return nil, false
		}
	}
	if cur != first {
		return nil, false
	}
	w.counters[counterLoop] = uint32(k)
	return w.loop[:k], true
}

// FillCavity replaces the marked faces with a fan around center: the
// cavity's owned faces, interior edges and interior vertices are deleted,
// then one spoke edge per boundary vertex and one face per boundary edge
// are inserted. center must be active and must not lie on the boundary.
//
// It returns the number of faces created, or false without changing
// anything when the boundary is not a simple loop, an interior element is
// not owned, or the new elements would not fit. The cavity is cleared on
// success.
func (w *Workspace) FillCavity(center uint16) (int, bool) {
	loop, ok := w.CavityBoundary()
	if !ok {
		return 0, false
	}
	k := len(loop)
	if !w.IsActive(patch.Vertex, center) || w.loopVertex.Query(int(center)) {
		return 0, false
	}
	if !w.HasRoom(patch.Edge, k) || !w.HasRoom(patch.Face, k) {
		return 0, false
	}

	// Interior edges appear twice; interior vertices are cavity vertices
	// off the boundary. Everything removed must be owned.
	nf := int(w.num[patch.Face])
	for f := range nf {
		if !w.cavity.Query(f) {
			continue
		}
		for j := range 3 {
			e := w.fe[3*f+j]
			if w.edgeTwice.Query(int(e)) && !w.IsOwned(patch.Edge, e) {
				return 0, false
			}
			for _, v := range w.edgeEnds(e) {
				if v != center && !w.loopVertex.Query(int(v)) && !w.IsOwned(patch.Vertex, v) {
					return 0, false
				}
			}
		}
	}

	for f := range nf {
		if !w.cavity.Query(f) {
			continue
		}
		for j := range 3 {
			e := w.fe[3*f+j]
			for _, v := range w.edgeEnds(e) {
				if v != center && !w.loopVertex.Query(int(v)) && w.IsActive(patch.Vertex, v) {
					w.remove(patch.Vertex, v)
				}
			}
			if w.edgeTwice.Query(int(e)) && w.IsActive(patch.Edge, e) {
				w.remove(patch.Edge, e)
			}
		}
		w.remove(patch.Face, uint16(f))
	}

	// loop[i] joins corner i and corner i+1; corner 0 is the end of loop[0]
	// not shared with loop[1].
	a, c := w.EdgeVertices(loop[0])
	n0, n1 := w.EdgeVertices(loop[1])
	corner := a
	if a == n0 || a == n1 {
		corner = c
	}
	firstSpoke := w.num[patch.Edge]
	for i := range k {
		w.InsertEdge(center, corner)
		u, v := w.EdgeVertices(loop[i])
		if u == corner {
			corner = v
		} else {
			corner = u
		}
	}
	for i := range k {
		next := (i + 1) % k
		w.InsertFace(loop[i], firstSpoke+uint16(i), firstSpoke+uint16(next))
	}

	w.cavity.Reset(w.b)
	w.b.Sync()
	w.counters[counterCavityFaces] = 0
	w.counters[counterLoop] = 0
	return k, true
}

func (w *Workspace) edgeEnds(e uint16) [2]uint16 {
	a, b := w.EdgeVertices(e)
	return [2]uint16{a, b}
}
