package slicer

import (
	"sync"
	"testing"

	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/budget"
	"github.com/gogpu/dynmesh/internal/meshgen"
	"github.com/gogpu/dynmesh/internal/patch"
	"github.com/gogpu/dynmesh/internal/scratch"
)

func buildStore(t *testing.T, m *meshgen.Mesh, facesPerPatch int, maxPatches uint32) *patch.Store {
	t.Helper()
	inputs, err := meshgen.Partition(m, facesPerPatch)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	s, err := patch.Build(inputs, maxPatches, [3]float64{1.5, 1.5, 1.5})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

func arenaFor(s *patch.Store) *scratch.Arena {
	return scratch.New(budget.Slicing(budget.FromStore(s.Capacities())))
}

// fakeAttr is a relocatable value array keyed by (patch, local, attr).
type fakeAttr struct {
	t    patch.ElementType
	n    uint32
	mu   sync.Mutex
	vals map[[3]uint32]float64
}

func newFakeAttr(t patch.ElementType, n uint32) *fakeAttr {
	return &fakeAttr{t: t, n: n, vals: make(map[[3]uint32]float64)}
}

func (a *fakeAttr) ElementType() patch.ElementType { return a.t }
func (a *fakeAttr) NumAttributes() uint32          { return a.n }

func (a *fakeAttr) get(p uint32, l uint16, k uint32) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vals[[3]uint32{p, uint32(l), k}]
}

func (a *fakeAttr) set(p uint32, l uint16, k uint32, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vals[[3]uint32{p, uint32(l), k}] = v
}

func (a *fakeAttr) CopySlot(dst, src uint32, l uint16, k uint32) {
	a.set(dst, l, k, a.get(src, l, k))
}

// checkOwnership verifies every global identity is owned exactly once and
// every owned element is active.
func checkOwnership(t *testing.T, s *patch.Store, want [3]int) {
	t.Helper()
	for _, et := range patch.ElementTypes {
		seen := map[uint32]uint32{}
		for pid := range s.NumPatches() {
			p := s.Patch(pid)
			p.OwnedMask(et).ForEach(func(i int) {
				g := p.GID[et][i]
				if prev, dup := seen[g]; dup {
					t.Errorf("%s %d owned by patches %d and %d", et, g, prev, pid)
				}
				seen[g] = pid
				if !p.IsActive(et, uint16(i)) {
					t.Errorf("patch %d owns inactive %s %d", pid, et, i)
				}
			})
		}
		if len(seen) != want[et] {
			t.Errorf("%d %ss owned, want %d", len(seen), et, want[et])
		}
	}
}

// checkResolvable verifies that every element an active local element
// points at is active locally or resolves to an owner holding it.
func checkResolvable(t *testing.T, s *patch.Store) {
	t.Helper()
	for pid := range s.NumPatches() {
		p := s.Patch(pid)
		p.ForEachReference(func(et patch.ElementType, i uint16) {
			if p.IsActive(et, i) {
				return
			}
			owner, local, ok := s.Resolve(et, pid, i)
			if !ok {
				t.Errorf("patch %d: %s %d unresolvable", pid, et, i)
				return
			}
			if !s.Patch(owner).IsActive(et, local) {
				t.Errorf("patch %d: %s %d resolves to inactive (%d, %d)", pid, et, i, owner, local)
			}
			if s.Patch(owner).GID[et][local] != p.GID[et][i] {
				t.Errorf("patch %d: %s %d resolves to a different element", pid, et, i)
			}
		})
	}
}

// checkFaceClosure verifies that both endpoints of every edge an active face
// points at are active locally or resolve to their owner, whether or not the
// edge itself is active.
func checkFaceClosure(t *testing.T, s *patch.Store) {
	t.Helper()
	for pid := range s.NumPatches() {
		p := s.Patch(pid)
		p.ActiveMask(patch.Face).ForEach(func(f int) {
			e0, e1, e2 := p.FaceEdges(uint16(f))
			for _, e := range []uint16{e0, e1, e2} {
				v0, v1 := p.EdgeVertices(e)
				for _, v := range []uint16{v0, v1} {
					if p.IsActive(patch.Vertex, v) {
						continue
					}
					owner, local, ok := s.Resolve(patch.Vertex, pid, v)
					if !ok {
						t.Errorf("patch %d: vertex %d of face %d edge %d has no lookup entry", pid, v, f, e)
						continue
					}
					if s.Patch(owner).GID[patch.Vertex][local] != p.GID[patch.Vertex][v] {
						t.Errorf("patch %d: vertex %d resolves to a different element", pid, v)
					}
				}
			}
		})
	}
}

// =============================================================================
// Slicing scenarios
// =============================================================================

func TestSlice_HundredFaces(t *testing.T) {
	m := meshgen.Grid(10, 5)
	s := buildStore(t, m, 100, 4)
	b := block.New(4)

	res := Slice(s, 0, b, arenaFor(s), Config{Threshold: 64, Debug: true}, nil)
	if !res.Sliced {
		t.Fatal("patch with 100 faces was not sliced at threshold 64")
	}
	if s.NumPatches() != 2 {
		t.Fatalf("NumPatches() = %d, want 2", s.NumPatches())
	}
	if res.NewPatch != 1 {
		t.Errorf("NewPatch = %d, want 1", res.NewPatch)
	}
	if res.Faces[0]+res.Faces[1] != 100 {
		t.Errorf("faces %d + %d, want 100 total", res.Faces[0], res.Faces[1])
	}
	if res.Faces[0] != 50 || res.Faces[1] != 50 {
		t.Errorf("faces = %v, want balanced halves", res.Faces)
	}
	for pid := range s.NumPatches() {
		if n := s.Patch(pid).NumActive(patch.Face); n > 64 {
			t.Errorf("patch %d has %d faces, above threshold", pid, n)
		}
	}
	checkOwnership(t, s, [3]int{m.NumVertices, m.NumEdges(), m.NumFaces()})
	checkResolvable(t, s)
	checkFaceClosure(t, s)
}

func TestSlice_BelowThreshold(t *testing.T) {
	s := buildStore(t, meshgen.Grid(4, 4), 100, 4)
	res := Slice(s, 0, block.New(2), arenaFor(s), Config{Threshold: 64}, nil)
	if res.Sliced {
		t.Error("patch with 32 faces sliced at threshold 64")
	}
	if s.NumPatches() != 1 {
		t.Errorf("NumPatches() = %d, want 1", s.NumPatches())
	}
}

func TestSlice_Disconnected(t *testing.T) {
	m := meshgen.Merge(meshgen.Tetrahedron(), meshgen.Grid(2, 1))
	s := buildStore(t, m, 100, 4)
	res := Slice(s, 0, block.New(3), arenaFor(s), Config{Threshold: 4, Debug: true}, nil)
	if !res.Sliced {
		t.Fatal("expected a slice")
	}
	if res.Faces[0] != 4 || res.Faces[1] != 4 {
		t.Errorf("faces = %v, want [4 4]", res.Faces)
	}
	checkOwnership(t, s, [3]int{10, 15, 8})
	checkResolvable(t, s)
}

func TestSlice_MultiPatchRibbons(t *testing.T) {
	m := meshgen.Grid(8, 8) // 128 faces
	s := buildStore(t, m, 64, 8)
	b := block.New(4)
	a := arenaFor(s)
	n := s.NumPatches()
	for pid := range n {
		Slice(s, pid, b, a, Config{Threshold: 32, Debug: true}, nil)
	}
	if s.NumPatches() != 2*n {
		t.Fatalf("NumPatches() = %d, want %d", s.NumPatches(), 2*n)
	}
	checkOwnership(t, s, [3]int{m.NumVertices, m.NumEdges(), m.NumFaces()})
	checkResolvable(t, s)
}

func TestSlice_RepeatedSlicing(t *testing.T) {
	m := meshgen.Grid(8, 4) // 64 faces
	s := buildStore(t, m, 64, 16)
	b := block.New(4)
	a := arenaFor(s)
	for range 3 {
		n := s.NumPatches()
		for pid := range n {
			Slice(s, pid, b, a, Config{Threshold: 8, Debug: true}, nil)
		}
	}
	if s.NumPatches() != 8 {
		t.Fatalf("NumPatches() = %d, want 8", s.NumPatches())
	}
	checkOwnership(t, s, [3]int{m.NumVertices, m.NumEdges(), m.NumFaces()})
	checkResolvable(t, s)
	checkFaceClosure(t, s)
}

func TestSlice_BoundaryEdgeEndpoints(t *testing.T) {
	m := meshgen.Grid(8, 8) // 128 faces
	s := buildStore(t, m, 128, 8)
	b := block.New(4)
	a := arenaFor(s)
	for pass := range 2 {
		n := s.NumPatches()
		for pid := range n {
			Slice(s, pid, b, a, Config{Threshold: 3, Debug: true}, nil)
		}
		if s.NumPatches() != 2*n {
			t.Fatalf("pass %d: NumPatches() = %d, want %d", pass, s.NumPatches(), 2*n)
		}
		checkResolvable(t, s)
		checkFaceClosure(t, s)
	}
}

func TestSlice_MaxPatchesIsFatal(t *testing.T) {
	s := buildStore(t, meshgen.Grid(4, 4), 100, 1)
	defer func() {
		if _, ok := recover().(*assert.Violation); !ok {
			t.Error("slicing past the patch maximum did not raise a violation")
		}
	}()
	Slice(s, 0, block.New(1), arenaFor(s), Config{Threshold: 2}, nil)
}

func TestSlice_ArenaRewound(t *testing.T) {
	s := buildStore(t, meshgen.Grid(4, 4), 100, 4)
	a := arenaFor(s)
	Slice(s, 0, block.New(2), a, Config{Threshold: 2}, nil)
	if a.Used() != 0 {
		t.Errorf("arena Used() = %d after Slice, want 0", a.Used())
	}
	if a.Peak() > a.Size() {
		t.Errorf("arena Peak() = %d exceeds size %d", a.Peak(), a.Size())
	}
}

// =============================================================================
// Attribute relocation
// =============================================================================

func TestSlice_RelocatesAttributes(t *testing.T) {
	s := buildStore(t, meshgen.Grid(6, 6), 100, 4)
	vattr := newFakeAttr(patch.Vertex, 3)
	fattr := newFakeAttr(patch.Face, 1)

	p := s.Patch(0)
	for i := range int(p.Num[patch.Vertex]) {
		for k := range uint32(3) {
			vattr.set(0, uint16(i), k, float64(p.GID[patch.Vertex][i])*10+float64(k))
		}
	}
	for i := range int(p.Num[patch.Face]) {
		fattr.set(0, uint16(i), 0, float64(i)+0.5)
	}

	res := Slice(s, 0, block.New(4), arenaFor(s), Config{Threshold: 10}, []Relocatable{vattr, fattr})
	if !res.Sliced {
		t.Fatal("expected a slice")
	}
	q := s.Patch(res.NewPatch)

	moved := 0
	q.OwnedMask(patch.Vertex).ForEach(func(i int) {
		moved++
		for k := range uint32(3) {
			got := vattr.get(res.NewPatch, uint16(i), k)
			want := vattr.get(0, uint16(i), k)
			if got != want {
				t.Errorf("vertex %d attr %d = %v in new patch, want %v", i, k, got, want)
			}
		}
	})
	if moved != res.Moved[patch.Vertex] || moved == 0 {
		t.Errorf("moved vertices = %d, Result.Moved = %d", moved, res.Moved[patch.Vertex])
	}
	q.OwnedMask(patch.Face).ForEach(func(i int) {
		if got := fattr.get(res.NewPatch, uint16(i), 0); got != float64(i)+0.5 {
			t.Errorf("face %d value = %v, want %v", i, got, float64(i)+0.5)
		}
	})
	// Elements that stayed were not copied.
	s.Patch(0).OwnedMask(patch.Vertex).ForEach(func(i int) {
		if vattr.get(res.NewPatch, uint16(i), 0) != 0 {
			t.Errorf("vertex %d kept by patch 0 was copied", i)
		}
	})
}
