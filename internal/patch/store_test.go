package patch

import (
	"errors"
	"testing"

	"github.com/gogpu/dynmesh/internal/assert"
)

// twoTriangles returns a two-patch partition of the quad (0,1,3,2) split
// along edge (1,2). Patch 1 holds v1, v2 and e(1,2) as ribbons.
func twoTriangles() []Input {
	return []Input{
		{
			Num:      [3]int{3, 3, 1},
			NumOwned: [3]int{3, 3, 1},
			EV:       []uint16{0, 1, 1, 2, 2, 0},
			FE:       []uint16{0, 1, 2},
			GID:      [3][]uint32{{0, 1, 2}, {0, 1, 2}, {0}},
		},
		{
			Num:      [3]int{3, 3, 1},
			NumOwned: [3]int{1, 2, 1},
			EV:       []uint16{0, 1, 0, 2, 1, 2},
			FE:       []uint16{0, 1, 2},
			GID:      [3][]uint32{{3, 1, 2}, {3, 4, 1}, {1}},
		},
	}
}

func uniform(f float64) [NumElementTypes]float64 {
	return [NumElementTypes]float64{f, f, f}
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*assert.Violation); !ok {
			t.Fatal("expected an assertion violation")
		}
	}()
	fn()
}

// =============================================================================
// Stash and LP pairs
// =============================================================================

func TestStash_InsertFind(t *testing.T) {
	s := NewStash()
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
	a := s.Insert(7)
	b := s.Insert(9)
	if again := s.Insert(7); again != a {
		t.Errorf("Insert(7) twice = %d, want %d", again, a)
	}
	if s.Find(9) != b {
		t.Errorf("Find(9) = %d, want %d", s.Find(9), b)
	}
	if s.Find(3) != -1 {
		t.Errorf("Find(3) = %d, want -1", s.Find(3))
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestStash_Full(t *testing.T) {
	s := NewStash()
	for i := range StashSize {
		s.Insert(uint32(i))
	}
	expectViolation(t, func() { s.Insert(StashSize) })
}

func TestLPPair_Pack(t *testing.T) {
	p := NewLPPair(63, 65000)
	if p.IsEmpty() {
		t.Fatal("packed pair reports empty")
	}
	if p.StashIndex() != 63 {
		t.Errorf("StashIndex() = %d, want 63", p.StashIndex())
	}
	if p.OwnerLocal() != 65000 {
		t.Errorf("OwnerLocal() = %d, want 65000", p.OwnerLocal())
	}
	if !EmptyLP.IsEmpty() {
		t.Error("EmptyLP.IsEmpty() = false")
	}
}

// =============================================================================
// Build
// =============================================================================

func TestBuild_TwoPatches(t *testing.T) {
	s, err := Build(twoTriangles(), 8, uniform(1.5))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.NumPatches() != 2 {
		t.Fatalf("NumPatches() = %d, want 2", s.NumPatches())
	}
	if s.Capacity(Vertex) != 5 || s.Capacity(Edge) != 5 || s.Capacity(Face) != 2 {
		t.Errorf("Capacities() = %v, want [5 5 2]", s.Capacities())
	}

	p1 := s.Patch(1)
	if !p1.IsActive(Vertex, 1) || p1.IsOwned(Vertex, 1) {
		t.Error("patch 1 vertex 1 should be an active ribbon")
	}
	pid, local, ok := p1.Lookup(Vertex, 1)
	if !ok || pid != 0 || local != 1 {
		t.Errorf("Lookup(vertex 1) = (%d, %d, %v), want (0, 1, true)", pid, local, ok)
	}
	pid, local, ok = p1.Lookup(Edge, 2)
	if !ok || pid != 0 || local != 1 {
		t.Errorf("Lookup(edge 2) = (%d, %d, %v), want (0, 1, true)", pid, local, ok)
	}
	if p1.Stash.Len() != 1 {
		t.Errorf("patch 1 stash Len() = %d, want 1", p1.Stash.Len())
	}
	if s.GlobalIDLimit(Edge) != 5 {
		t.Errorf("GlobalIDLimit(edge) = %d, want 5", s.GlobalIDLimit(Edge))
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]Input) []Input
		max    uint32
		factor float64
	}{
		{"empty", func([]Input) []Input { return nil }, 8, 1},
		{"too many patches", func(in []Input) []Input { return in }, 1, 1},
		{"factor below one", func(in []Input) []Input { return in }, 8, 0.5},
		{"orphan ribbon", func(in []Input) []Input {
			in[1].GID[Vertex][1] = 99
			return in
		}, 8, 1},
		{"double owner", func(in []Input) []Input {
			in[1].GID[Face][0] = 0
			return in
		}, 8, 1},
		{"edge out of range", func(in []Input) []Input {
			in[0].EV[5] = 9
			return in
		}, 8, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.mutate(twoTriangles()), tt.max, uniform(tt.factor))
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Build error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

// =============================================================================
// Store
// =============================================================================

func TestStore_ReservePatchIDLimit(t *testing.T) {
	s := NewStore(2, [3]uint16{4, 4, 4})
	if id := s.ReservePatchID(); id != 0 {
		t.Errorf("first id = %d, want 0", id)
	}
	if id := s.ReservePatchID(); id != 1 {
		t.Errorf("second id = %d, want 1", id)
	}
	expectViolation(t, func() { s.ReservePatchID() })
}

func TestStore_ResolveChain(t *testing.T) {
	s, err := Build(twoTriangles(), 8, uniform(2))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Move patch 0's vertex 1 to a third patch and leave a forwarding entry.
	p2 := s.Patch(s.ReservePatchID())
	p2.Num[Vertex] = 3
	p2.OwnedMask(Vertex).Set(1)
	p2.ActiveMask(Vertex).Set(1)
	p0 := s.Patch(0)
	p0.OwnedMask(Vertex).Clear(1)
	p0.ActiveMask(Vertex).Clear(1)
	p0.SetLP(Vertex, 1, 2, 1)

	owner, local, ok := s.Resolve(Vertex, 1, 1)
	if !ok || owner != 2 || local != 1 {
		t.Errorf("Resolve = (%d, %d, %v), want (2, 1, true)", owner, local, ok)
	}

	p0.LP[Vertex][1] = EmptyLP
	if _, _, ok := s.Resolve(Vertex, 1, 1); ok {
		t.Error("Resolve succeeded through a broken chain")
	}
}

func TestInfo_ForEachReference(t *testing.T) {
	s, err := Build(twoTriangles(), 4, uniform(1))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	counts := map[ElementType]int{}
	s.Patch(0).ForEachReference(func(t ElementType, _ uint16) { counts[t]++ })
	if counts[Vertex] != 6 || counts[Edge] != 3 {
		t.Errorf("references = %v, want 6 vertex and 3 edge", counts)
	}
}

func TestInfo_CopyFromAndClear(t *testing.T) {
	s, err := Build(twoTriangles(), 4, uniform(1))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dst := s.Patch(s.ReservePatchID())
	dst.CopyFrom(s.Patch(1))
	if dst.ID != 2 {
		t.Errorf("ID = %d after CopyFrom, want 2", dst.ID)
	}
	if dst.NumActive(Edge) != 3 || dst.NumOwned(Edge) != 2 {
		t.Errorf("edges active/owned = %d/%d, want 3/2", dst.NumActive(Edge), dst.NumOwned(Edge))
	}
	dst.Clear()
	if dst.NumActive(Face) != 0 || dst.Stash.Len() != 0 || !dst.LP[Vertex][1].IsEmpty() {
		t.Error("Clear left state behind")
	}
}

func TestElementType_String(t *testing.T) {
	if Vertex.String() != "vertex" || Edge.String() != "edge" || Face.String() != "face" {
		t.Error("unexpected element names")
	}
	if ElementType(9).String() != "ElementType(9)" {
		t.Errorf("String() = %q", ElementType(9).String())
	}
}
