package dynmesh

import (
	"context"
	"testing"
)

// runOn runs fn on patch pid in a launch of the given kind and fails the
// test if the launch errors. fn runs on a pool worker, so it must report
// with t.Error, never t.Fatal.
func runOn(t *testing.T, m *Mesh, pid uint32, dynamic bool, fn func(w *Workspace) error) {
	t.Helper()
	box, err := m.PrepareLaunchBox(nil, dynamic, false)
	if err != nil {
		t.Fatalf("PrepareLaunchBox: %v", err)
	}
	m.ResetQueue()
	err = m.Launch(t.Context(), box, func(_ context.Context, w *Workspace) error {
		if w.PatchID() != pid {
			return nil
		}
		return fn(w)
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
}

func TestWorkspace_OwnerOfRibbon(t *testing.T) {
	m := newMesh(t, gridInputs(t, 4, 4, 8))
	for _, dynamic := range []bool{false, true} {
		runOn(t, m, 1, dynamic, func(w *Workspace) error {
			found := false
			for v := range w.NumVertices() {
				local := uint16(v)
				pid, ownerLocal, ok := w.Owner(Vertex, local)
				if !ok {
					t.Errorf("vertex %d has no owner", v)
					continue
				}
				if w.IsOwned(Vertex, local) {
					if pid != 1 || ownerLocal != local {
						t.Errorf("owned vertex %d: Owner = (%d, %d)", v, pid, ownerLocal)
					}
					continue
				}
				found = true
				owner := m.store.Patch(pid)
				if !owner.IsOwned(Vertex, ownerLocal) || owner.GID[Vertex][ownerLocal] != w.GlobalID(Vertex, local) {
					t.Errorf("ribbon vertex %d resolves to (%d, %d), not its owner", v, pid, ownerLocal)
				}
			}
			if !found {
				t.Error("patch 1 has no ribbon vertices")
			}
			return nil
		})
	}
}

func TestWorkspace_InsertAssignsFreshIDs(t *testing.T) {
	m := newMesh(t, gridInputs(t, 2, 2, 8))
	limit := m.store.GlobalIDLimit(Vertex)
	runOn(t, m, 0, true, func(w *Workspace) error {
		a := w.InsertVertex()
		b := w.InsertVertex()
		if w.GlobalID(Vertex, a) != limit || w.GlobalID(Vertex, b) != limit+1 {
			t.Errorf("global ids = %d, %d, want %d, %d", w.GlobalID(Vertex, a), w.GlobalID(Vertex, b), limit, limit+1)
		}
		e := w.InsertEdge(a, b)
		if v0, v1 := w.EdgeVertices(e); v0 != a || v1 != b {
			t.Errorf("EdgeVertices = %d, %d, want %d, %d", v0, v1, a, b)
		}
		if !w.IsOwned(Edge, e) || !w.IsActive(Edge, e) {
			t.Error("inserted edge is not owned and active")
		}
		if w.Inserted() != 3 {
			t.Errorf("Inserted() = %d, want 3", w.Inserted())
		}
		return nil
	})
	if err := m.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestWorkspace_DeleteKeepsSlot(t *testing.T) {
	m := newMesh(t, gridInputs(t, 2, 2, 8))
	num := m.store.Patch(0).Num
	runOn(t, m, 0, true, func(w *Workspace) error {
		v := w.InsertVertex()
		w.DeleteVertex(v)
		if w.IsActive(Vertex, v) || w.IsOwned(Vertex, v) {
			t.Error("deleted vertex still active or owned")
		}
		return nil
	})
	p := m.store.Patch(0)
	if p.Num[Vertex] != num[Vertex]+1 {
		t.Errorf("Num[Vertex] = %d, want %d", p.Num[Vertex], num[Vertex]+1)
	}
	if _, err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if p.Num[Vertex] != num[Vertex] {
		t.Errorf("Num[Vertex] after cleanup = %d, want %d", p.Num[Vertex], num[Vertex])
	}
}

func TestWorkspace_DeleteRibbonIsViolation(t *testing.T) {
	m := newMesh(t, gridInputs(t, 4, 4, 8))
	expectViolation(t, func() {
		runOn(t, m, 1, true, func(w *Workspace) error {
			for v := range w.NumVertices() {
				if !w.IsOwned(Vertex, uint16(v)) {
					w.DeleteVertex(uint16(v))
				}
			}
			return nil
		})
	})
}

func TestWorkspace_CavityBoundary(t *testing.T) {
	m := newMesh(t, gridInputs(t, 1, 1, 8))
	runOn(t, m, 0, true, func(w *Workspace) error {
		if _, ok := w.CavityBoundary(); ok {
			t.Error("empty cavity has a boundary")
		}
		if !w.MarkCavity(0) {
			t.Error("MarkCavity(0) = false")
			return nil
		}
		if w.MarkCavity(0) {
			t.Error("second MarkCavity(0) = true")
		}
		loop, ok := w.CavityBoundary()
		if !ok || len(loop) != 3 {
			t.Errorf("single face boundary = %v, %v, want 3 edges", loop, ok)
			return nil
		}
		w.MarkCavity(1)
		loop, ok = w.CavityBoundary()
		if !ok || len(loop) != 4 {
			t.Errorf("quad boundary = %v, %v, want 4 edges", loop, ok)
			return nil
		}
		for i := range loop {
			a0, a1 := w.EdgeVertices(loop[i])
			b0, b1 := w.EdgeVertices(loop[(i+1)%len(loop)])
			if a0 != b0 && a0 != b1 && a1 != b0 && a1 != b1 {
				t.Errorf("loop edges %d and %d share no vertex", loop[i], loop[(i+1)%len(loop)])
			}
		}
		w.ClearCavity()
		if w.InCavity(0) || w.InCavity(1) {
			t.Error("ClearCavity left faces marked")
		}
		return nil
	})
}

func TestWorkspace_FillCavityRejectsLoopCenter(t *testing.T) {
	m := newMesh(t, gridInputs(t, 1, 1, 8))
	num := m.store.Patch(0).Num
	runOn(t, m, 0, true, func(w *Workspace) error {
		w.MarkCavity(0)
		w.MarkCavity(1)
		loop, _ := w.CavityBoundary()
		corner, _ := w.EdgeVertices(loop[0])
		if n, ok := w.FillCavity(corner); ok {
			t.Errorf("FillCavity(loop vertex) created %d faces", n)
		}
		return nil
	})
	if got := m.store.Patch(0).Num; got != num {
		t.Errorf("Num = %v after rejected fill, want %v", got, num)
	}
}

func TestWorkspace_FillCavityFan(t *testing.T) {
	m := newMesh(t, gridInputs(t, 1, 1, 8))
	runOn(t, m, 0, true, func(w *Workspace) error {
		center := w.InsertVertex()
		w.MarkCavity(0)
		w.MarkCavity(1)
		n, ok := w.FillCavity(center)
		if !ok || n != 4 {
			t.Errorf("FillCavity = %d, %v, want 4 faces", n, ok)
			return nil
		}
		faces := 0
		for f := range w.NumFaces() {
			if !w.IsActive(Face, uint16(f)) {
				continue
			}
			faces++
			a, b, c := w.FaceVertices(uint16(f))
			if a != center && b != center && c != center {
				t.Errorf("face %d (%d, %d, %d) misses the center", f, a, b, c)
			}
		}
		if faces != 4 {
			t.Errorf("active faces = %d, want 4", faces)
		}
		return nil
	})
	if err := m.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}
