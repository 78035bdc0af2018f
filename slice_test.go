package dynmesh

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/dynmesh/internal/meshgen"
)

func TestSlicePatches_HundredFaces(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMesh(t, gridInputs(t, 10, 5, 100), WithMaxPatches(4), WithDebug(true), WithMetrics(reg))

	n, err := m.SlicePatches(64)
	if err != nil {
		t.Fatalf("SlicePatches: %v", err)
	}
	if n != 1 {
		t.Fatalf("SlicePatches() = %d, want 1", n)
	}
	if m.NumPatches() != 2 {
		t.Fatalf("NumPatches() = %d, want 2", m.NumPatches())
	}
	if err := m.Check(); err != nil {
		t.Fatalf("Check after slice: %v", err)
	}

	if err := m.UpdateHost(); err != nil {
		t.Fatalf("UpdateHost: %v", err)
	}
	snap := m.HostMirror()
	if snap.Totals != [3]int{66, 165, 100} {
		t.Errorf("owned totals = %v, want [66 165 100]", snap.Totals)
	}
	for pid, p := range snap.Patches {
		if p.Active[Face] != 50 {
			t.Errorf("patch %d has %d active faces, want 50", pid, p.Active[Face])
		}
	}
	const want = `
# HELP dynmesh_slices_total Total number of patches created by slicing
# TYPE dynmesh_slices_total counter
dynmesh_slices_total 1
# HELP dynmesh_patches Current number of live patches
# TYPE dynmesh_patches gauge
dynmesh_patches 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "dynmesh_slices_total", "dynmesh_patches"); err != nil {
		t.Error(err)
	}
}

func TestSlicePatches_BelowThreshold(t *testing.T) {
	m := newMesh(t, gridInputs(t, 4, 4, 100))
	n, err := m.SlicePatches(64)
	if err != nil {
		t.Fatalf("SlicePatches: %v", err)
	}
	if n != 0 || m.NumPatches() != 1 {
		t.Errorf("SlicePatches() = %d with %d patches, want 0 and 1", n, m.NumPatches())
	}
}

func TestSlicePatches_UntilStable(t *testing.T) {
	m := newMesh(t, gridInputs(t, 10, 10, 200), WithMaxPatches(16))
	for round := range 8 {
		n, err := m.SlicePatches(40)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if n == 0 {
			break
		}
	}
	if err := m.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	m.UpdateHost()
	snap := m.HostMirror()
	for pid, p := range snap.Patches {
		if p.Active[Face] >= 40 {
			t.Errorf("patch %d still has %d faces", pid, p.Active[Face])
		}
	}
	if snap.Totals[Face] != 200 {
		t.Errorf("owned faces = %d, want 200", snap.Totals[Face])
	}
}

func TestSlicePatches_MaxPatchesIsFatal(t *testing.T) {
	m := newMesh(t, gridInputs(t, 10, 5, 100), WithMaxPatches(1))
	expectViolation(t, func() {
		m.SlicePatches(64)
	})
}

func TestSlicePatches_RelocatesAttributes(t *testing.T) {
	m := newMesh(t, gridInputs(t, 10, 5, 100), WithMaxPatches(4))
	pos, err := NewAttribute[float64](m, Vertex, "position", 3)
	if err != nil {
		t.Fatalf("NewAttribute: %v", err)
	}
	p := m.store.Patch(0)
	for v := range int(p.Num[Vertex]) {
		for k := range uint32(3) {
			pos.Set(0, uint16(v), k, float64(p.GID[Vertex][v])*10+float64(k))
		}
	}

	if _, err := m.SlicePatches(64, pos); err != nil {
		t.Fatalf("SlicePatches: %v", err)
	}
	q := m.store.Patch(1)
	moved := 0
	q.OwnedMask(Vertex).ForEach(func(v int) {
		moved++
		for k := range uint32(3) {
			want := float64(q.GID[Vertex][v])*10 + float64(k)
			if got := pos.Get(1, uint16(v), k); got != want {
				t.Errorf("new patch vertex %d attr %d = %v, want %v", v, k, got, want)
			}
		}
	})
	if moved == 0 {
		t.Fatal("slice moved no vertices")
	}
}

func TestSlicePatches_ThenCleanup(t *testing.T) {
	mesh := meshgen.Grid(8, 8)
	inputs, err := meshgen.Partition(mesh, 64)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	m := newMesh(t, inputs)

	if _, err := m.SlicePatches(32); err != nil {
		t.Fatalf("SlicePatches: %v", err)
	}
	stats, err := m.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if stats.Unresolved != 0 {
		t.Errorf("Unresolved = %d, want 0", stats.Unresolved)
	}
	if err := m.Check(); err != nil {
		t.Fatalf("Check after cleanup: %v", err)
	}
	m.UpdateHost()
	want := [3]int{mesh.NumVertices, mesh.NumEdges(), mesh.NumFaces()}
	if got := m.HostMirror().Totals; got != want {
		t.Errorf("owned totals = %v, want %v", got, want)
	}

	again, err := m.Cleanup()
	if err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if again != (CleanupStats{}) {
		t.Errorf("second Cleanup = %+v, want no changes", again)
	}
}
