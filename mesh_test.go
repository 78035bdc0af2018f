package dynmesh

import (
	"errors"
	"testing"

	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/device"
	"github.com/gogpu/dynmesh/internal/meshgen"
)

// gridInputs partitions a w by h grid into patches of facesPerPatch faces.
func gridInputs(t *testing.T, w, h, facesPerPatch int) []PatchInput {
	t.Helper()
	inputs, err := meshgen.Partition(meshgen.Grid(w, h), facesPerPatch)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	return inputs
}

// newMesh builds a mesh closed at test end.
func newMesh(t *testing.T, inputs []PatchInput, opts ...Option) *Mesh {
	t.Helper()
	m, err := New(inputs, append([]Option{WithWorkers(2), WithBlockThreads(2)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatal("expected a *Violation panic, got none")
		}
		if _, ok := r.(*Violation); !ok {
			t.Fatalf("panic value %T (%v), want *Violation", r, r)
		}
	}()
	fn()
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_NoPatches(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNoPatches) {
		t.Errorf("New(nil) error = %v, want ErrNoPatches", err)
	}
}

func TestNew_PatchAllocFactorBelowOne(t *testing.T) {
	_, err := New(gridInputs(t, 2, 2, 4), WithPatchAllocFactor(0.5))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestNew_DefaultMaxPatches(t *testing.T) {
	m := newMesh(t, gridInputs(t, 4, 4, 8))
	if m.NumPatches() != 4 {
		t.Fatalf("NumPatches() = %d, want 4", m.NumPatches())
	}
	if m.MaxPatches() != 20 {
		t.Errorf("MaxPatches() = %d, want 20", m.MaxPatches())
	}
}

func TestNew_TooManyPatches(t *testing.T) {
	_, err := New(gridInputs(t, 4, 4, 8), WithMaxPatches(2))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestNew_CapacityFactors(t *testing.T) {
	inputs := gridInputs(t, 4, 4, 100)
	m := newMesh(t, inputs, WithCapacityFactors(1, 2, 3))
	tests := []struct {
		t    ElementType
		want int
	}{
		{Vertex, inputs[0].Num[Vertex]},
		{Edge, 2 * inputs[0].Num[Edge]},
		{Face, 3 * inputs[0].Num[Face]},
	}
	for _, tt := range tests {
		if got := m.Capacity(tt.t); got != tt.want {
			t.Errorf("Capacity(%s) = %d, want %d", tt.t, got, tt.want)
		}
	}
}

func TestNew_HALNeedsDeviceAndQueue(t *testing.T) {
	h, err := device.OpenNoop()
	if err != nil {
		t.Fatalf("OpenNoop: %v", err)
	}
	t.Cleanup(h.Release)

	_, err = New(gridInputs(t, 2, 2, 4), WithHAL(h.Device, nil))
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("WithHAL(device, nil) error = %v, want ErrNoDevice", err)
	}
}

func TestNew_NoDeviceByDefault(t *testing.T) {
	m := newMesh(t, gridInputs(t, 2, 2, 4))
	if m.HasDevice() {
		t.Error("HasDevice() = true without WithDevice or WithHAL")
	}
}

// =============================================================================
// Queue and lifecycle
// =============================================================================

func TestMesh_QueueStartsFull(t *testing.T) {
	m := newMesh(t, gridInputs(t, 4, 4, 8))
	if m.IsQueueEmpty() {
		t.Error("IsQueueEmpty() = true right after New")
	}
	if got := m.queue.Len(); got != 4 {
		t.Errorf("queue length = %d, want 4", got)
	}
}

func TestMesh_ResetQueue(t *testing.T) {
	m := newMesh(t, gridInputs(t, 4, 4, 8))
	for {
		if _, ok := m.queue.Dequeue(); !ok {
			break
		}
	}
	if !m.IsQueueEmpty() {
		t.Fatal("queue not empty after draining")
	}
	m.ResetQueue()
	if got := m.queue.Len(); got != 4 {
		t.Errorf("queue length after ResetQueue = %d, want 4", got)
	}
}

func TestMesh_CloseIdempotent(t *testing.T) {
	m, err := New(gridInputs(t, 2, 2, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestMesh_ClosedOperations(t *testing.T) {
	m, err := New(gridInputs(t, 2, 2, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Close()

	if _, err := m.SlicePatches(1); !errors.Is(err, ErrClosed) {
		t.Errorf("SlicePatches error = %v, want ErrClosed", err)
	}
	if _, err := m.Cleanup(); !errors.Is(err, ErrClosed) {
		t.Errorf("Cleanup error = %v, want ErrClosed", err)
	}
	if err := m.UpdateHost(); !errors.Is(err, ErrClosed) {
		t.Errorf("UpdateHost error = %v, want ErrClosed", err)
	}
	if err := m.Check(); !errors.Is(err, ErrClosed) {
		t.Errorf("Check error = %v, want ErrClosed", err)
	}
	if err := m.Launch(t.Context(), LaunchBox{}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Launch error = %v, want ErrClosed", err)
	}
}

func TestMesh_RunBlocksWrapsPanics(t *testing.T) {
	m := newMesh(t, gridInputs(t, 2, 2, 4))
	expectViolation(t, func() {
		m.forEachPatch(m.NumPatches(), func(pid uint32, _ *block.Block) {
			panic("boom")
		})
	})
}
