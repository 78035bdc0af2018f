package dynmesh

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/device"
	"github.com/gogpu/dynmesh/internal/slicer"
)

// Attribute holds numAttr values of type T per element of one type, for
// every patch the mesh can ever have. Values are addressed by patch id and
// local index, so they survive slicing when passed to SlicePatches.
type Attribute[T any] struct {
	name     string
	t        ElementType
	numAttr  uint32
	capacity uint32
	values   []T
}

// NewAttribute allocates a zeroed attribute sized to the mesh's patch
// ceiling and capacity.
func NewAttribute[T any](m *Mesh, t ElementType, name string, numAttr uint32) (*Attribute[T], error) {
	if numAttr == 0 {
		return nil, fmt.Errorf("%w: attribute %q has no components", ErrInvalidInput, name)
	}
	capacity := uint32(m.store.Capacity(t))
	return &Attribute[T]{
		name:     name,
		t:        t,
		numAttr:  numAttr,
		capacity: capacity,
		values:   make([]T, int(m.store.MaxPatches())*int(capacity)*int(numAttr)),
	}, nil
}

func (a *Attribute[T]) index(pid uint32, local uint16, attr uint32) int {
	assert.That(uint32(local) < a.capacity && attr < a.numAttr,
		"attribute %s: index (%d, %d) out of range", a.name, local, attr)
	return (int(pid)*int(a.capacity)+int(local))*int(a.numAttr) + int(attr)
}

// Get returns component attr of local element local in patch pid.
func (a *Attribute[T]) Get(pid uint32, local uint16, attr uint32) T {
	return a.values[a.index(pid, local, attr)]
}

// Set stores component attr of local element local in patch pid.
func (a *Attribute[T]) Set(pid uint32, local uint16, attr uint32, v T) {
	a.values[a.index(pid, local, attr)] = v
}

// Name returns the attribute name.
func (a *Attribute[T]) Name() string { return a.name }

// ElementType returns the element type the attribute is attached to.
func (a *Attribute[T]) ElementType() ElementType { return a.t }

// NumAttributes returns the number of components per element.
func (a *Attribute[T]) NumAttributes() uint32 { return a.numAttr }

// CopySlot copies one component between patches at the same local index.
func (a *Attribute[T]) CopySlot(dst, src uint32, local uint16, attr uint32) {
	a.values[a.index(dst, local, attr)] = a.values[a.index(src, local, attr)]
}

// DeviceAttribute is a float32 attribute mirrored in a device storage
// buffer. SlicePatches relocates both copies: the host values through
// CopySlot and the device buffer with a compute dispatch.
type DeviceAttribute struct {
	*Attribute[float32]

	m    *Mesh
	buf  hal.Buffer
	size uint64
}

// NewDeviceAttribute allocates an attribute and its device buffer. The mesh
// must have a device.
func NewDeviceAttribute(m *Mesh, t ElementType, name string, numAttr uint32) (*DeviceAttribute, error) {
	if !m.HasDevice() {
		return nil, ErrNoDevice
	}
	host, err := NewAttribute[float32](m, t, name, numAttr)
	if err != nil {
		return nil, err
	}
	size := uint64(len(host.values)) * 4
	buf, err := device.CreateStorage(m.dev.Device, "dynmesh-attr-"+name, size)
	if err != nil {
		return nil, fmt.Errorf("dynmesh: %w", err)
	}
	return &DeviceAttribute{Attribute: host, m: m, buf: buf, size: size}, nil
}

// Buffer returns the device buffer.
func (a *DeviceAttribute) Buffer() hal.Buffer { return a.buf }

// Upload writes every host value to the device buffer.
func (a *DeviceAttribute) Upload() error {
	if a.buf == nil {
		return device.ErrDestroyed
	}
	return a.m.dev.Queue.WriteBuffer(a.buf, 0, device.FloatBytes(a.values))
}

// Download reads the device buffer back into the host values.
func (a *DeviceAttribute) Download() error {
	if a.buf == nil {
		return device.ErrDestroyed
	}
	b, err := device.Readback(a.m.dev.Device, a.m.dev.Queue, a.buf, 0, a.size)
	if err != nil {
		return err
	}
	copy(a.values, device.Floats(b))
	return nil
}

func (a *DeviceAttribute) relocate(results []slicer.Result) error {
	if a.buf == nil {
		return device.ErrDestroyed
	}
	r, err := a.m.relocator()
	if err != nil {
		return err
	}
	for _, res := range results {
		q := a.m.store.Patch(res.NewPatch)
		moved := append([]uint64(nil), q.Owned[a.t]...)
		err := r.Relocate(a.buf, a.size, moved, device.RelocateParams{
			Src:         res.Patch,
			Dst:         res.NewPatch,
			Capacity:    a.capacity,
			NumAttr:     a.numAttr,
			NumElements: uint32(q.Num[a.t]),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Destroy releases the device buffer. The host values stay usable.
func (a *DeviceAttribute) Destroy() {
	if a.buf != nil {
		a.m.dev.Device.DestroyBuffer(a.buf)
		a.buf = nil
	}
}

// relocator returns the mesh's relocation pipeline, building it on first
// use.
func (m *Mesh) relocator() (*device.Relocator, error) {
	if m.reloc != nil {
		return m.reloc, nil
	}
	r, err := device.NewRelocator(m.dev.Device, m.dev.Queue)
	if err != nil {
		return nil, err
	}
	m.reloc = r
	return r, nil
}
