// Package device mirrors the partition store into WebGPU storage buffers and
// relocates device-resident attribute arrays with a compute shader.
//
// All types here work against the wgpu HAL, so tests run on the noop backend
// and production code can share a device owned by the host application.
package device

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/dynmesh/internal/bitmask"
	"github.com/gogpu/dynmesh/internal/patch"
)

// Source is the partition store as seen by the mirror.
type Source interface {
	NumPatches() uint32
	Patch(id uint32) *patch.Info
}

// CountsStride is the byte size of one patch's record in the counts buffer:
// Num per type, Cap per type, two words of padding.
const CountsStride = 8 * 4

const storageUsage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc

// Mirror holds the patch table in device storage buffers. Each buffer is a
// flat array of fixed-stride per-patch records indexed by patch id.
//
// EV and FE are widened to u32 on the device. Mask words keep their host
// layout: bit i of a patch lives in u32 word i/32.
type Mirror struct {
	device hal.Device
	queue  hal.Queue
	caps   [patch.NumElementTypes]uint16

	capacity uint32
	counts   hal.Buffer
	ev, fe   hal.Buffer
	owned    [patch.NumElementTypes]hal.Buffer
	active   [patch.NumElementTypes]hal.Buffer

	uploads   int
	grows     int
	destroyed bool
}

// NewMirror allocates buffers for capacity patches with the given per-type
// element capacities.
func NewMirror(device hal.Device, queue hal.Queue, caps [patch.NumElementTypes]uint16, capacity uint32) (*Mirror, error) {
	if device == nil || queue == nil {
		return nil, ErrNoDevice
	}
	m := &Mirror{device: device, queue: queue, caps: caps}
	if err := m.allocate(max(capacity, 1)); err != nil {
		m.Destroy()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) evStride() uint64 { return 2 * uint64(m.caps[patch.Edge]) * 4 }
func (m *Mirror) feStride() uint64 { return 3 * uint64(m.caps[patch.Face]) * 4 }

// MaskStride returns the byte size of one patch's mask of type t.
func (m *Mirror) MaskStride(t patch.ElementType) uint64 {
	return uint64(bitmask.NumBytes(int(m.caps[t])))
}

func (m *Mirror) allocate(capacity uint32) error {
	n := uint64(capacity)
	create := func(label string, stride uint64) (hal.Buffer, error) {
		return CreateStorage(m.device, label, stride*n)
	}

	var err error
	if m.counts, err = create("dynmesh-counts", CountsStride); err != nil {
		return err
	}
	if m.ev, err = create("dynmesh-ev", m.evStride()); err != nil {
		return err
	}
	if m.fe, err = create("dynmesh-fe", m.feStride()); err != nil {
		return err
	}
	for _, t := range patch.ElementTypes {
		if m.owned[t], err = create("dynmesh-owned-"+t.String(), m.MaskStride(t)); err != nil {
			return err
		}
		if m.active[t], err = create("dynmesh-active-"+t.String(), m.MaskStride(t)); err != nil {
			return err
		}
	}
	m.capacity = capacity
	return nil
}

func (m *Mirror) release() {
	destroy := func(b *hal.Buffer) {
		if *b != nil {
			m.device.DestroyBuffer(*b)
			*b = nil
		}
	}
	destroy(&m.counts)
	destroy(&m.ev)
	destroy(&m.fe)
	for _, t := range patch.ElementTypes {
		destroy(&m.owned[t])
		destroy(&m.active[t])
	}
}

// Capacity returns how many patches the buffers hold.
func (m *Mirror) Capacity() uint32 { return m.capacity }

// Grows returns how many times the buffers were reallocated.
func (m *Mirror) Grows() int { return m.grows }

// Uploads returns how many patch records were written so far.
func (m *Mirror) Uploads() int { return m.uploads }

// Counts returns the per-patch counts buffer.
func (m *Mirror) Counts() hal.Buffer { return m.counts }

// EV returns the edge-vertex adjacency buffer.
func (m *Mirror) EV() hal.Buffer { return m.ev }

// FE returns the face-edge adjacency buffer.
func (m *Mirror) FE() hal.Buffer { return m.fe }

// Owned returns the owned-mask buffer of type t.
func (m *Mirror) Owned(t patch.ElementType) hal.Buffer { return m.owned[t] }

// Active returns the active-mask buffer of type t.
func (m *Mirror) Active(t patch.ElementType) hal.Buffer { return m.active[t] }

// Upload writes the records of ids. When src has outgrown the buffers they
// are reallocated at double capacity and every live patch is written,
// whatever ids holds.
func (m *Mirror) Upload(src Source, ids []uint32) error {
	if m.destroyed {
		return ErrDestroyed
	}
	n := src.NumPatches()
	if n > m.capacity {
		capacity := m.capacity
		for capacity < n {
			capacity *= 2
		}
		m.release()
		if err := m.allocate(capacity); err != nil {
			return err
		}
		m.grows++
		slogger().Debug("device: mirror grown", "capacity", capacity, "patches", n)
		ids = make([]uint32, n)
		for i := range ids {
			ids[i] = uint32(i)
		}
	}

	for _, id := range ids {
		if id >= n {
			return fmt.Errorf("%w: %d of %d", ErrUnknownPatch, id, n)
		}
		if err := m.write(id, src.Patch(id)); err != nil {
			return err
		}
		m.uploads++
	}
	return nil
}

func (m *Mirror) write(id uint32, p *patch.Info) error {
	var rec [CountsStride]byte
	for _, t := range patch.ElementTypes {
		binary.LittleEndian.PutUint32(rec[4*int(t):], uint32(p.Num[t]))
		binary.LittleEndian.PutUint32(rec[12+4*int(t):], uint32(p.Cap[t]))
	}
	if err := m.queue.WriteBuffer(m.counts, uint64(id)*CountsStride, rec[:]); err != nil {
		return fmt.Errorf("device: write counts of patch %d: %w", id, err)
	}
	if err := m.queue.WriteBuffer(m.ev, uint64(id)*m.evStride(), widen(p.EV)); err != nil {
		return fmt.Errorf("device: write EV of patch %d: %w", id, err)
	}
	if err := m.queue.WriteBuffer(m.fe, uint64(id)*m.feStride(), widen(p.FE)); err != nil {
		return fmt.Errorf("device: write FE of patch %d: %w", id, err)
	}
	for _, t := range patch.ElementTypes {
		stride := m.MaskStride(t)
		if err := m.queue.WriteBuffer(m.owned[t], uint64(id)*stride, wordBytes(p.Owned[t])); err != nil {
			return fmt.Errorf("device: write owned %s of patch %d: %w", t, id, err)
		}
		if err := m.queue.WriteBuffer(m.active[t], uint64(id)*stride, wordBytes(p.Active[t])); err != nil {
			return fmt.Errorf("device: write active %s of patch %d: %w", t, id, err)
		}
	}
	return nil
}

// Destroy releases every buffer. Safe to call more than once.
func (m *Mirror) Destroy() {
	if m.destroyed {
		return
	}
	m.release()
	m.destroyed = true
}

func widen(src []uint16) []byte {
	out := make([]byte, 4*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

func wordBytes(words []uint64) []byte {
	out := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[8*i:], w)
	}
	return out
}

// Readback copies size bytes at offset of buf into host memory through a
// mappable staging buffer. It waits for the device to go idle.
func Readback(device hal.Device, queue hal.Queue, buf hal.Buffer, offset, size uint64) ([]byte, error) {
	if device == nil || queue == nil {
		return nil, ErrNoDevice
	}
	if size == 0 {
		return nil, nil
	}
	staging, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "dynmesh-readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("device: create staging buffer: %w", err)
	}
	defer device.DestroyBuffer(staging)

	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "dynmesh-readback"})
	if err != nil {
		return nil, fmt.Errorf("device: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding("dynmesh-readback"); err != nil {
		return nil, fmt.Errorf("device: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(buf, staging, []hal.BufferCopy{{SrcOffset: offset, DstOffset: 0, Size: size}})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("device: end encoding: %w", err)
	}
	defer device.FreeCommandBuffer(cmd)

	if _, err := queue.Submit([]hal.CommandBuffer{cmd}); err != nil {
		return nil, fmt.Errorf("device: submit readback: %w", err)
	}
	if err := device.WaitIdle(); err != nil {
		return nil, fmt.Errorf("device: wait idle: %w", err)
	}

	mapping, err := device.MapBuffer(staging, 0, size)
	if err != nil {
		return nil, fmt.Errorf("device: map staging buffer: %w", err)
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(mapping.Ptr), size))
	if err := device.UnmapBuffer(staging); err != nil {
		return nil, fmt.Errorf("device: unmap staging buffer: %w", err)
	}
	return out, nil
}
