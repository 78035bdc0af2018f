package device

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// relocateWorkgroupSize matches @workgroup_size in relocate.wgsl.
const relocateWorkgroupSize = 64

const relocateParamsSize = 8 * 4

// RelocateParams describes one relocation dispatch. Values are laid out as
// [patch][local][attr] with Capacity locals per patch.
type RelocateParams struct {
	Src, Dst    uint32
	Capacity    uint32
	NumAttr     uint32
	NumElements uint32
}

func (p RelocateParams) bytes() []byte {
	var b [relocateParamsSize]byte
	binary.LittleEndian.PutUint32(b[0:], p.Src)
	binary.LittleEndian.PutUint32(b[4:], p.Dst)
	binary.LittleEndian.PutUint32(b[8:], p.Capacity)
	binary.LittleEndian.PutUint32(b[12:], p.NumAttr)
	binary.LittleEndian.PutUint32(b[16:], p.NumElements)
	return b[:]
}

// WorkgroupCounts returns the dispatch size: one invocation per element on
// x, one per attribute on y.
func (p RelocateParams) WorkgroupCounts() (x, y, z uint32) {
	return (p.NumElements + relocateWorkgroupSize - 1) / relocateWorkgroupSize, p.NumAttr, 1
}

// Relocator runs the relocation compute shader. It is not safe for
// concurrent use.
type Relocator struct {
	device hal.Device
	queue  hal.Queue

	module   hal.ShaderModule
	layout   hal.BindGroupLayout
	pipeLay  hal.PipelineLayout
	pipeline hal.ComputePipeline
	params   hal.Buffer

	dispatches int
}

// NewRelocator compiles the relocation shader and builds its pipeline.
func NewRelocator(device hal.Device, queue hal.Queue) (*Relocator, error) {
	if device == nil || queue == nil {
		return nil, ErrNoDevice
	}
	code, err := CompileShader(relocateWGSL)
	if err != nil {
		return nil, err
	}

	r := &Relocator{device: device, queue: queue}
	if err := r.build(code); err != nil {
		r.Destroy()
		return nil, err
	}
	slogger().Debug("device: relocation pipeline ready", "spirv_words", len(code))
	return r, nil
}

func (r *Relocator) build(code []uint32) error {
	var err error
	r.module, err = createShaderModule(r.device, "dynmesh-relocate", code)
	if err != nil {
		return fmt.Errorf("device: create relocate module: %w", err)
	}

	r.layout, err = r.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "dynmesh-relocate",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("device: create relocate bind group layout: %w", err)
	}

	r.pipeLay, err = r.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "dynmesh-relocate",
		BindGroupLayouts: []hal.BindGroupLayout{r.layout},
	})
	if err != nil {
		return fmt.Errorf("device: create relocate pipeline layout: %w", err)
	}

	r.pipeline, err = r.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "dynmesh-relocate",
		Layout:  r.pipeLay,
		Compute: hal.ComputeState{Module: r.module, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("device: create relocate pipeline: %w", err)
	}

	r.params, err = r.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "dynmesh-relocate-params",
		Size:  relocateParamsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("device: create relocate params: %w", err)
	}
	return nil
}

// Dispatches returns how many relocation passes were submitted.
func (r *Relocator) Dispatches() int { return r.dispatches }

// Relocate copies the values of every element set in moved from patch
// p.Src to patch p.Dst inside values. moved is a host bit-vector over
// local element indices. It waits for the device to finish.
func (r *Relocator) Relocate(values hal.Buffer, valuesSize uint64, moved []uint64, p RelocateParams) error {
	if r.pipeline == nil {
		return ErrDestroyed
	}
	if p.NumElements == 0 || p.NumAttr == 0 {
		return nil
	}
	need := (uint64(max(p.Src, p.Dst)) + 1) * uint64(p.Capacity) * uint64(p.NumAttr) * 4
	if need > valuesSize {
		return fmt.Errorf("%w: relocation needs %d bytes, values hold %d", ErrBufferTooSmall, need, valuesSize)
	}
	if uint64(len(moved))*64 < uint64(p.NumElements) {
		return fmt.Errorf("%w: moved mask covers %d of %d elements", ErrBufferTooSmall, len(moved)*64, p.NumElements)
	}

	if err := r.queue.WriteBuffer(r.params, 0, p.bytes()); err != nil {
		return fmt.Errorf("device: write relocate params: %w", err)
	}
	maskData := wordBytes(moved)
	mask, err := r.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "dynmesh-relocate-moved",
		Size:  uint64(len(maskData)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("device: create moved mask: %w", err)
	}
	defer r.device.DestroyBuffer(mask)
	if err := r.queue.WriteBuffer(mask, 0, maskData); err != nil {
		return fmt.Errorf("device: write moved mask: %w", err)
	}

	group, err := r.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "dynmesh-relocate",
		Layout: r.layout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: r.params.NativeHandle(), Size: relocateParamsSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: mask.NativeHandle(), Size: uint64(len(maskData))}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: values.NativeHandle(), Size: valuesSize}},
		},
	})
	if err != nil {
		return fmt.Errorf("device: create relocate bind group: %w", err)
	}
	defer r.device.DestroyBindGroup(group)

	encoder, err := r.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "dynmesh-relocate"})
	if err != nil {
		return fmt.Errorf("device: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding("dynmesh-relocate"); err != nil {
		return fmt.Errorf("device: begin encoding: %w", err)
	}
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "dynmesh-relocate"})
	pass.SetPipeline(r.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.Dispatch(p.WorkgroupCounts())
	pass.End()
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("device: end encoding: %w", err)
	}
	defer r.device.FreeCommandBuffer(cmd)

	if _, err := r.queue.Submit([]hal.CommandBuffer{cmd}); err != nil {
		return fmt.Errorf("device: submit relocation: %w", err)
	}
	if err := r.device.WaitIdle(); err != nil {
		return fmt.Errorf("device: wait idle: %w", err)
	}
	r.dispatches++
	return nil
}

// Destroy releases the pipeline and its resources. Safe to call more than
// once.
func (r *Relocator) Destroy() {
	if r.device == nil {
		return
	}
	if r.params != nil {
		r.device.DestroyBuffer(r.params)
		r.params = nil
	}
	if r.pipeline != nil {
		r.device.DestroyComputePipeline(r.pipeline)
		r.pipeline = nil
	}
	if r.pipeLay != nil {
		r.device.DestroyPipelineLayout(r.pipeLay)
		r.pipeLay = nil
	}
	if r.layout != nil {
		r.device.DestroyBindGroupLayout(r.layout)
		r.layout = nil
	}
	if r.module != nil {
		r.device.DestroyShaderModule(r.module)
		r.module = nil
	}
}
