package device

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// Handles are the HAL objects the mirror and relocator run on.
type Handles struct {
	Device hal.Device
	Queue  hal.Queue
	Info   gpucontext.AdapterInfo

	release func()
}

// Release destroys the device if these handles opened it. Handles taken
// from a provider are left alone.
func (h Handles) Release() {
	if h.release != nil {
		h.release()
	}
}

// FromProvider takes the shared device of a host application. The provider
// must expose HAL types, either through HalDevice/HalQueue or directly from
// Device and Queue.
func FromProvider(provider gpucontext.DeviceProvider) (Handles, error) {
	if provider == nil {
		return Handles{}, ErrNoDevice
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}

	var dev, queue any
	if hp, ok := provider.(halProvider); ok {
		dev, queue = hp.HalDevice(), hp.HalQueue()
	} else {
		dev, queue = provider.Device(), provider.Queue()
	}
	d, ok := dev.(hal.Device)
	if !ok || d == nil {
		return Handles{}, fmt.Errorf("%w: provider device is %T, not hal.Device", ErrNoDevice, dev)
	}
	q, ok := queue.(hal.Queue)
	if !ok || q == nil {
		return Handles{}, fmt.Errorf("%w: provider queue is %T, not hal.Queue", ErrNoDevice, queue)
	}

	info := provider.AdapterInfo()
	slogger().Info("device: using shared device", "adapter", info.Name, "type", info.Type.String())
	return Handles{Device: d, Queue: q, Info: info}, nil
}

// OpenNoop opens a device on the noop backend: buffers hold real memory,
// shaders never run. Used for headless runs and tests.
func OpenNoop() (Handles, error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return Handles{}, fmt.Errorf("device: create noop instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return Handles{}, fmt.Errorf("%w: noop backend has no adapter", ErrNoDevice)
	}
	opened, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return Handles{}, fmt.Errorf("device: open noop adapter: %w", err)
	}
	return Handles{
		Device: opened.Device,
		Queue:  opened.Queue,
		Info:   gpucontext.AdapterInfo{Name: "noop", Type: gpucontext.AdapterTypeSoftware},
		release: func() {
			opened.Device.Destroy()
			instance.Destroy()
		},
	}, nil
}
