package dynmesh

import (
	"log/slog"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Mesh during creation.
//
// Example:
//
//	m, err := dynmesh.New(inputs,
//	    dynmesh.WithMaxPatches(1024),
//	    dynmesh.WithCapacityFactor(2),
//	    dynmesh.WithDebug(true),
//	)
type Option func(*options)

// options holds the configuration of a Mesh.
type options struct {
	maxPatches       uint32
	patchAllocFactor float64
	capacityFactors  [3]float64
	blockThreads     int
	workers          int
	debug            bool
	logger           *slog.Logger
	provider         gpucontext.DeviceProvider
	halDevice        hal.Device
	halQueue         hal.Queue
	registerer       prometheus.Registerer
	scratchLimit     int
}

// Defaults: room for five times the initial patch count, and 80% headroom
// per element type before a patch has to be sliced.
const (
	DefaultPatchAllocFactor = 5.0
	DefaultCapacityFactor   = 1.8
	DefaultBlockThreads     = 4
)

func defaultOptions() options {
	return options{
		patchAllocFactor: DefaultPatchAllocFactor,
		capacityFactors:  [3]float64{DefaultCapacityFactor, DefaultCapacityFactor, DefaultCapacityFactor},
		blockThreads:     DefaultBlockThreads,
	}
}

// WithMaxPatches fixes the patch ceiling. Slicing past it is fatal.
// Zero derives the ceiling from the initial patch count.
func WithMaxPatches(n uint32) Option {
	return func(o *options) {
		o.maxPatches = n
	}
}

// WithPatchAllocFactor sets the patch ceiling to factor times the initial
// patch count when WithMaxPatches is not given.
func WithPatchAllocFactor(factor float64) Option {
	return func(o *options) {
		o.patchAllocFactor = factor
	}
}

// WithCapacityFactor over-provisions every element type: a patch can hold
// factor times as many elements as the largest initial patch.
func WithCapacityFactor(factor float64) Option {
	return func(o *options) {
		o.capacityFactors = [3]float64{factor, factor, factor}
	}
}

// WithCapacityFactors sets the over-provisioning per element type.
func WithCapacityFactors(vertex, edge, face float64) Option {
	return func(o *options) {
		o.capacityFactors = [3]float64{vertex, edge, face}
	}
}

// WithBlockThreads sets the number of threads cooperating on one patch.
func WithBlockThreads(n int) Option {
	return func(o *options) {
		o.blockThreads = n
	}
}

// WithWorkers sets the number of blocks running concurrently. Zero or
// negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithDebug re-validates every slice before it is committed.
func WithDebug(debug bool) Option {
	return func(o *options) {
		o.debug = debug
	}
}

// WithLogger sets a logger for this mesh only. Without it the mesh logs
// through the package logger (see SetLogger).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDevice mirrors the mesh onto the shared device of a host application.
// The provider must expose HAL handles.
func WithDevice(provider gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithHAL mirrors the mesh onto a HAL device and queue owned by the caller.
func WithHAL(device hal.Device, queue hal.Queue) Option {
	return func(o *options) {
		o.halDevice = device
		o.halQueue = queue
	}
}

// WithMetrics registers the mesh's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithScratchLimit caps the per-block scratch bytes PrepareLaunchBox may
// request. Zero means no limit.
func WithScratchLimit(bytes int) Option {
	return func(o *options) {
		o.scratchLimit = bytes
	}
}
