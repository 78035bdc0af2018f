package dynmesh

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/budget"
	"github.com/gogpu/dynmesh/internal/device"
	"github.com/gogpu/dynmesh/internal/hostmirror"
	"github.com/gogpu/dynmesh/internal/metrics"
	"github.com/gogpu/dynmesh/internal/parallel"
	"github.com/gogpu/dynmesh/internal/patch"
	"github.com/gogpu/dynmesh/internal/scheduler"
)

// Mesh is a partitioned dynamic mesh.
//
// Facade operations (Launch, SlicePatches, Cleanup, UpdateHost, Check) are
// serialized: each one runs to completion, fanning its patches out to the
// worker pool, before the next starts.
type Mesh struct {
	mu sync.Mutex

	opts  options
	log   *slog.Logger
	store *patch.Store
	caps  budget.Capacities
	queue *scheduler.Queue
	pool  *parallel.Pool
	dirty *parallel.DirtySet
	host  *hostmirror.Mirror
	stats *metrics.Metrics

	// Per-worker block, indexed by the pool's worker id.
	blocks []*block.Block

	dev    device.Handles
	mirror *device.Mirror
	reloc  *device.Relocator

	closed atomic.Bool
}

// New builds a mesh from the initial partition.
func New(inputs []PatchInput, opts ...Option) (*Mesh, error) {
	if len(inputs) == 0 {
		return nil, ErrNoPatches
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	maxPatches := o.maxPatches
	if maxPatches == 0 {
		if o.patchAllocFactor < 1 {
			return nil, fmt.Errorf("%w: patch alloc factor %.2f below 1", ErrInvalidInput, o.patchAllocFactor)
		}
		maxPatches = uint32(math.Ceil(float64(len(inputs)) * o.patchAllocFactor))
	}
	store, err := patch.Build(inputs, maxPatches, o.capacityFactors)
	if err != nil {
		return nil, fmt.Errorf("dynmesh: build partition: %w", err)
	}

	m := &Mesh{
		opts:  o,
		log:   o.logger,
		store: store,
		caps:  budget.FromStore(store.Capacities()),
		queue: scheduler.New(maxPatches),
		dirty: parallel.NewDirtySet(int(maxPatches)),
		host:  hostmirror.New(int(store.NumPatches())),
	}
	if o.registerer != nil {
		if m.stats, err = metrics.New(o.registerer); err != nil {
			return nil, err
		}
	}
	if err := m.openDevice(); err != nil {
		return nil, err
	}

	m.pool = parallel.NewPool(o.workers)
	m.blocks = make([]*block.Block, m.pool.Workers())
	for i := range m.blocks {
		m.blocks[i] = block.New(o.blockThreads)
	}

	n := store.NumPatches()
	m.queue.Refill(n)
	m.dirty.MarkRange(0, n)
	m.host.Sync(store)
	m.stats.SetPatches(n)

	m.logger().Info("dynmesh: mesh created",
		"patches", n, "max_patches", maxPatches,
		"vertex_capacity", m.caps.Vertex, "edge_capacity", m.caps.Edge, "face_capacity", m.caps.Face,
		"workers", m.pool.Workers(), "block_threads", o.blockThreads)
	return m, nil
}

func (m *Mesh) openDevice() error {
	switch {
	case m.opts.halDevice != nil || m.opts.halQueue != nil:
		if m.opts.halDevice == nil || m.opts.halQueue == nil {
			return fmt.Errorf("%w: WithHAL needs both a device and a queue", ErrNoDevice)
		}
		m.dev = device.Handles{Device: m.opts.halDevice, Queue: m.opts.halQueue}
	case m.opts.provider != nil:
		h, err := device.FromProvider(m.opts.provider)
		if err != nil {
			return fmt.Errorf("dynmesh: %w", err)
		}
		m.dev = h
	default:
		return nil
	}

	mirror, err := device.NewMirror(m.dev.Device, m.dev.Queue, m.store.Capacities(), m.store.NumPatches())
	if err != nil {
		return fmt.Errorf("dynmesh: device mirror: %w", err)
	}
	m.mirror = mirror
	return nil
}

func (m *Mesh) logger() *slog.Logger {
	if m.log != nil {
		return m.log
	}
	return Logger()
}

// NumPatches returns the number of live patches.
func (m *Mesh) NumPatches() uint32 { return m.store.NumPatches() }

// MaxPatches returns the patch ceiling.
func (m *Mesh) MaxPatches() uint32 { return m.store.MaxPatches() }

// Capacity returns the per-patch capacity of element type t.
func (m *Mesh) Capacity(t ElementType) int { return m.caps.Of(t) }

// HasDevice reports whether the mesh is mirrored on a device.
func (m *Mesh) HasDevice() bool { return m.mirror != nil }

// IsQueueEmpty reports whether every patch has been processed since the
// last ResetQueue. It never blocks.
func (m *Mesh) IsQueueEmpty() bool { return m.queue.IsEmpty() }

// ResetQueue schedules every live patch again.
func (m *Mesh) ResetQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.Refill(m.store.NumPatches())
}

// Close stops the worker pool and releases device buffers. A device passed
// in through WithDevice or WithHAL is not destroyed.
func (m *Mesh) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.Close()
	if m.reloc != nil {
		m.reloc.Destroy()
	}
	if m.mirror != nil {
		m.mirror.Destroy()
	}
	return nil
}

// runBlocks runs fn once per pool worker, each with that worker's block,
// and waits. A Violation raised inside a worker is re-raised on the
// caller's goroutine.
func (m *Mesh) runBlocks(fn func(worker int, b *block.Block)) {
	var (
		once  sync.Once
		fatal any
	)
	tasks := make([]parallel.Task, m.pool.Workers())
	for i := range tasks {
		tasks[i] = func(worker int) {
			defer func() {
				if r := recover(); r != nil {
					once.Do(func() { fatal = r })
				}
			}()
			fn(worker, m.blocks[worker])
		}
	}
	m.pool.Execute(tasks)
	if fatal != nil {
		if _, ok := fatal.(*assert.Violation); !ok {
			fatal = &assert.Violation{Msg: fmt.Sprint(fatal)}
		}
		panic(fatal)
	}
}
