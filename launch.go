package dynmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/budget"
	"github.com/gogpu/dynmesh/internal/scratch"
)

const tracerName = "github.com/gogpu/dynmesh"

// LaunchBox is the launch configuration of a kernel: one block per patch,
// the threads cooperating on a patch, and the scratch each block gets.
type LaunchBox struct {
	Blocks       uint32
	Threads      int
	ScratchBytes int

	Ops      []Op
	Dynamic  bool
	Oriented bool
}

// PrepareLaunchBox sizes a launch for a kernel performing ops. dynamic
// reserves the mutation workspace; oriented adds the face-edge orientation
// buffers to face queries.
func (m *Mesh) PrepareLaunchBox(ops []Op, dynamic, oriented bool) (LaunchBox, error) {
	bytes := budget.Launch(ops, dynamic, oriented, m.caps)
	if limit := m.opts.scratchLimit; limit > 0 && bytes > limit {
		return LaunchBox{}, fmt.Errorf("%w: %d bytes requested, limit %d", ErrScratchLimit, bytes, limit)
	}
	if m.HasDevice() && !budget.FitsDevice(bytes, gputypes.DefaultLimits()) {
		m.logger().Warn("dynmesh: launch scratch exceeds device workgroup storage",
			"bytes", bytes, "limit", gputypes.DefaultLimits().MaxComputeWorkgroupStorageSize)
	}
	return LaunchBox{
		Blocks:       m.store.NumPatches(),
		Threads:      m.opts.blockThreads,
		ScratchBytes: bytes,
		Ops:          append([]Op(nil), ops...),
		Dynamic:      dynamic,
		Oriented:     oriented,
	}, nil
}

// Kernel processes one patch. Returning ErrRetry discards the patch's edits
// and requeues it; any other error discards the edits and is reported by
// Launch.
type Kernel func(ctx context.Context, w *Workspace) error

// Launch runs kernel over the queued patches until the queue drains or ctx
// is cancelled. Patches that asked for a retry are requeued at the end of
// the pass, so IsQueueEmpty reports false until a later Launch processes
// them.
func (m *Mesh) Launch(ctx context.Context, box LaunchBox, kernel Kernel) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "dynmesh.Launch",
		trace.WithAttributes(
			attribute.Int("scratch_bytes", box.ScratchBytes),
			attribute.Bool("dynamic", box.Dynamic),
			attribute.Int("queued", m.queue.Len()),
		))
	defer span.End()
	m.stats.Launched(box.ScratchBytes)

	var (
		mu      sync.Mutex
		retries []uint32
		errs    []error
	)
	m.runBlocks(func(_ int, b *block.Block) {
		var a *scratch.Arena
		if box.Dynamic {
			a = scratch.Acquire(box.ScratchBytes)
			defer scratch.Release(a)
		}
		for ctx.Err() == nil {
			pid, ok := m.queue.Dequeue()
			if !ok {
				return
			}
			err := m.runPatch(ctx, pid, b, a, box, kernel)
			switch {
			case err == nil:
				if box.Dynamic {
					m.dirty.Mark(pid)
				}
			case errors.Is(err, ErrRetry):
				mu.Lock()
				retries = append(retries, pid)
				mu.Unlock()
			default:
				mu.Lock()
				errs = append(errs, fmt.Errorf("dynmesh: patch %d: %w", pid, err))
				mu.Unlock()
			}
		}
	})

	for _, pid := range retries {
		m.queue.Push(pid)
	}
	m.stats.Retried(len(retries))
	span.SetAttributes(attribute.Int("retries", len(retries)))
	if len(retries) > 0 {
		m.logger().Debug("dynmesh: patches requeued", "count", len(retries))
	}

	errs = append(errs, ctx.Err())
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
	}
	return err
}

func (m *Mesh) runPatch(ctx context.Context, pid uint32, b *block.Block, a *scratch.Arena, box LaunchBox, kernel Kernel) error {
	p := m.store.Patch(pid)
	if !box.Dynamic {
		err := kernel(ctx, view(m.store, p, b))
		b.Sync()
		return err
	}
	mark := a.Mark()
	defer a.Rewind(mark)
	w := hydrate(m.store, p, b, a)
	if err := kernel(ctx, w); err != nil {
		b.Sync()
		return err
	}
	b.Sync()
	w.flush()
	return nil
}
