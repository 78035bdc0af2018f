package dynmesh

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/budget"
	"github.com/gogpu/dynmesh/internal/scratch"
	"github.com/gogpu/dynmesh/internal/slicer"
)

// SlicePatches splits every patch holding at least threshold active faces
// into two, moving attribute values of the elements that change owner. It
// returns the number of patches created. Running out of patch ids panics
// with a *Violation.
//
// Only patches that existed when the pass started are considered; a patch
// created by this pass is sliced by the next one.
func (m *Mesh) SlicePatches(threshold uint32, attrs ...Relocatable) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, span := otel.Tracer(tracerName).Start(context.Background(), "dynmesh.SlicePatches",
		trace.WithAttributes(
			attribute.Int("threshold", int(threshold)),
			attribute.Int("patches", int(m.store.NumPatches())),
		))
	defer span.End()

	n := m.store.NumPatches()
	cfg := slicer.Config{Threshold: threshold, Debug: m.opts.debug, Logger: m.logger()}
	size := budget.Slicing(m.caps)

	var (
		next    atomic.Uint32
		mu      sync.Mutex
		results []slicer.Result
	)
	m.runBlocks(func(_ int, b *block.Block) {
		a := scratch.Acquire(size)
		defer scratch.Release(a)
		for {
			pid := next.Add(1) - 1
			if pid >= n {
				return
			}
			res := slicer.Slice(m.store, pid, b, a, cfg, attrs)
			if !res.Sliced {
				continue
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}
	})

	slices.SortFunc(results, func(x, y slicer.Result) int { return int(x.NewPatch) - int(y.NewPatch) })
	for _, res := range results {
		m.dirty.Mark(res.Patch)
		m.dirty.Mark(res.NewPatch)
	}
	if err := m.relocateDevice(results, attrs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "device relocation failed")
		return len(results), err
	}

	total := m.store.NumPatches()
	m.stats.Sliced(len(results), total)
	span.SetAttributes(attribute.Int("sliced", len(results)))
	m.logger().Info("dynmesh: slicing pass", "threshold", threshold, "sliced", len(results), "patches", total)
	return len(results), nil
}

// relocateDevice replays the host relocation of every device attribute on
// its device buffer.
func (m *Mesh) relocateDevice(results []slicer.Result, attrs []Relocatable) error {
	if len(results) == 0 {
		return nil
	}
	for _, attr := range attrs {
		da, ok := attr.(*DeviceAttribute)
		if !ok {
			continue
		}
		if err := da.relocate(results); err != nil {
			return fmt.Errorf("dynmesh: relocate %s: %w", da.Name(), err)
		}
	}
	return nil
}
