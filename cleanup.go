package dynmesh

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gogpu/dynmesh/internal/assert"
	"github.com/gogpu/dynmesh/internal/bitmask"
	"github.com/gogpu/dynmesh/internal/block"
	"github.com/gogpu/dynmesh/internal/budget"
	"github.com/gogpu/dynmesh/internal/patch"
	"github.com/gogpu/dynmesh/internal/scratch"
)

// CleanupStats counts what a Cleanup pass changed.
type CleanupStats struct {
	// Repaired is the number of lookup entries rewritten to point at the
	// current owner.
	Repaired int
	// Ribbonized is the number of inactive referenced elements turned into
	// ribbon copies.
	Ribbonized int
	// Pruned is the number of ribbon copies deactivated because nothing
	// local references them any more.
	Pruned int
	// Unresolved is the number of referenced elements whose owner could not
	// be found.
	Unresolved int
}

type lpRepair struct {
	t          ElementType
	local      uint16
	owner      uint32
	ownerLocal uint16
}

type elemRef struct {
	t     ElementType
	local uint16
}

// cleanupPlan is what the read-only phase found for one patch.
type cleanupPlan struct {
	repairs []lpRepair
	// broken lists lookup entries whose chain leads to no owner.
	broken []elemRef
}

// Cleanup repairs stale lookup entries left by slicing and mutation, turns
// referenced elements into ribbons, drops unreferenced ribbons and shrinks
// every patch's counts to the highest index still in use.
//
// A referenced element whose owner cannot be found is counted in
// CleanupStats.Unresolved and keeps its index; with WithDebug it panics
// with a *Violation instead.
//
// A mesh that has not been sliced or mutated is left unchanged.
func (m *Mesh) Cleanup() (CleanupStats, error) {
	if m.closed.Load() {
		return CleanupStats{}, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, span := otel.Tracer(tracerName).Start(context.Background(), "dynmesh.Cleanup")
	defer span.End()

	n := m.store.NumPatches()
	plans := make([]cleanupPlan, n)

	// Phase 1 only reads: every patch sees its neighbors' lookup tables as
	// they were when the pass started.
	m.forEachPatch(n, func(pid uint32, _ *block.Block) {
		plans[pid] = m.planCleanup(m.store.Patch(pid))
	})

	var (
		mu    sync.Mutex
		stats CleanupStats
	)
	size := budget.Cleanup(m.caps)
	m.forEachPatch(n, func(pid uint32, b *block.Block) {
		p := m.store.Patch(pid)
		plan := plans[pid]
		for _, r := range plan.repairs {
			p.SetLP(r.t, r.local, r.owner, r.ownerLocal)
		}
		a := scratch.Acquire(size)
		defer scratch.Release(a)
		s, changed := compactPatch(p, b, a, plan.broken, m.opts.debug)
		s.Repaired = len(plan.repairs)
		if changed || s.Repaired > 0 {
			m.dirty.Mark(pid)
		}
		mu.Lock()
		stats.Repaired += s.Repaired
		stats.Ribbonized += s.Ribbonized
		stats.Pruned += s.Pruned
		stats.Unresolved += s.Unresolved
		mu.Unlock()
	})

	m.stats.Repaired(stats.Repaired)
	span.SetAttributes(
		attribute.Int("repaired", stats.Repaired),
		attribute.Int("ribbonized", stats.Ribbonized),
		attribute.Int("pruned", stats.Pruned),
		attribute.Int("unresolved", stats.Unresolved),
	)
	m.logger().Info("dynmesh: cleanup pass", "patches", n,
		"repaired", stats.Repaired, "ribbonized", stats.Ribbonized,
		"pruned", stats.Pruned, "unresolved", stats.Unresolved)
	return stats, nil
}

// forEachPatch runs fn for every patch id below n, spreading ids over the
// pool's workers.
func (m *Mesh) forEachPatch(n uint32, fn func(pid uint32, b *block.Block)) {
	var next atomic.Uint32
	m.runBlocks(func(_ int, b *block.Block) {
		for {
			pid := next.Add(1) - 1
			if pid >= n {
				return
			}
			fn(pid, b)
		}
	})
}

// planCleanup lists the lookup entries of p to rewrite. Entries whose target
// no longer owns the element are chased to the current owner. Endpoints of
// edges that stay or become active but have no entry at all are found
// through the owner of the edge.
func (m *Mesh) planCleanup(p *patch.Info) cleanupPlan {
	var plan cleanupPlan
	n := m.store.NumPatches()
	for _, t := range patch.ElementTypes {
		for i := range int(p.Num[t]) {
			local := uint16(i)
			if p.IsOwned(t, local) {
				continue
			}
			pid, ol, ok := p.Lookup(t, local)
			if !ok {
				continue
			}
			if pid < n && m.store.Patch(pid).IsOwned(t, ol) {
				continue
			}
			owner, ownerLocal, ok := m.store.Resolve(t, pid, ol)
			if !ok || owner == p.ID {
				plan.broken = append(plan.broken, elemRef{t: t, local: local})
				continue
			}
			plan.repairs = append(plan.repairs, lpRepair{t: t, local: local, owner: owner, ownerLocal: ownerLocal})
		}
	}

	seen := make(map[uint16]bool)
	endpoints := func(e uint16) {
		v0, v1 := p.EdgeVertices(e)
		for _, v := range [2]uint16{v0, v1} {
			if seen[v] || v >= p.Num[patch.Vertex] || p.IsActive(patch.Vertex, v) || !p.LP[patch.Vertex][v].IsEmpty() {
				continue
			}
			if r, ok := m.resolveEndpoint(p, e, v); ok {
				seen[v] = true
				plan.repairs = append(plan.repairs, r)
			}
		}
	}
	p.ActiveMask(patch.Edge).ForEach(func(e int) { endpoints(uint16(e)) })
	p.ActiveMask(patch.Face).ForEach(func(f int) {
		if !p.IsOwned(patch.Face, uint16(f)) {
			return
		}
		e0, e1, e2 := p.FaceEdges(uint16(f))
		for _, e := range [3]uint16{e0, e1, e2} {
			if !p.IsActive(patch.Edge, e) && !p.LP[patch.Edge][e].IsEmpty() {
				endpoints(e)
			}
		}
	})
	return plan
}

// resolveEndpoint finds the owner of vertex v of p through the owner of
// edge e, matching the endpoint by global id.
func (m *Mesh) resolveEndpoint(p *patch.Info, e, v uint16) (lpRepair, bool) {
	pid, el, ok := p.Lookup(patch.Edge, e)
	if !ok {
		return lpRepair{}, false
	}
	edgeOwner, ownerEdge, ok := m.store.Resolve(patch.Edge, pid, el)
	if !ok {
		return lpRepair{}, false
	}
	q := m.store.Patch(edgeOwner)
	w0, w1 := q.EdgeVertices(ownerEdge)
	gid := p.GID[patch.Vertex][v]
	for _, w := range [2]uint16{w0, w1} {
		if q.GID[patch.Vertex][w] != gid {
			continue
		}
		owner, ownerLocal, ok := m.store.Resolve(patch.Vertex, edgeOwner, w)
		if !ok || owner == p.ID {
			return lpRepair{}, false
		}
		return lpRepair{t: patch.Vertex, local: v, owner: owner, ownerLocal: ownerLocal}, true
	}
	return lpRepair{}, false
}

// compactPatch runs the per-patch phases of cleanup on p. a must hold
// budget.Cleanup bytes. broken lists lookup entries of p that lead to no
// owner; they are never turned into ribbons.
func compactPatch(p *patch.Info, b *block.Block, a *scratch.Arena, broken []elemRef, debug bool) (CleanupStats, bool) {
	var (
		owned, active, ref, dead [patch.NumElementTypes]bitmask.Bitmask
		s                        CleanupStats
		changed                  atomic.Bool
		ribbonized, pruned       atomic.Int64
		lost                     atomic.Int64
	)
	num := p.Num
	ev := a.AllocU16(2 * int(p.Cap[patch.Edge]))
	fe := a.AllocU16(3 * int(p.Cap[patch.Face]))
	b.Go(2*int(num[patch.Edge]), func(i int) { ev[i] = p.EV[i] })
	b.Go(3*int(num[patch.Face]), func(i int) { fe[i] = p.FE[i] })
	for _, t := range patch.ElementTypes {
		c := int(p.Cap[t])
		owned[t] = bitmask.New(a, c)
		active[t] = bitmask.New(a, c)
		ref[t] = bitmask.New(a, c)
		dead[t] = bitmask.New(a, c)
		owned[t].Load(b, p.Owned[t])
		active[t].Load(b, p.Active[t])
	}
	b.Sync()
	for _, r := range broken {
		dead[r.t].Set(int(r.local))
	}

	unresolved := func(t ElementType, i int) {
		assert.That(!debug, "cleanup: patch %d %s %d (gid %d) is referenced but has no reachable owner",
			p.ID, t, i, p.GID[t][i])
		lost.Add(1)
	}

	// Faces are never referenced, so a face copy survives only while it is
	// owned.
	b.For(int(num[patch.Face]), func(f int) {
		if active[patch.Face].Query(f) && !owned[patch.Face].Query(f) {
			active[patch.Face].Clear(f)
			pruned.Add(1)
			changed.Store(true)
		}
	})
	b.For(int(num[patch.Face]), func(f int) {
		if !active[patch.Face].Query(f) {
			return
		}
		for k := range 3 {
			ref[patch.Edge].Set(int(fe[3*f+k]))
		}
	})

	settle := func(t ElementType, i int) {
		isRef, isActive := ref[t].Query(i), active[t].Query(i)
		switch {
		case isRef && !isActive:
			if p.LP[t][i].IsEmpty() || dead[t].Query(i) {
				unresolved(t, i)
				return
			}
			active[t].Set(i)
			ribbonized.Add(1)
			changed.Store(true)
		case !isRef && isActive && !owned[t].Query(i):
			active[t].Clear(i)
			pruned.Add(1)
			changed.Store(true)
		case isActive && !owned[t].Query(i) && dead[t].Query(i):
			unresolved(t, i)
		}
	}
	b.For(int(num[patch.Edge]), func(e int) { settle(patch.Edge, e) })
	b.For(int(num[patch.Edge]), func(e int) {
		if !active[patch.Edge].Query(e) {
			return
		}
		ref[patch.Vertex].Set(int(ev[2*e]))
		ref[patch.Vertex].Set(int(ev[2*e+1]))
	})
	b.For(int(num[patch.Vertex]), func(v int) { settle(patch.Vertex, v) })

	// Lookup entries survive only for ribbons and referenced elements.
	for _, t := range patch.ElementTypes {
		b.Go(int(num[t]), func(i int) {
			if p.LP[t][i].IsEmpty() {
				return
			}
			keep := !owned[t].Query(i) && (active[t].Query(i) || ref[t].Query(i))
			if !keep {
				p.LP[t][i] = patch.EmptyLP
				changed.Store(true)
			}
		})
	}
	b.Sync()

	// Counts never drop below an index an active element still points at,
	// resolved or not.
	for _, t := range patch.ElementTypes {
		last := max(active[t].Last(), ref[t].Last())
		for i := int(num[t]) - 1; i > last; i-- {
			if !p.LP[t][i].IsEmpty() {
				last = i
				break
			}
		}
		if n := uint16(last + 1); n != p.Num[t] {
			p.Num[t] = n
			changed.Store(true)
		}
		owned[t].Store(b, p.Owned[t])
		active[t].Store(b, p.Active[t])
	}
	b.Sync()

	if pruneStash(p) {
		changed.Store(true)
	}

	s.Ribbonized = int(ribbonized.Load())
	s.Pruned = int(pruned.Load())
	s.Unresolved = int(lost.Load())
	return s, changed.Load()
}

// pruneStash frees stash slots no lookup entry refers to.
func pruneStash(p *patch.Info) bool {
	var used [patch.StashSize]bool
	for _, t := range patch.ElementTypes {
		for _, lp := range p.LP[t][:p.Num[t]] {
			if !lp.IsEmpty() {
				used[lp.StashIndex()] = true
			}
		}
	}
	changed := false
	for i, pid := range p.Stash {
		if pid != patch.InvalidPatch && !used[i] {
			p.Stash[i] = patch.InvalidPatch
			changed = true
		}
	}
	return changed
}
