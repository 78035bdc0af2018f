package dynmesh

import (
	"fmt"

	"github.com/gogpu/dynmesh/internal/patch"
)

type gidOwner struct {
	pid   uint32
	local uint16
}

// Check verifies the partition and returns the first inconsistency found,
// wrapped in ErrInconsistent:
//   - every element is owned by exactly one patch, and owned elements are
//     active
//   - ribbons and elements referenced by active elements resolve to an
//     active owner with the same global id
//   - lookup entries name occupied stash slots
//   - counts stay within capacity and adjacency stays within counts
func (m *Mesh) Check() error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return fmt.Errorf("%w: %w", ErrInconsistent, err)
	}
	return nil
}

// Validate reports whether Check passes, logging the failure.
func (m *Mesh) Validate() bool {
	err := m.Check()
	if err == nil {
		return true
	}
	m.stats.ValidationFailed()
	m.logger().Warn("dynmesh: validation failed", "err", err)
	return false
}

func (m *Mesh) check() error {
	n := m.store.NumPatches()
	var owners [patch.NumElementTypes]map[uint32]gidOwner
	for _, t := range patch.ElementTypes {
		owners[t] = make(map[uint32]gidOwner)
	}

	for pid := range n {
		p := m.store.Patch(pid)
		if err := checkShape(p); err != nil {
			return err
		}
		for _, t := range patch.ElementTypes {
			for i := range int(p.Num[t]) {
				local := uint16(i)
				if !p.IsOwned(t, local) {
					continue
				}
				if !p.IsActive(t, local) {
					return fmt.Errorf("patch %d: owned %s %d is inactive", pid, t, i)
				}
				g := p.GID[t][i]
				if prev, dup := owners[t][g]; dup {
					return fmt.Errorf("%s %d owned by patch %d (local %d) and patch %d (local %d)",
						t, g, prev.pid, prev.local, pid, i)
				}
				owners[t][g] = gidOwner{pid: pid, local: local}
			}
		}
	}

	for pid := range n {
		p := m.store.Patch(pid)
		var refErr error
		check := func(t ElementType, i uint16) {
			if refErr != nil || p.IsOwned(t, i) {
				return
			}
			refErr = m.checkRibbon(p, t, i, owners[t])
		}
		for _, t := range patch.ElementTypes {
			p.ActiveMask(t).ForEach(func(i int) {
				if i < int(p.Num[t]) {
					check(t, uint16(i))
				}
			})
		}
		p.ForEachReference(func(t ElementType, i uint16) {
			if !p.IsActive(t, i) {
				check(t, i)
			}
		})
		if refErr != nil {
			return refErr
		}
	}
	return nil
}

// checkShape checks the bounds of one patch record.
func checkShape(p *patch.Info) error {
	for _, t := range patch.ElementTypes {
		if p.Num[t] > p.Cap[t] {
			return fmt.Errorf("patch %d: %d %ss exceed capacity %d", p.ID, p.Num[t], t, p.Cap[t])
		}
		if last := p.ActiveMask(t).Last(); last >= int(p.Num[t]) {
			return fmt.Errorf("patch %d: active %s %d beyond count %d", p.ID, t, last, p.Num[t])
		}
		for i := range int(p.Num[t]) {
			lp := p.LP[t][i]
			if lp.IsEmpty() {
				continue
			}
			if p.Stash[lp.StashIndex()] == patch.InvalidPatch {
				return fmt.Errorf("patch %d: %s %d points at empty stash slot %d", p.ID, t, i, lp.StashIndex())
			}
		}
	}
	for e := range int(p.Num[patch.Edge]) {
		if !p.IsActive(patch.Edge, uint16(e)) {
			continue
		}
		v0, v1 := p.EdgeVertices(uint16(e))
		if v0 >= p.Num[patch.Vertex] || v1 >= p.Num[patch.Vertex] {
			return fmt.Errorf("patch %d: edge %d references vertex beyond count %d", p.ID, e, p.Num[patch.Vertex])
		}
	}
	for f := range int(p.Num[patch.Face]) {
		if !p.IsActive(patch.Face, uint16(f)) {
			continue
		}
		e0, e1, e2 := p.FaceEdges(uint16(f))
		if max(e0, e1, e2) >= p.Num[patch.Edge] {
			return fmt.Errorf("patch %d: face %d references edge beyond count %d", p.ID, f, p.Num[patch.Edge])
		}
	}
	return nil
}

// checkRibbon checks that a local copy resolves to its owner.
func (m *Mesh) checkRibbon(p *patch.Info, t ElementType, i uint16, owners map[uint32]gidOwner) error {
	owner, ownerLocal, ok := m.store.Resolve(t, p.ID, i)
	if !ok {
		return fmt.Errorf("patch %d: %s %d (gid %d) has no reachable owner", p.ID, t, i, p.GID[t][i])
	}
	q := m.store.Patch(owner)
	if !q.IsActive(t, ownerLocal) {
		return fmt.Errorf("patch %d: %s %d resolves to inactive %s %d in patch %d", p.ID, t, i, t, ownerLocal, owner)
	}
	g := p.GID[t][i]
	if q.GID[t][ownerLocal] != g {
		return fmt.Errorf("patch %d: %s %d (gid %d) resolves to gid %d in patch %d",
			p.ID, t, i, g, q.GID[t][ownerLocal], owner)
	}
	if want, ok := owners[g]; !ok || want.pid != owner {
		return fmt.Errorf("patch %d: %s %d (gid %d) resolves to patch %d, not its owner", p.ID, t, i, g, owner)
	}
	return nil
}
