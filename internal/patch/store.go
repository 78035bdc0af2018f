// Package patch is the partition store: the persistent, pre-sized table of
// patch records that every kernel reads and writes.
//
// Each patch is written only by the block currently holding its id. The only
// cross-block mutable state is the patch count, advanced by one atomic add per
// slice, and the per-type global identity counters used by insertions.
package patch

import (
	"sync/atomic"

	"github.com/gogpu/dynmesh/internal/assert"
)

// Store holds every patch record the mesh can ever have.
type Store struct {
	patches    []Info
	num        atomic.Uint32
	maxPatches uint32
	caps       [NumElementTypes]uint16
	nextGID    [NumElementTypes]atomic.Uint32
}

// NewStore allocates maxPatches empty records with the given per-type
// capacities. No patch is live until Build or ReservePatchID.
func NewStore(maxPatches uint32, caps [NumElementTypes]uint16) *Store {
	assert.That(maxPatches > 0, "store: max patches must be positive")
	s := &Store{
		patches:    make([]Info, maxPatches),
		maxPatches: maxPatches,
		caps:       caps,
	}
	for i := range s.patches {
		s.patches[i] = newInfo(uint32(i), caps)
	}
	return s
}

// MaxPatches returns the fixed patch ceiling.
func (s *Store) MaxPatches() uint32 { return s.maxPatches }

// NumPatches returns the number of live patches.
func (s *Store) NumPatches() uint32 { return s.num.Load() }

// Capacity returns the per-patch capacity of type t.
func (s *Store) Capacity(t ElementType) uint16 { return s.caps[t] }

// Capacities returns all per-type capacities.
func (s *Store) Capacities() [NumElementTypes]uint16 { return s.caps }

// Patch returns the record for id.
func (s *Store) Patch(id uint32) *Info {
	assert.That(id < s.maxPatches, "store: patch id %d out of range (max %d)", id, s.maxPatches)
	return &s.patches[id]
}

// ReservePatchID claims the next patch id with a single atomic increment.
// Running past MaxPatches is fatal.
func (s *Store) ReservePatchID() uint32 {
	id := s.num.Add(1) - 1
	assert.That(id < s.maxPatches,
		"store: patch count %d reached the maximum of %d patches", id+1, s.maxPatches)
	return id
}

// NextGlobalID returns a fresh mesh-wide identity for a new element.
func (s *Store) NextGlobalID(t ElementType) uint32 {
	return s.nextGID[t].Add(1) - 1
}

// GlobalIDLimit returns one past the largest identity handed out for t.
func (s *Store) GlobalIDLimit(t ElementType) uint32 { return s.nextGID[t].Load() }

// Resolve follows LP entries from (pid, local) until it reaches the patch
// that owns the element. ok is false if the chain breaks or loops.
func (s *Store) Resolve(t ElementType, pid uint32, local uint16) (owner uint32, ownerLocal uint16, ok bool) {
	n := s.NumPatches()
	for hops := uint32(0); hops <= n; hops++ {
		if pid >= n {
			return InvalidPatch, InvalidLocal, false
		}
		p := &s.patches[pid]
		if int(local) >= int(s.caps[t]) {
			return InvalidPatch, InvalidLocal, false
		}
		if p.IsOwned(t, local) {
			return pid, local, true
		}
		next, nextLocal, found := p.Lookup(t, local)
		if !found {
			return InvalidPatch, InvalidLocal, false
		}
		pid, local = next, nextLocal
	}
	return InvalidPatch, InvalidLocal, false
}
