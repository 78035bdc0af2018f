package patch

import "github.com/gogpu/dynmesh/internal/assert"

// StashSize is the number of neighbor patch ids a patch can reference.
const StashSize = 64

// Stash is the bounded list of neighbor patches a patch exchanges ribbon
// elements with. Entries never move once inserted, so LP pairs can refer to
// them by index.
type Stash [StashSize]uint32

// NewStash returns an empty stash.
func NewStash() Stash {
	var s Stash
	s.Reset()
	return s
}

// Reset empties the stash.
func (s *Stash) Reset() {
	for i := range s {
		s[i] = InvalidPatch
	}
}

// Find returns the slot holding pid, or -1.
func (s *Stash) Find(pid uint32) int {
	for i, p := range s {
		if p == pid {
			return i
		}
	}
	return -1
}

// Insert returns the slot holding pid, adding it to the first free slot if
// needed. A full stash is fatal.
func (s *Stash) Insert(pid uint32) int {
	assert.That(pid != InvalidPatch, "stash: insert of invalid patch id")
	free := -1
	for i, p := range s {
		if p == pid {
			return i
		}
		if p == InvalidPatch && free < 0 {
			free = i
		}
	}
	assert.That(free >= 0, "stash: full (%d neighbors), cannot add patch %d", StashSize, pid)
	s[free] = pid
	return free
}

// Len returns the number of occupied slots.
func (s *Stash) Len() int {
	n := 0
	for _, p := range s {
		if p != InvalidPatch {
			n++
		}
	}
	return n
}
