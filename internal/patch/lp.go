package patch

// LPPair is one entry of a patch's lookup table: for a local element that the
// patch references but does not own, where its owner keeps it. The stash
// index occupies the high 16 bits and the owner's local index the low 16.
type LPPair uint32

// EmptyLP marks a local index with no lookup entry.
const EmptyLP LPPair = 0xFFFFFFFF

// LPPairSize is the persistent and scratch footprint of one entry in bytes.
const LPPairSize = 4

// NewLPPair packs a stash slot and the owner-local index.
func NewLPPair(stashIdx int, ownerLocal uint16) LPPair {
	return LPPair(uint32(stashIdx)<<16 | uint32(ownerLocal))
}

// IsEmpty reports whether p is EmptyLP.
func (p LPPair) IsEmpty() bool { return p == EmptyLP }

// StashIndex returns the stash slot of the owning patch.
func (p LPPair) StashIndex() int { return int(uint32(p) >> 16) }

// OwnerLocal returns the element's local index inside the owning patch.
func (p LPPair) OwnerLocal() uint16 { return uint16(p) }
