package patch

import "fmt"

// ElementType identifies the mesh element kind a local index refers to.
type ElementType uint8

const (
	Vertex ElementType = iota
	Edge
	Face
)

// NumElementTypes is the number of element kinds.
const NumElementTypes = 3

// ElementTypes lists every element kind in storage order.
var ElementTypes = [NumElementTypes]ElementType{Vertex, Edge, Face}

// String returns the element kind name.
func (t ElementType) String() string {
	switch t {
	case Vertex:
		return "vertex"
	case Edge:
		return "edge"
	case Face:
		return "face"
	default:
		return fmt.Sprintf("ElementType(%d)", uint8(t))
	}
}

// InvalidPatch marks an unused stash slot or an unresolved owner.
const InvalidPatch = ^uint32(0)

// InvalidLocal marks an unused local index. Capacities stay below it.
const InvalidLocal = ^uint16(0)

// MaxCapacity is the largest per-type capacity a patch can have.
const MaxCapacity = int(InvalidLocal) - 1
