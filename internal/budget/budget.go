// Package budget computes the scratch-memory footprint of kernel launches.
//
// Every function here is pure: the result depends only on the requested
// topology operations and the per-patch capacities. Results are worst-case
// sizes. Each sub-allocation is charged one extra scratch.Alignment for the
// padding the arena may insert in front of it, so a kernel that allocates
// what the matching function describes never overflows its arena.
package budget

import (
	"fmt"
	"math"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/dynmesh/internal/bitmask"
	"github.com/gogpu/dynmesh/internal/patch"
	"github.com/gogpu/dynmesh/internal/scratch"
)

const align = scratch.Alignment

// Mask counts per element type reserved by a mutation kernel's workspace.
// Vertices track the most roles since vertex reassignment is the most
// common edit.
const (
	VertexMasks = 10
	EdgeMasks   = 7
	FaceMasks   = 5
)

// Counters is the number of 32-bit bookkeeping counters a mutation kernel
// keeps for in-flight cavities.
const Counters = 3

// Capacities are the per-patch element capacities a launch is sized for.
type Capacities struct {
	Vertex int
	Edge   int
	Face   int
}

// FromFactors scales nominal per-patch maxima by per-type capacity factors.
func FromFactors(maxV, maxE, maxF int, factors [3]float64) Capacities {
	scale := func(n int, f float64) int { return int(math.Ceil(float64(n) * max(f, 1))) }
	return Capacities{
		Vertex: scale(maxV, factors[0]),
		Edge:   scale(maxE, factors[1]),
		Face:   scale(maxF, factors[2]),
	}
}

// FromStore converts the store's capacity array.
func FromStore(caps [patch.NumElementTypes]uint16) Capacities {
	return Capacities{
		Vertex: int(caps[patch.Vertex]),
		Edge:   int(caps[patch.Edge]),
		Face:   int(caps[patch.Face]),
	}
}

// Of returns the capacity of element type t.
func (c Capacities) Of(t patch.ElementType) int {
	switch t {
	case patch.Vertex:
		return c.Vertex
	case patch.Edge:
		return c.Edge
	default:
		return c.Face
	}
}

// MaskBytes returns the footprint of one bit-vector over capacity elements.
func MaskBytes(capacity int) int { return bitmask.NumBytes(capacity) }

// LPCapacity returns the number of lookup entries a patch reserves for an
// element type: the table is addressed by local id, so every local element
// may need one after an ownership transfer.
func LPCapacity(capacity int) int { return capacity }

// Part is one named sub-allocation of a footprint.
type Part struct {
	Name  string
	Bytes int
}

// DynamicParts lists the sub-allocations of a mutation kernel's workspace.
func DynamicParts(c Capacities) []Part {
	lookup := func(capacity int) int {
		return max(capacity*2, LPCapacity(capacity)*patch.LPPairSize) + align
	}
	masks := func(n, capacity int) int { return n * (MaskBytes(capacity) + align) }
	return []Part{
		{"face-edge adjacency", 3*c.Face*2 + align},
		{"edge-vertex adjacency", 2*c.Edge*2 + align},
		{"vertex cavity id / lookup", lookup(c.Vertex)},
		{"edge cavity id / lookup", lookup(c.Edge)},
		{"face cavity id / lookup", lookup(c.Face)},
		{"cavity boundary loop", c.Edge*2 + align},
		{"counters", Counters*4 + align},
		{"cavity sizes", (c.Face/2+1)*4 + align},
		{"vertex masks", masks(VertexMasks, c.Vertex)},
		{"edge masks", masks(EdgeMasks, c.Edge)},
		{"face masks", masks(FaceMasks, c.Face)},
		{"stash", patch.StashSize*4 + align},
	}
}

// Dynamic returns the scratch bytes a mutation-capable kernel needs.
func Dynamic(c Capacities) int {
	return sum(DynamicParts(c))
}

// Slicing returns the scratch bytes of the slicing kernel.
func Slicing(c Capacities) int {
	masks := func(n, capacity int) int { return n * (MaskBytes(capacity) + align) }
	return 2*c.Edge*2 + align + // EV
		3*c.Face*2 + align + // FE
		masks(SliceVertexMasks, c.Vertex) +
		masks(SliceEdgeMasks, c.Edge) +
		masks(SliceFaceMasks, c.Face) +
		2*c.Vertex*4 + align + // per-half vertex incidence
		2*c.Edge*4 + align + // per-half edge incidence
		c.Face*2 + align // BFS queue
}

// Mask counts reserved by the slicing kernel.
const (
	SliceVertexMasks = 7 // owned, active, new owned, new active, half, referenced by each half
	SliceEdgeMasks   = 5 // owned, active, new owned, new active, half
	SliceFaceMasks   = 7 // owned, active, new owned, new active, half, visited, grown
)

// Cleanup returns the scratch bytes of the cleanup kernel.
func Cleanup(c Capacities) int {
	masks := func(n, capacity int) int { return n * (MaskBytes(capacity) + align) }
	return 2*c.Edge*2 + align +
		3*c.Face*2 + align +
		masks(CleanupMasks, c.Vertex) +
		masks(CleanupMasks, c.Edge) +
		masks(CleanupMasks, c.Face)
}

// CleanupMasks is the number of bit-vectors per type the cleanup kernel
// keeps: active, owned, referenced and unresolvable.
const CleanupMasks = 4

// Launch returns the scratch bytes to request for a kernel performing ops,
// optionally with mutation support: the larger of the hungriest static
// query and the mutation workspace.
func Launch(ops []Op, dynamic, oriented bool, c Capacities) int {
	bytes := 0
	for _, op := range ops {
		bytes = max(bytes, Static(op, oriented, c))
	}
	if dynamic {
		bytes = max(bytes, Dynamic(c))
	}
	return bytes
}

// FitsDevice reports whether bytes fit the device's workgroup storage.
func FitsDevice(bytes int, limits gputypes.Limits) bool {
	return bytes <= int(limits.MaxComputeWorkgroupStorageSize)
}

// Describe renders parts and their total, one per line.
func Describe(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%-28s %8d\n", p.Name, p.Bytes)
	}
	fmt.Fprintf(&b, "%-28s %8d\n", "total", sum(parts))
	return b.String()
}

func sum(parts []Part) int {
	n := 0
	for _, p := range parts {
		n += p.Bytes
	}
	return n
}
