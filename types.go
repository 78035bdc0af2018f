package dynmesh

import (
	"github.com/gogpu/dynmesh/internal/budget"
	"github.com/gogpu/dynmesh/internal/hostmirror"
	"github.com/gogpu/dynmesh/internal/patch"
	"github.com/gogpu/dynmesh/internal/slicer"
)

// ElementType identifies vertices, edges and faces.
type ElementType = patch.ElementType

// Element types.
const (
	Vertex = patch.Vertex
	Edge   = patch.Edge
	Face   = patch.Face
)

// PatchInput is one patch of the initial partition. Within each element
// type the first NumOwned[t] local elements are owned by the patch; the
// rest are ribbon copies matched to their owner by global id.
type PatchInput = patch.Input

// Op is a static topology query kind.
type Op = budget.Op

// Static query kinds.
const (
	OpVV        = budget.OpVV
	OpVE        = budget.OpVE
	OpVF        = budget.OpVF
	OpEV        = budget.OpEV
	OpEF        = budget.OpEF
	OpFV        = budget.OpFV
	OpFE        = budget.OpFE
	OpFF        = budget.OpFF
	OpEVDiamond = budget.OpEVDiamond
)

// ParseOp parses a query name such as "VV" or "EVDiamond".
func ParseOp(s string) (Op, error) { return budget.ParseOp(s) }

// Relocatable is an attribute array whose values follow elements when
// slicing moves their ownership to a new patch.
type Relocatable = slicer.Relocatable

// HostSnapshot is a copy of the host mirror: per-patch sizes and mesh
// totals.
type HostSnapshot = hostmirror.Snapshot

// PatchSizes are the mirrored counts of one patch.
type PatchSizes = hostmirror.Sizes

// InvalidPatch is returned by Owner lookups that fail.
const InvalidPatch = patch.InvalidPatch
