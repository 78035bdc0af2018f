package budget

import (
	"fmt"
	"strings"
)

// Op is a topology query kind a kernel may perform.
type Op uint8

const (
	OpVV Op = iota
	OpVE
	OpVF
	OpEV
	OpEF
	OpFV
	OpFE
	OpFF
	OpEVDiamond
)

// AllOps lists every query kind.
var AllOps = []Op{OpVV, OpVE, OpVF, OpEV, OpEF, OpFV, OpFE, OpFF, OpEVDiamond}

var opNames = [...]string{"VV", "VE", "VF", "EV", "EF", "FV", "FE", "FF", "EVDiamond"}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// ParseOp parses a query name such as "VV" or "evdiamond".
func ParseOp(s string) (Op, error) {
	for i, name := range opNames {
		if strings.EqualFold(s, name) {
			return Op(i), nil
		}
	}
	return 0, fmt.Errorf("budget: unknown op %q", s)
}

// Static returns the scratch bytes of one static query: its adjacency
// inputs, any offset and output buffers, and the active masks of the
// element types it touches.
func Static(op Op, oriented bool, c Capacities) int {
	ev := 2*c.Edge*2 + align
	fe := 3*c.Face*2 + align
	offsets := func(n int) int { return (n+1)*2 + align }
	out := func(n int) int { return n*2 + align }
	mask := func(capacity int) int { return MaskBytes(capacity) + align }

	var bytes int
	switch op {
	case OpEV:
		bytes = ev + mask(c.Edge)
	case OpFE:
		bytes = fe + mask(c.Face)
	case OpFV:
		bytes = fe + ev + out(3*c.Face) + mask(c.Face)
	case OpVE:
		bytes = ev + offsets(c.Vertex) + out(2*c.Edge) + mask(c.Vertex) + mask(c.Edge)
	case OpVV:
		bytes = ev + offsets(c.Vertex) + out(2*c.Edge) + mask(c.Vertex) + mask(c.Edge)
	case OpVF:
		bytes = fe + ev + offsets(c.Vertex) + out(3*c.Face) + mask(c.Vertex) + mask(c.Face)
	case OpEF:
		bytes = fe + offsets(c.Edge) + out(3*c.Face) + mask(c.Edge) + mask(c.Face)
	case OpFF:
		bytes = fe + offsets(c.Edge) + out(3*c.Face) + out(3*c.Face) + mask(c.Face)
	case OpEVDiamond:
		bytes = fe + ev + out(4*c.Edge) + mask(c.Edge) + mask(c.Face)
	default:
		return 0
	}
	if oriented && (op == OpVV || op == OpVE) {
		bytes += fe
	}
	return bytes
}
