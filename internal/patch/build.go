package patch

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput is returned by Build for an inconsistent initial partition.
var ErrInvalidInput = errors.New("patch: invalid partition input")

// Input is one patch of the initial partition, as produced by the external
// partitioner. Within each element type the first NumOwned[t] local
// elements are owned; the rest are ribbon copies whose owner is found by
// global identity.
type Input struct {
	Num      [NumElementTypes]int
	NumOwned [NumElementTypes]int

	EV []uint16
	FE []uint16

	GID [NumElementTypes][]uint32
}

type ownerRef struct {
	pid   uint32
	local uint16
}

// Capacities derives per-type capacities from the largest input patch,
// over-provisioned by the per-type factors.
func Capacities(inputs []Input, factors [NumElementTypes]float64) ([NumElementTypes]uint16, error) {
	var caps [NumElementTypes]uint16
	for _, t := range ElementTypes {
		factor := factors[t]
		if factor < 1 {
			return caps, fmt.Errorf("%w: %s capacity factor %.2f below 1", ErrInvalidInput, t, factor)
		}
		largest := 1
		for i := range inputs {
			largest = max(largest, inputs[i].Num[t])
		}
		c := int(math.Ceil(float64(largest) * factor))
		if c > MaxCapacity {
			return caps, fmt.Errorf("%w: %s capacity %d exceeds %d", ErrInvalidInput, t, c, MaxCapacity)
		}
		caps[t] = uint16(c)
	}
	return caps, nil
}

// Build populates a new store with the initial partition.
func Build(inputs []Input, maxPatches uint32, factors [NumElementTypes]float64) (*Store, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no patches", ErrInvalidInput)
	}
	if uint32(len(inputs)) > maxPatches {
		return nil, fmt.Errorf("%w: %d patches exceed the maximum of %d", ErrInvalidInput, len(inputs), maxPatches)
	}
	caps, err := Capacities(inputs, factors)
	if err != nil {
		return nil, err
	}
	for i := range inputs {
		if err := inputs[i].check(i); err != nil {
			return nil, err
		}
	}

	s := NewStore(maxPatches, caps)

	var owners [NumElementTypes]map[uint32]ownerRef
	var maxGID [NumElementTypes]uint32
	for _, t := range ElementTypes {
		owners[t] = make(map[uint32]ownerRef)
		for pid := range inputs {
			in := &inputs[pid]
			for l := 0; l < in.Num[t]; l++ {
				g := in.GID[t][l]
				maxGID[t] = max(maxGID[t], g+1)
				if l >= in.NumOwned[t] {
					continue
				}
				if prev, dup := owners[t][g]; dup {
					return nil, fmt.Errorf("%w: %s %d owned by patches %d and %d",
						ErrInvalidInput, t, g, prev.pid, pid)
				}
				owners[t][g] = ownerRef{pid: uint32(pid), local: uint16(l)}
			}
		}
	}

	for pid := range inputs {
		in := &inputs[pid]
		p := s.Patch(s.ReservePatchID())
		copy(p.EV, in.EV[:2*in.Num[Edge]])
		copy(p.FE, in.FE[:3*in.Num[Face]])
		for _, t := range ElementTypes {
			p.Num[t] = uint16(in.Num[t])
			active, owned := p.ActiveMask(t), p.OwnedMask(t)
			for l := 0; l < in.Num[t]; l++ {
				g := in.GID[t][l]
				p.GID[t][l] = g
				active.Set(l)
				if l < in.NumOwned[t] {
					owned.Set(l)
					continue
				}
				ref, ok := owners[t][g]
				if !ok {
					return nil, fmt.Errorf("%w: patch %d ribbon %s %d has no owner", ErrInvalidInput, pid, t, g)
				}
				if ref.pid == uint32(pid) {
					return nil, fmt.Errorf("%w: patch %d lists %s %d as both owned and ribbon", ErrInvalidInput, pid, t, g)
				}
				p.SetLP(t, uint16(l), ref.pid, ref.local)
			}
		}
	}
	for _, t := range ElementTypes {
		s.nextGID[t].Store(maxGID[t])
	}
	return s, nil
}

func (in *Input) check(pid int) error {
	for _, t := range ElementTypes {
		if in.Num[t] < 0 || in.NumOwned[t] < 0 || in.NumOwned[t] > in.Num[t] {
			return fmt.Errorf("%w: patch %d has %d owned of %d %ss", ErrInvalidInput, pid, in.NumOwned[t], in.Num[t], t)
		}
		if len(in.GID[t]) < in.Num[t] {
			return fmt.Errorf("%w: patch %d has %d %s ids for %d elements", ErrInvalidInput, pid, len(in.GID[t]), t, in.Num[t])
		}
	}
	if len(in.EV) < 2*in.Num[Edge] || len(in.FE) < 3*in.Num[Face] {
		return fmt.Errorf("%w: patch %d adjacency shorter than its element counts", ErrInvalidInput, pid)
	}
	for _, v := range in.EV[:2*in.Num[Edge]] {
		if int(v) >= in.Num[Vertex] {
			return fmt.Errorf("%w: patch %d edge references vertex %d of %d", ErrInvalidInput, pid, v, in.Num[Vertex])
		}
	}
	for _, e := range in.FE[:3*in.Num[Face]] {
		if int(e) >= in.Num[Edge] {
			return fmt.Errorf("%w: patch %d face references edge %d of %d", ErrInvalidInput, pid, e, in.Num[Edge])
		}
	}
	return nil
}
