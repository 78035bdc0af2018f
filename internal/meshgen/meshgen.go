// Package meshgen builds small triangle meshes and naive partitions of them.
//
// It stands in for the external loader and partitioner in tests, benchmarks
// and the meshctl tool. The partition is a plain face-range split: good
// enough to exercise ribbons, not a quality partitioner.
package meshgen

import (
	"fmt"
	"slices"

	"github.com/gogpu/dynmesh/internal/patch"
)

// Mesh is an indexed triangle mesh with explicit edges.
type Mesh struct {
	NumVertices int
	Edges       [][2]int // vertex pairs
	Faces       [][3]int // edge triples
}

// NumEdges returns the edge count.
func (m *Mesh) NumEdges() int { return len(m.Edges) }

// NumFaces returns the face count.
func (m *Mesh) NumFaces() int { return len(m.Faces) }

type builder struct {
	m     *Mesh
	edges map[[2]int]int
}

func newBuilder(numVertices int) *builder {
	return &builder{m: &Mesh{NumVertices: numVertices}, edges: make(map[[2]int]int)}
}

func (b *builder) edge(u, v int) int {
	key := [2]int{min(u, v), max(u, v)}
	if e, ok := b.edges[key]; ok {
		return e
	}
	e := len(b.m.Edges)
	b.m.Edges = append(b.m.Edges, key)
	b.edges[key] = e
	return e
}

func (b *builder) triangle(a, c, d int) {
	b.m.Faces = append(b.m.Faces, [3]int{b.edge(a, c), b.edge(c, d), b.edge(d, a)})
}

// Grid returns a w by h grid of quads, each split into two triangles:
// (w+1)*(h+1) vertices and 2*w*h faces.
func Grid(w, h int) *Mesh {
	b := newBuilder((w + 1) * (h + 1))
	at := func(x, y int) int { return y*(w+1) + x }
	for y := range h {
		for x := range w {
			v00, v10 := at(x, y), at(x+1, y)
			v01, v11 := at(x, y+1), at(x+1, y+1)
			b.triangle(v00, v10, v11)
			b.triangle(v00, v11, v01)
		}
	}
	return b.m
}

// Tetrahedron returns the closed four-face surface.
func Tetrahedron() *Mesh {
	b := newBuilder(4)
	b.triangle(0, 1, 2)
	b.triangle(0, 3, 1)
	b.triangle(1, 3, 2)
	b.triangle(2, 3, 0)
	return b.m
}

// Merge returns the disjoint union of meshes.
func Merge(meshes ...*Mesh) *Mesh {
	out := &Mesh{}
	for _, m := range meshes {
		vOff, eOff := out.NumVertices, len(out.Edges)
		for _, e := range m.Edges {
			out.Edges = append(out.Edges, [2]int{e[0] + vOff, e[1] + vOff})
		}
		for _, f := range m.Faces {
			out.Faces = append(out.Faces, [3]int{f[0] + eOff, f[1] + eOff, f[2] + eOff})
		}
		out.NumVertices += m.NumVertices
	}
	return out
}

// Partition splits m into patches of facesPerPatch consecutive faces. Each
// edge and vertex is owned by the patch of the first face that uses it;
// elements referenced by a patch's faces but owned elsewhere become ribbons.
// Vertices and edges used by no face are owned by the last patch.
func Partition(m *Mesh, facesPerPatch int) ([]patch.Input, error) {
	if facesPerPatch <= 0 {
		return nil, fmt.Errorf("meshgen: faces per patch must be positive, got %d", facesPerPatch)
	}
	numPatches := max(1, (m.NumFaces()+facesPerPatch-1)/facesPerPatch)
	last := numPatches - 1

	edgeOwner := fill(m.NumEdges(), -1)
	vertexOwner := fill(m.NumVertices, -1)
	for f, fe := range m.Faces {
		p := f / facesPerPatch
		for _, e := range fe {
			if edgeOwner[e] < 0 {
				edgeOwner[e] = p
			}
			for _, v := range m.Edges[e] {
				if vertexOwner[v] < 0 {
					vertexOwner[v] = p
				}
			}
		}
	}
	for e := range edgeOwner {
		if edgeOwner[e] < 0 {
			edgeOwner[e] = last
			for _, v := range m.Edges[e] {
				if vertexOwner[v] < 0 {
					vertexOwner[v] = last
				}
			}
		}
	}
	for v := range vertexOwner {
		if vertexOwner[v] < 0 {
			vertexOwner[v] = last
		}
	}

	inputs := make([]patch.Input, numPatches)
	for p := range inputs {
		lo, hi := p*facesPerPatch, min((p+1)*facesPerPatch, m.NumFaces())

		var faces, edgesUsed, vertsUsed []int
		for f := lo; f < hi; f++ {
			faces = append(faces, f)
			for _, e := range m.Faces[f] {
				edgesUsed = append(edgesUsed, e)
			}
		}
		for e, owner := range edgeOwner {
			if owner == p {
				edgesUsed = append(edgesUsed, e)
			}
		}
		edges := localOrder(dedupe(edgesUsed), edgeOwner, p)
		for _, e := range edges {
			vertsUsed = append(vertsUsed, m.Edges[e][0], m.Edges[e][1])
		}
		for v, owner := range vertexOwner {
			if owner == p {
				vertsUsed = append(vertsUsed, v)
			}
		}
		verts := localOrder(dedupe(vertsUsed), vertexOwner, p)

		vLocal := indexOf(verts)
		eLocal := indexOf(edges)

		in := &inputs[p]
		in.Num = [3]int{len(verts), len(edges), len(faces)}
		in.NumOwned = [3]int{countOwned(verts, vertexOwner, p), countOwned(edges, edgeOwner, p), len(faces)}
		for _, e := range edges {
			in.EV = append(in.EV, uint16(vLocal[m.Edges[e][0]]), uint16(vLocal[m.Edges[e][1]]))
		}
		for _, f := range faces {
			for _, e := range m.Faces[f] {
				in.FE = append(in.FE, uint16(eLocal[e]))
			}
		}
		in.GID[patch.Vertex] = toU32(verts)
		in.GID[patch.Edge] = toU32(edges)
		in.GID[patch.Face] = toU32(faces)
	}
	return inputs, nil
}

func fill(n, v int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func dedupe(ids []int) []int {
	slices.Sort(ids)
	return slices.Compact(ids)
}

// localOrder puts owned ids first, each group ascending.
func localOrder(ids []int, owner []int, p int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if owner[id] == p {
			out = append(out, id)
		}
	}
	for _, id := range ids {
		if owner[id] != p {
			out = append(out, id)
		}
	}
	return out
}

func countOwned(ids []int, owner []int, p int) int {
	n := 0
	for _, id := range ids {
		if owner[id] == p {
			n++
		}
	}
	return n
}

func indexOf(ids []int) map[int]int {
	m := make(map[int]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return m
}

func toU32(ids []int) []uint32 {
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}
