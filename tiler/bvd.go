package tiler

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// MaxBVDs bounds the number of bundle view dimensions. It equals the maximum
// tensor rank the accelerator supports.
const MaxBVDs = 6

// BVDID indexes a BVD inside its bundle's BVDContainer.
type BVDID int

// NoBVD marks an absent BVD reference (unmapped dim, no designation).
const NoBVD BVDID = -1

// BVD is an abstract slicing axis shared by a subset of a bundle's tensors.
type BVD struct {
	ID         BVDID
	Name       string
	Resolution int  // full extent of the axis
	Common     bool // reduction axis of some matrix-engine op
}

// BVDContainer holds the BVDs of one bundle together with the mapping from
// every tensor dimension and operand to its BVDs.
type BVDContainer struct {
	bvds       []BVD
	tensorDims map[TensorID][]BVDID
	operands   map[OpID][][]BVDID
	outputs    map[OpID][]BVDID
}

// Len returns the number of BVDs.
func (c *BVDContainer) Len() int { return len(c.bvds) }

// BVD returns the BVD with the given ID.
func (c *BVDContainer) BVD(id BVDID) BVD { return c.bvds[id] }

// All returns a copy of all BVDs in ID order.
func (c *BVDContainer) All() []BVD { return slices.Clone(c.bvds) }

// Resolution returns the full extent of a BVD.
func (c *BVDContainer) Resolution(id BVDID) int { return c.bvds[id].Resolution }

// TensorBVDs returns the BVD of each dimension of t. Unknown tensors map to nil.
func (c *BVDContainer) TensorBVDs(t TensorID) []BVDID { return c.tensorDims[t] }

// OperandBVDs returns the BVDs of the i-th input operand of op.
func (c *BVDContainer) OperandBVDs(op OpID, i int) []BVDID {
	ops := c.operands[op]
	if i < 0 || i >= len(ops) {
		return nil
	}
	return ops[i]
}

// OutputBVDs returns the BVDs of the first output of op.
func (c *BVDContainer) OutputBVDs(op OpID) []BVDID { return c.outputs[op] }

// OperandMaps reports whether the i-th input operand of op has a dimension on bvd.
func (c *BVDContainer) OperandMaps(op OpID, i int, bvd BVDID) bool {
	return slices.Contains(c.OperandBVDs(op, i), bvd)
}

// OpBVDs returns every BVD touched by op, in ascending order.
func (c *BVDContainer) OpBVDs(op OpID) []BVDID {
	var all []BVDID
	for _, operand := range c.operands[op] {
		all = append(all, operand...)
	}
	all = append(all, c.outputs[op]...)
	all = lo.Uniq(all)
	slices.Sort(all)
	return all
}

// dimKey identifies one dimension of one tensor during BVD discovery.
type dimKey struct {
	tensor TensorID
	dim    int
}

type unionFind struct {
	parent map[dimKey]dimKey
}

func (u *unionFind) find(k dimKey) dimKey {
	p, ok := u.parent[k]
	if !ok {
		u.parent[k] = k
		return k
	}
	if p == k {
		return k
	}
	root := u.find(p)
	u.parent[k] = root
	return root
}

func (u *unionFind) union(a, b dimKey) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Lower key wins so discovery order is deterministic.
	if rb.tensor < ra.tensor || (rb.tensor == ra.tensor && rb.dim < ra.dim) {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// BuildBVDContainer derives the BVDs of the bundle formed by ops. Dimensions
// tied together by an operation share a BVD: a matrix op ties lhs rows to
// output rows, rhs columns to output columns and lhs columns to rhs rows (the
// common axis); elementwise ops tie every operand positionally to the output;
// transposes tie the swapped dims of a rank-2 tensor.
func BuildBVDContainer(p *Program, ops []OpID) (*BVDContainer, error) {
	uf := &unionFind{parent: make(map[dimKey]dimKey)}
	var common []dimKey
	var order []dimKey
	seen := make(map[dimKey]bool)
	touch := func(t TensorID, rank int) {
		for d := 0; d < rank; d++ {
			k := dimKey{t, d}
			uf.find(k)
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
	}

	for _, id := range ops {
		op, ok := p.Op(id)
		if !ok {
			return nil, fmt.Errorf("bundle references unknown operation %d", id)
		}
		shapes := make(map[TensorID][]int)
		for _, t := range append(slices.Clone(op.Inputs), op.Outputs...) {
			tensor, ok := p.Tensor(t)
			if !ok {
				return nil, fmt.Errorf("operation %s references unknown tensor %d", op.Name, t)
			}
			shapes[t] = tensor.Shape
			touch(t, len(tensor.Shape))
		}
		out := op.Outputs[0]
		switch op.Kind {
		case OpMatMul:
			if len(op.Inputs) < 2 {
				return nil, fmt.Errorf("matmul %s needs two inputs, has %d", op.Name, len(op.Inputs))
			}
			lhs, rhs := op.Inputs[0], op.Inputs[1]
			if len(shapes[lhs]) != 2 || len(shapes[rhs]) != 2 || len(shapes[out]) != 2 {
				return nil, fmt.Errorf("matmul %s: only rank-2 operands are supported", op.Name)
			}
			uf.union(dimKey{lhs, 0}, dimKey{out, 0})
			uf.union(dimKey{rhs, 1}, dimKey{out, 1})
			uf.union(dimKey{lhs, 1}, dimKey{rhs, 0})
			common = append(common, dimKey{lhs, 1})
		case OpElementwise, OpReduceAggregate:
			for _, in := range op.Inputs {
				if len(shapes[in]) != len(shapes[out]) {
					return nil, fmt.Errorf("elementwise %s: operand rank %d differs from output rank %d",
						op.Name, len(shapes[in]), len(shapes[out]))
				}
				for d := range shapes[in] {
					uf.union(dimKey{in, d}, dimKey{out, d})
				}
			}
		case OpTranspose:
			if len(op.Inputs) != 1 || len(shapes[op.Inputs[0]]) != 2 || len(shapes[out]) != 2 {
				return nil, fmt.Errorf("transpose %s: only rank-2 single-input transposes are supported", op.Name)
			}
			in := op.Inputs[0]
			uf.union(dimKey{in, 0}, dimKey{out, 1})
			uf.union(dimKey{in, 1}, dimKey{out, 0})
		default:
			return nil, fmt.Errorf("operation %s has unsupported kind %s", op.Name, op.Kind)
		}
	}

	c := &BVDContainer{
		tensorDims: make(map[TensorID][]BVDID),
		operands:   make(map[OpID][][]BVDID),
		outputs:    make(map[OpID][]BVDID),
	}
	rootIDs := make(map[dimKey]BVDID)
	for _, k := range order {
		root := uf.find(k)
		extent := mustShape(p, k.tensor)[k.dim]
		id, ok := rootIDs[root]
		if !ok {
			if len(c.bvds) == MaxBVDs {
				return nil, fmt.Errorf("bundle needs more than %d view dimensions", MaxBVDs)
			}
			id = BVDID(len(c.bvds))
			rootIDs[root] = id
			c.bvds = append(c.bvds, BVD{ID: id, Name: fmt.Sprintf("bvd%d", id), Resolution: extent})
		} else if c.bvds[id].Resolution != extent {
			return nil, fmt.Errorf("tensor %d dim %d has extent %d but its view dimension %s has %d",
				k.tensor, k.dim, extent, c.bvds[id].Name, c.bvds[id].Resolution)
		}
	}
	for _, k := range common {
		c.bvds[rootIDs[uf.find(k)]].Common = true
	}
	for _, k := range order {
		dims := c.tensorDims[k.tensor]
		for len(dims) <= k.dim {
			dims = append(dims, NoBVD)
		}
		dims[k.dim] = rootIDs[uf.find(k)]
		c.tensorDims[k.tensor] = dims
	}
	for _, id := range ops {
		op, _ := p.Op(id)
		for _, in := range op.Inputs {
			c.operands[id] = append(c.operands[id], c.tensorDims[in])
		}
		c.outputs[id] = c.tensorDims[op.Outputs[0]]
	}
	return c, nil
}

func mustShape(p *Program, t TensorID) []int {
	tensor, _ := p.Tensor(t)
	return tensor.Shape
}

// BVDCoord is a per-BVD slice index vector. It is comparable and usable as a
// map key.
type BVDCoord struct {
	n   uint8
	idx [MaxBVDs]uint32
}

// NewBVDCoord returns the origin coordinate of an n-BVD bundle.
func NewBVDCoord(n int) BVDCoord {
	if n < 0 || n > MaxBVDs {
		fatalf("coordinate length %d outside [0, %d]", n, MaxBVDs)
	}
	return BVDCoord{n: uint8(n)}
}

// Len returns the number of BVDs the coordinate spans.
func (c BVDCoord) Len() int { return int(c.n) }

// At returns the slice index along bvd.
func (c BVDCoord) At(bvd BVDID) uint32 { return c.idx[bvd] }

// With returns a copy of c with the index along bvd set to v.
func (c BVDCoord) With(bvd BVDID, v uint32) BVDCoord {
	c.idx[bvd] = v
	return c
}

// Project keeps the indices of the listed BVDs and zeroes every other entry,
// mapping a bundle coordinate onto the coordinate space of one tensor or op.
func (c BVDCoord) Project(keep []BVDID) BVDCoord {
	out := BVDCoord{n: c.n}
	for _, b := range keep {
		if b != NoBVD {
			out.idx[b] = c.idx[b]
		}
	}
	return out
}

func (c BVDCoord) String() string {
	parts := make([]string, c.n)
	for i := range parts {
		parts[i] = fmt.Sprint(c.idx[i])
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// NumSlicesPerBVD holds the chosen slice count of every BVD.
type NumSlicesPerBVD []int

// Total returns the product of all slice counts. A zero or negative entry and
// an overflowing product are configuration errors.
func (ns NumSlicesPerBVD) Total() int {
	total := uint64(1)
	for i, n := range ns {
		if n <= 0 {
			fatalf("view dimension %d reports %d slices", i, n)
		}
		hi, prod := bits.Mul64(total, uint64(n))
		if hi != 0 || prod > math.MaxInt {
			fatalf("total slice count overflows at view dimension %d", i)
		}
		total = prod
	}
	return int(total)
}

// Coords returns every coordinate of the slice space restricted to the BVDs
// in keep, in row-major order. BVDs outside keep stay at index 0.
func (ns NumSlicesPerBVD) Coords(keep []BVDID) []BVDCoord {
	active := make([]bool, len(ns))
	for _, b := range keep {
		if b != NoBVD {
			active[b] = true
		}
	}
	c := NewBVDCoord(len(ns))
	out := []BVDCoord{c}
	for {
		i := len(ns) - 1
		for ; i >= 0; i-- {
			if !active[i] {
				continue
			}
			if int(c.idx[i])+1 < ns[i] {
				c.idx[i]++
				break
			}
			c.idx[i] = 0
		}
		if i < 0 {
			return out
		}
		out = append(out, c)
	}
}

// SliceExtent returns the extent of slice index along a BVD of the given
// resolution split into n slices. The last slice may be shorter; a plan whose
// last slice would be empty yields 0.
func SliceExtent(resolution, n int, index uint32) int {
	chunk := (resolution + n - 1) / n
	start := int(index) * chunk
	return max(0, min(chunk, resolution-start))
}
