package tiler

import (
	"maps"
	"slices"
	"sort"
)

// EngineKind names an accelerator engine family.
type EngineKind int

const (
	EngineMatrix EngineKind = iota
	EngineVector
	EngineTranspose
)

func (k EngineKind) String() string {
	switch k {
	case EngineMatrix:
		return "matrix"
	case EngineVector:
		return "vector"
	case EngineTranspose:
		return "transpose"
	}
	return "unknown"
}

// Solution is the engine-specific part of a plan. Implementations are
// MatrixEngineData, VectorEngineData and TransposeData; the optimizer only
// depends on this interface.
type Solution interface {
	Kind() EngineKind
	Clone() Solution
	// Finalize freezes the solution once its plan has been committed.
	Finalize()
	Finalized() bool
}

// TileShape is a matrix-engine tile in elements.
type TileShape struct {
	M int `yaml:"m"`
	N int `yaml:"n"`
	K int `yaml:"k"`
}

// MatrixEngineData is the matrix-engine solution: the per-slice tile chosen
// for the bundle's dominant matrix op.
type MatrixEngineData struct {
	Op        OpID
	Tile      TileShape
	finalized bool
}

func (d *MatrixEngineData) Kind() EngineKind { return EngineMatrix }
func (d *MatrixEngineData) Finalize()        { d.finalized = true }
func (d *MatrixEngineData) Finalized() bool  { return d.finalized }
func (d *MatrixEngineData) Clone() Solution {
	cp := *d
	return &cp
}

// VectorEngineData is the vector-engine solution for bundles dominated by
// elementwise work.
type VectorEngineData struct {
	Ops       []OpID
	Lanes     int
	finalized bool
}

func (d *VectorEngineData) Kind() EngineKind { return EngineVector }
func (d *VectorEngineData) Finalize()        { d.finalized = true }
func (d *VectorEngineData) Finalized() bool  { return d.finalized }
func (d *VectorEngineData) Clone() Solution {
	cp := *d
	cp.Ops = slices.Clone(d.Ops)
	return &cp
}

// TransposeData is the solution for the transpose unit.
type TransposeData struct {
	Op        OpID
	BlockRows int
	BlockCols int
	finalized bool
}

func (d *TransposeData) Kind() EngineKind { return EngineTranspose }
func (d *TransposeData) Finalize()        { d.finalized = true }
func (d *TransposeData) Finalized() bool  { return d.finalized }
func (d *TransposeData) Clone() Solution {
	cp := *d
	return &cp
}

// OperandBandwidth is the off-chip traffic of one op split by operand class,
// in bytes per engine cycle.
type OperandBandwidth struct {
	LHS    float64
	RHS    float64
	Output float64
	Aux    float64
}

// OpQoR is the engine solver's quality-of-result estimate for one op.
type OpQoR struct {
	Utilization float64
	Bandwidth   OperandBandwidth
	// InflationBVD is the BVD whose inflation factor discounts the re-reads
	// of the operand not mapped to it; NoBVD when unset.
	InflationBVD BVDID
	// PerforationBVD is the BVD the op is split along across cores; NoBVD
	// when the op is not perforated.
	PerforationBVD BVDID
}

// BVDSlicing is a plan's choice for one BVD.
type BVDSlicing struct {
	NumSlices       int
	Sliced          bool
	InflationFactor int
	Common          bool
}

// SetNumSlices updates the slice count and the sliced flag together and keeps
// the inflation factor within the new slice count.
func (s *BVDSlicing) SetNumSlices(n int) {
	s.NumSlices = n
	s.Sliced = n > 1
	s.InflationFactor = max(1, min(s.InflationFactor, n))
}

// ExecutionPlan is one candidate tiling of a bundle ("strategy").
type ExecutionPlan struct {
	Index         int // stable ordering index, lower wins ties
	PipelineDepth int
	Slicing       []BVDSlicing
	QoR           map[OpID]*OpQoR
	Solution      Solution
}

// Clone returns an independent deep copy.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	cp := &ExecutionPlan{}
	cp.CopyFrom(p)
	return cp
}

// CopyFrom overwrites p with a deep copy of o, keeping p's identity.
func (p *ExecutionPlan) CopyFrom(o *ExecutionPlan) {
	p.Index = o.Index
	p.PipelineDepth = o.PipelineDepth
	p.Slicing = slices.Clone(o.Slicing)
	p.QoR = make(map[OpID]*OpQoR, len(o.QoR))
	for id, q := range o.QoR {
		cp := *q
		p.QoR[id] = &cp
	}
	p.Solution = nil
	if o.Solution != nil {
		p.Solution = o.Solution.Clone()
	}
}

// NumSlicesPerBVD returns the slice count of every BVD.
func (p *ExecutionPlan) NumSlicesPerBVD() NumSlicesPerBVD {
	ns := make(NumSlicesPerBVD, len(p.Slicing))
	for i, s := range p.Slicing {
		ns[i] = s.NumSlices
	}
	return ns
}

// NumPerforatedOps counts the ops with a perforation BVD.
func (p *ExecutionPlan) NumPerforatedOps() int {
	n := 0
	for _, q := range p.QoR {
		if q.PerforationBVD != NoBVD {
			n++
		}
	}
	return n
}

// SlicesCommonDim reports whether the plan slices any reduction BVD.
func (p *ExecutionPlan) SlicesCommonDim() bool {
	for _, s := range p.Slicing {
		if s.Common && s.Sliced {
			return true
		}
	}
	return false
}

// QoROps returns the ops with a QoR record in ascending ID order.
func (p *ExecutionPlan) QoROps() []OpID {
	ids := slices.Collect(maps.Keys(p.QoR))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
