package slicer

import (
	"math"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// Estimator computes per-op quality-of-result estimates with a roofline-style
// model of the accelerator: a slice runs for its padded compute time plus a
// fixed per-slice overhead, and moves its operands between off-chip memory
// and the cache once per slice that needs them.
type Estimator struct {
	hw tiler.HardwareConfig
}

// NewEstimator returns an estimator for the given hardware.
func NewEstimator(hw tiler.HardwareConfig) *Estimator {
	return &Estimator{hw: hw}
}

func roundUp(x, to int) int {
	if to <= 0 {
		return x
	}
	return (x + to - 1) / to * to
}

// sliceExtents returns the extent of the first (largest) slice of every
// dimension mapped to bvds.
func sliceExtents(b *tiler.BundleView, ns tiler.NumSlicesPerBVD, bvds []tiler.BVDID) []int {
	out := make([]int, len(bvds))
	for i, id := range bvds {
		out[i] = tiler.SliceExtent(b.BVDs.Resolution(id), ns[id], 0)
	}
	return out
}

// sliceBytes is the size of the largest slice of tensor t under ns.
func sliceBytes(b *tiler.BundleView, ns tiler.NumSlicesPerBVD, t tiler.TensorID) int64 {
	tensor, ok := b.Program.Tensor(t)
	if !ok {
		return 0
	}
	n := int64(tensor.ElemBytes)
	for _, e := range sliceExtents(b, ns, b.BVDs.TensorBVDs(t)) {
		n *= int64(e)
	}
	return n
}

func tensorBytes(b *tiler.BundleView, t tiler.TensorID) int64 {
	if tensor, ok := b.Program.Tensor(t); ok {
		return tensor.Bytes()
	}
	return 0
}

// Refresh recomputes the QoR record of every member op under plan. The
// inflation and perforation designations of existing records are kept;
// new records get the best available perforation BVD.
func (e *Estimator) Refresh(b *tiler.BundleView, plan *tiler.ExecutionPlan) {
	if plan.QoR == nil {
		plan.QoR = make(map[tiler.OpID]*tiler.OpQoR, len(b.Ops))
	}
	for _, id := range b.Ops {
		op, ok := b.Program.Op(id)
		if !ok {
			continue
		}
		var q tiler.OpQoR
		if op.Kind == tiler.OpMatMul {
			q = e.matrixQoR(b, plan, op)
		} else {
			q = e.vectorQoR(b, plan, op)
		}
		if prev, ok := plan.QoR[id]; ok {
			q.InflationBVD = prev.InflationBVD
			q.PerforationBVD = prev.PerforationBVD
		} else {
			q.InflationBVD = tiler.NoBVD
			q.PerforationBVD = bestPerforationBVD(b, plan, id, e.hw.NumCores)
		}
		plan.QoR[id] = &q
	}
}

// matrixQoR models one slice of lhs[M,K] x rhs[K,N]. Utilization is the
// unpadded compute time over padded compute plus overhead. Each lhs slice is
// re-read once per column slice, each rhs slice once per row slice, and a
// sliced reduction writes and re-reads partial outputs.
func (e *Estimator) matrixQoR(b *tiler.BundleView, plan *tiler.ExecutionPlan, op *tiler.Operation) tiler.OpQoR {
	ns := plan.NumSlicesPerBVD()
	out := b.BVDs.OutputBVDs(op.ID)
	lhs := b.BVDs.OperandBVDs(op.ID, 0)
	mB, nB, kB := out[0], out[1], lhs[1]
	m := tiler.SliceExtent(b.BVDs.Resolution(mB), ns[mB], 0)
	n := tiler.SliceExtent(b.BVDs.Resolution(nB), ns[nB], 0)
	k := tiler.SliceExtent(b.BVDs.Resolution(kB), ns[kB], 0)

	tile := e.hw.MatrixTile
	ideal := float64(m) * float64(n) * float64(k) / e.hw.PeakMacsPerCycle
	padded := float64(roundUp(m, tile.M)) * float64(roundUp(n, tile.N)) * float64(roundUp(k, tile.K)) /
		e.hw.PeakMacsPerCycle
	cycles := padded + e.hw.SliceOverheadCycles
	total := cycles * float64(ns[mB]*ns[nB]*ns[kB])
	if total <= 0 {
		return tiler.OpQoR{}
	}

	return tiler.OpQoR{
		Utilization: ideal / cycles,
		Bandwidth: tiler.OperandBandwidth{
			LHS:    float64(tensorBytes(b, op.Inputs[0])*int64(ns[nB])) / total,
			RHS:    float64(tensorBytes(b, op.Inputs[1])*int64(ns[mB])) / total,
			Output: float64(tensorBytes(b, op.Outputs[0])*int64(2*ns[kB]-1)) / total,
		},
	}
}

// vectorQoR models elementwise and transpose ops: utilization is the lane
// occupancy of the innermost slice dimension.
func (e *Estimator) vectorQoR(b *tiler.BundleView, plan *tiler.ExecutionPlan, op *tiler.Operation) tiler.OpQoR {
	ns := plan.NumSlicesPerBVD()
	ext := sliceExtents(b, ns, b.BVDs.OutputBVDs(op.ID))
	if len(ext) == 0 {
		return tiler.OpQoR{}
	}
	inner := ext[len(ext)-1]
	lanes := max(1, e.hw.VectorLanes)
	elems := 1
	for _, x := range ext {
		elems *= x
	}
	if inner == 0 || elems == 0 {
		return tiler.OpQoR{}
	}
	util := float64(inner) / float64(roundUp(inner, lanes))
	cycles := float64(elems/inner*roundUp(inner, lanes))/float64(lanes) + e.hw.SliceOverheadCycles
	total := cycles * float64(ns.Total())

	var in int64
	for _, t := range op.Inputs {
		in += tensorBytes(b, t)
	}
	bw := tiler.OperandBandwidth{Output: float64(tensorBytes(b, op.Outputs[0])) / total}
	if len(op.Inputs) > 0 {
		bw.LHS = float64(tensorBytes(b, op.Inputs[0])) / total
	}
	if len(op.Inputs) > 1 {
		bw.RHS = float64(in-tensorBytes(b, op.Inputs[0])) / total
	}
	return tiler.OpQoR{Utilization: util, Bandwidth: bw}
}

// perforationCandidates returns the output BVDs op may be split along across
// cores: every mapped, non-reduction BVD.
func perforationCandidates(b *tiler.BundleView, op tiler.OpID) []tiler.BVDID {
	var out []tiler.BVDID
	for _, id := range b.BVDs.OutputBVDs(op) {
		if id != tiler.NoBVD && !b.BVDs.BVD(id).Common {
			out = append(out, id)
		}
	}
	return out
}

// multiplierOf mirrors SlicingDetails.PerforationMultiplier for a candidate
// BVD that is not yet designated.
func multiplierOf(b *tiler.BundleView, plan *tiler.ExecutionPlan, id tiler.BVDID) int {
	if s := plan.Slicing[id]; s.Sliced {
		return s.NumSlices
	}
	return b.BVDs.Resolution(id)
}

// bestPerforationBVD picks the candidate with the best core split, then the
// largest multiplier, then the lowest ID.
func bestPerforationBVD(b *tiler.BundleView, plan *tiler.ExecutionPlan, op tiler.OpID, cores int) tiler.BVDID {
	best, bestUtil, bestMult := tiler.NoBVD, -1.0, 0
	for _, id := range perforationCandidates(b, op) {
		m := multiplierOf(b, plan, id)
		u := tiler.PerforationUtilization(m, cores)
		if u > bestUtil || (u == bestUtil && m > bestMult) {
			best, bestUtil, bestMult = id, u, m
		}
	}
	return best
}

// WorkingSet estimates the on-chip bytes the plan needs: the largest slice of
// every tensor the bundle touches, with operands held resident by a bandwidth
// inflation counted once per resident slice, for every in-flight pipeline
// stage.
func (e *Estimator) WorkingSet(b *tiler.BundleView, plan *tiler.ExecutionPlan) int64 {
	ns := plan.NumSlicesPerBVD()
	resident := make(map[tiler.TensorID]int)
	var tensors []tiler.TensorID
	seen := make(map[tiler.TensorID]bool)
	for _, id := range b.Ops {
		op, ok := b.Program.Op(id)
		if !ok {
			continue
		}
		for _, t := range append(append([]tiler.TensorID{}, op.Inputs...), op.Outputs...) {
			if !seen[t] {
				seen[t] = true
				tensors = append(tensors, t)
			}
		}
		q, ok := plan.QoR[id]
		if !ok || q.InflationBVD == tiler.NoBVD {
			continue
		}
		f := plan.Slicing[q.InflationBVD].InflationFactor
		for i, t := range op.Inputs {
			if b.BVDs.OperandMaps(id, i, q.InflationBVD) {
				resident[t] = max(resident[t], f)
			}
		}
	}

	var total int64
	for _, t := range tensors {
		total += sliceBytes(b, ns, t) * int64(max(1, resident[t]))
	}
	depth := int64(max(1, plan.PipelineDepth))
	if total > math.MaxInt64/depth {
		return math.MaxInt64
	}
	return total * depth
}

// Fits reports whether the plan's estimated working set stays strictly below
// the cache capacity.
func (e *Estimator) Fits(b *tiler.BundleView, plan *tiler.ExecutionPlan) bool {
	return e.WorkingSet(b, plan) < e.hw.CacheCapacity
}
