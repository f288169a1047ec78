package slicer

import (
	"slices"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// InflateStrategy applies one corrective mutation to plan in place and
// refreshes its QoR. It returns false, with plan unchanged, when the action
// has nothing left to coarsen or every option would overflow the cache.
func (s *Slicer) InflateStrategy(kind tiler.InflationKind, b *tiler.BundleView, plan *tiler.ExecutionPlan, target tiler.OpID) bool {
	trial := plan.Clone()
	var ok bool
	switch kind {
	case tiler.InflateUtilization:
		ok = s.inflateUtilization(b, trial, target)
	case tiler.InflateBandwidth:
		ok = s.inflateBandwidth(b, trial, target)
	case tiler.InflatePerforation:
		ok = s.inflatePerforation(b, trial, target)
	case tiler.InflateNumSlices:
		ok = s.inflateNumSlices(b, trial)
	}
	if !ok {
		return false
	}
	plan.CopyFrom(trial)
	return true
}

// accept refreshes a mutated trial plan and accepts it only if it fits.
func (s *Slicer) accept(b *tiler.BundleView, plan *tiler.ExecutionPlan) bool {
	syncSolution(b, plan)
	s.est.Refresh(b, plan)
	return s.est.Fits(b, plan)
}

// bvdsBySlices returns ids ordered by descending slice count, reduction BVDs
// first on ties, then ascending ID.
func bvdsBySlices(plan *tiler.ExecutionPlan, ids []tiler.BVDID) []tiler.BVDID {
	out := slices.Clone(ids)
	slices.SortStableFunc(out, func(a, c tiler.BVDID) int {
		sa, sc := plan.Slicing[a], plan.Slicing[c]
		if sa.NumSlices != sc.NumSlices {
			return sc.NumSlices - sa.NumSlices
		}
		if sa.Common != sc.Common {
			if sa.Common {
				return -1
			}
			return 1
		}
		return int(a) - int(c)
	})
	return out
}

func allBVDs(plan *tiler.ExecutionPlan) []tiler.BVDID {
	ids := make([]tiler.BVDID, len(plan.Slicing))
	for i := range ids {
		ids[i] = tiler.BVDID(i)
	}
	return ids
}

// inflateUtilization halves one of the target's sliced BVDs, most sliced
// first, keeping the first change that strictly raises its utilization.
func (s *Slicer) inflateUtilization(b *tiler.BundleView, plan *tiler.ExecutionPlan, target tiler.OpID) bool {
	q, ok := plan.QoR[target]
	if !ok {
		return false
	}
	before := q.Utilization
	for _, id := range bvdsBySlices(plan, b.BVDs.OpBVDs(target)) {
		if plan.Slicing[id].NumSlices <= 1 {
			continue
		}
		trial := plan.Clone()
		trial.Slicing[id].SetNumSlices(plan.Slicing[id].NumSlices / 2)
		if s.accept(b, trial) && trial.QoR[target].Utilization > before {
			plan.CopyFrom(trial)
			return true
		}
	}
	return false
}

// inflateBandwidth doubles the inflation factor of the BVD that lets the
// target's heavier input be re-read less often: the row BVD for a heavy rhs,
// the column BVD for a heavy lhs. An op keeps the BVD it was first given.
func (s *Slicer) inflateBandwidth(b *tiler.BundleView, plan *tiler.ExecutionPlan, target tiler.OpID) bool {
	q, ok := plan.QoR[target]
	if !ok {
		return false
	}
	op, ok := b.Program.Op(target)
	if !ok || op.Kind != tiler.OpMatMul {
		return false
	}
	out := b.BVDs.OutputBVDs(target)
	rows, cols := out[0], out[1]
	order := []tiler.BVDID{rows, cols}
	if q.Bandwidth.LHS > q.Bandwidth.RHS {
		order = []tiler.BVDID{cols, rows}
	}
	if q.InflationBVD != tiler.NoBVD {
		order = []tiler.BVDID{q.InflationBVD}
	}
	for _, id := range order {
		sl := plan.Slicing[id]
		f := max(1, sl.InflationFactor) * 2
		if f > sl.NumSlices {
			continue
		}
		trial := plan.Clone()
		trial.Slicing[id].InflationFactor = f
		trial.QoR[target].InflationBVD = id
		if s.accept(b, trial) {
			plan.CopyFrom(trial)
			return true
		}
	}
	return false
}

// inflatePerforation fixes the core split of target, or of every unevenly
// split op when target is NoOp.
func (s *Slicer) inflatePerforation(b *tiler.BundleView, plan *tiler.ExecutionPlan, target tiler.OpID) bool {
	if target != tiler.NoOp {
		return s.fixPerforation(b, plan, target)
	}
	changed := false
	for _, op := range plan.QoROps() {
		if plan.QoR[op].PerforationBVD == tiler.NoBVD {
			continue
		}
		if u, _ := s.details(b, plan).PerforationUtilization(op); u < 1 && s.fixPerforation(b, plan, op) {
			changed = true
		}
	}
	return changed
}

func (s *Slicer) details(b *tiler.BundleView, plan *tiler.ExecutionPlan) tiler.SlicingDetails {
	return tiler.NewSlicingDetails(b.BVDs, plan, s.cfg.Hardware.NumCores)
}

// fixPerforation tries, in order: rounding the perforation BVD's slice count
// down to a multiple of the core count, moving perforation to a BVD with a
// better split, and unslicing the perforation BVD.
func (s *Slicer) fixPerforation(b *tiler.BundleView, plan *tiler.ExecutionPlan, op tiler.OpID) bool {
	q, ok := plan.QoR[op]
	if !ok || q.PerforationBVD == tiler.NoBVD {
		return false
	}
	cores := s.cfg.Hardware.NumCores
	pb := q.PerforationBVD
	current, _ := s.details(b, plan).PerforationUtilization(op)

	if n := plan.Slicing[pb].NumSlices; plan.Slicing[pb].Sliced && n > cores && n%cores != 0 {
		trial := plan.Clone()
		trial.Slicing[pb].SetNumSlices(n / cores * cores)
		if s.accept(b, trial) {
			plan.CopyFrom(trial)
			return true
		}
	}

	if best := bestPerforationBVD(b, plan, op, cores); best != pb && best != tiler.NoBVD &&
		tiler.PerforationUtilization(multiplierOf(b, plan, best), cores) > current {
		plan.QoR[op].PerforationBVD = best
		return true
	}

	if plan.Slicing[pb].Sliced && tiler.PerforationUtilization(b.BVDs.Resolution(pb), cores) > current {
		trial := plan.Clone()
		trial.Slicing[pb].SetNumSlices(1)
		if s.accept(b, trial) {
			plan.CopyFrom(trial)
			return true
		}
	}
	return false
}

// inflateNumSlices halves the most-sliced BVD that can be halved without
// overflowing the cache.
func (s *Slicer) inflateNumSlices(b *tiler.BundleView, plan *tiler.ExecutionPlan) bool {
	for _, id := range bvdsBySlices(plan, allBVDs(plan)) {
		n := plan.Slicing[id].NumSlices
		if n <= 1 {
			break
		}
		trial := plan.Clone()
		trial.Slicing[id].SetNumSlices(n / 2)
		if s.accept(b, trial) {
			plan.CopyFrom(trial)
			return true
		}
	}
	return false
}
