package tiler

// SlicingDetails derives engine-facing metrics from a plan and its bundle's
// BVDs. Every method is a pure function of the two; nothing is cached.
type SlicingDetails struct {
	bvds     *BVDContainer
	plan     *ExecutionPlan
	numCores int
}

// NewSlicingDetails returns the accessor for plan over bvds. numCores is the
// number of replicated cores work is perforated across.
func NewSlicingDetails(bvds *BVDContainer, plan *ExecutionPlan, numCores int) SlicingDetails {
	return SlicingDetails{bvds: bvds, plan: plan, numCores: numCores}
}

// TotalSliceCount returns the product of the per-BVD slice counts.
func (d SlicingDetails) TotalSliceCount() int {
	return d.plan.NumSlicesPerBVD().Total()
}

func (d SlicingDetails) qor(op OpID) *OpQoR {
	q, ok := d.plan.QoR[op]
	if !ok {
		fatalf("plan %d has no QoR record for op %d", d.plan.Index, op)
	}
	return q
}

// EngineUtilization returns the engine utilization estimate of op.
func (d SlicingDetails) EngineUtilization(op OpID) float64 {
	return d.qor(op).Utilization
}

// EngineBandwidth returns the off-chip bandwidth of op. With a bandwidth
// inflation BVD designated, the input operand mapped to that BVD keeps its
// full bandwidth and the other input operand is divided by the BVD's
// inflation factor, since it is re-read that many times less often.
func (d SlicingDetails) EngineBandwidth(op OpID) float64 {
	q := d.qor(op)
	bw := q.Bandwidth
	if q.InflationBVD == NoBVD {
		return bw.LHS + bw.RHS + bw.Output + bw.Aux
	}
	factor := float64(max(1, d.plan.Slicing[q.InflationBVD].InflationFactor))
	lhsMaps := d.bvds.OperandMaps(op, 0, q.InflationBVD)
	rhsMaps := d.bvds.OperandMaps(op, 1, q.InflationBVD)
	lhs, rhs := bw.LHS, bw.RHS
	switch {
	case lhsMaps && !rhsMaps:
		rhs /= factor
	case rhsMaps && !lhsMaps:
		lhs /= factor
	}
	return lhs + rhs + bw.Output + bw.Aux
}

// PerforationMultiplier returns how many ways op is split across cores along
// its perforation BVD: the BVD's slice count when sliced, or its full
// resolution when not. ok is false when op is not perforated.
func (d SlicingDetails) PerforationMultiplier(op OpID) (int, bool) {
	q := d.qor(op)
	if q.PerforationBVD == NoBVD {
		return 0, false
	}
	s := d.plan.Slicing[q.PerforationBVD]
	if s.Sliced {
		return s.NumSlices, true
	}
	return d.bvds.Resolution(q.PerforationBVD), true
}

// PerforationUtilization returns the multiplier divided by the multiplier
// rounded up to a multiple of the core count. 1.0 means an even split.
func (d SlicingDetails) PerforationUtilization(op OpID) (float64, bool) {
	m, ok := d.PerforationMultiplier(op)
	if !ok {
		return 0, false
	}
	return PerforationUtilization(m, d.numCores), true
}

// PerforationUtilization is multiplier / roundUp(multiplier, numCores).
func PerforationUtilization(multiplier, numCores int) float64 {
	if multiplier <= 0 || numCores <= 0 {
		return 0
	}
	rounded := (multiplier + numCores - 1) / numCores * numCores
	return float64(multiplier) / float64(rounded)
}
