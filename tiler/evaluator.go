package tiler

import (
	"slices"

	"github.com/samber/lo"
)

// BundleEvaluator judges one plan of one bundle. It is built once per
// (bundle, plan) pair and re-evaluates the plan as inflation mutates it.
type BundleEvaluator struct {
	cfg       *CompilationConfig
	bvds      *BVDContainer
	plan      *ExecutionPlan
	matrixOps []OpID
	// maxUtil is each matrix op's best utilization over all candidate plans
	// of the bundle; utilization is judged relative to it.
	maxUtil map[OpID]float64
}

// NewBundleEvaluator returns an evaluator for plan.
func NewBundleEvaluator(cfg *CompilationConfig, bvds *BVDContainer, plan *ExecutionPlan,
	matrixOps []OpID, maxUtil map[OpID]float64) *BundleEvaluator {
	return &BundleEvaluator{
		cfg:       cfg,
		bvds:      bvds,
		plan:      plan,
		matrixOps: slices.Clone(matrixOps),
		maxUtil:   maxUtil,
	}
}

// MaxUtilizationPerOp returns, for every op in ops, the highest utilization
// any of plans achieves for it.
func MaxUtilizationPerOp(plans []*ExecutionPlan, ops []OpID) map[OpID]float64 {
	best := make(map[OpID]float64, len(ops))
	for _, p := range plans {
		for _, op := range ops {
			if q, ok := p.QoR[op]; ok && q.Utilization > best[op] {
				best[op] = q.Utilization
			}
		}
	}
	return best
}

// Details returns the slicing-details accessor for the evaluated plan.
func (be *BundleEvaluator) Details() SlicingDetails {
	return NewSlicingDetails(be.bvds, be.plan, be.cfg.Hardware.NumCores)
}

// PreSlicingEvaluation judges the plan from QoR estimates only.
func (be *BundleEvaluator) PreSlicingEvaluation() Evaluation {
	ev := NewEvaluation(StagePreSlicing)
	d := be.Details()
	t := be.cfg.Thresholds

	total := d.TotalSliceCount()
	ev.NumSlices = Metric{Value: float64(total), Status: StatusValid, Offender: NoOp}
	switch {
	case total < t.MinSlices:
		ev.NumSlices.Status = StatusLow
	case total > t.MaxSlices:
		ev.NumSlices.Status = StatusHigh
	}

	if len(be.matrixOps) > 0 {
		ev.Utilization = be.evaluateUtilization(d)
		ev.Bandwidth = be.evaluateBandwidth(d)
	}
	ev.PerforationMultiplier, ev.PerforationUtilization = be.evaluatePerforation(d)
	return ev
}

// evaluateUtilization tracks the lowest utilization and stops at the first op
// whose utilization relative to its own ceiling is below the threshold.
func (be *BundleEvaluator) evaluateUtilization(d SlicingDetails) Metric {
	m := Metric{Value: 1, Status: StatusValid, Offender: NoOp}
	for i, op := range be.matrixOps {
		u := d.EngineUtilization(op)
		if i == 0 || u < m.Value {
			m.Value = u
		}
		ceiling := be.maxUtil[op]
		if ceiling <= 0 {
			ceiling = u
		}
		ratio := 1.0
		if ceiling > 0 {
			ratio = u / ceiling
		}
		if ratio < be.cfg.Thresholds.MinUtilizationRatio {
			m.Status = StatusLow
			m.Offender = op
			break
		}
	}
	return m
}

// evaluateBandwidth tracks the highest bandwidth and stops at the first op
// above the ceiling.
func (be *BundleEvaluator) evaluateBandwidth(d SlicingDetails) Metric {
	m := Metric{Status: StatusValid, Offender: NoOp}
	for _, op := range be.matrixOps {
		bw := d.EngineBandwidth(op)
		m.Value = max(m.Value, bw)
		if bw > be.cfg.Thresholds.MaxBandwidth {
			m.Status = StatusHigh
			m.Offender = op
			break
		}
	}
	return m
}

// evaluatePerforation judges every perforated op. Both metrics stay
// unevaluated when the plan perforates nothing.
func (be *BundleEvaluator) evaluatePerforation(d SlicingDetails) (mult, util Metric) {
	mult, util = unevaluated(), unevaluated()
	perforated := lo.Filter(be.plan.QoROps(), func(op OpID, _ int) bool {
		return be.plan.QoR[op].PerforationBVD != NoBVD
	})
	if len(perforated) == 0 {
		return mult, util
	}
	cores := be.cfg.Hardware.NumCores

	mult = Metric{Status: StatusValid, Offender: NoOp}
	for i, op := range perforated {
		m, _ := d.PerforationMultiplier(op)
		if i == 0 || float64(m) < mult.Value {
			mult.Value = float64(m)
		}
		if m%cores != 0 {
			mult.Value = float64(m)
			mult.Status = StatusLow
			mult.Offender = op
			break
		}
	}

	util = Metric{Value: 1, Status: StatusValid, Offender: NoOp}
	for _, op := range perforated {
		u, _ := d.PerforationUtilization(op)
		util.Value = min(util.Value, u)
		if u < be.cfg.Thresholds.PerforationUtilization {
			util.Status = StatusLow
			util.Offender = op
			break
		}
	}
	return mult, util
}

// PostSlicingEvaluation re-judges the plan after a physical dry-run slice:
// it is the pre-slicing evaluation with the cache usage measured on sp.
func (be *BundleEvaluator) PostSlicingEvaluation(sp *SlicedProgram) Evaluation {
	ev := be.PreSlicingEvaluation()
	ev.Stage = StagePostSlicing
	ev.CacheUsage = Metric{Value: float64(sp.PeakCacheUsage), Status: StatusValid, Offender: NoOp}
	if sp.PeakCacheUsage >= be.cfg.Hardware.CacheCapacity {
		ev.CacheUsage.Status = StatusHigh
	}
	return ev
}
