package tiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/bundle-tiler/tiler/trace"
)

func metric(s Status, offender OpID) Metric { return Metric{Status: s, Offender: offender} }

func TestChooseInflation_Priority(t *testing.T) {
	valid := metric(StatusValid, NoOp)
	tests := []struct {
		name    string
		mode    PerforationMode
		mutate  func(e *Evaluation)
		abandon bool
		kind    InflationKind
		target  OpID
	}{
		{
			name: "too few slices abandons before anything else",
			mode: PerforationByUtilization,
			mutate: func(e *Evaluation) {
				e.NumSlices = metric(StatusLow, NoOp)
				e.Utilization = metric(StatusLow, 3)
			},
			abandon: true,
		},
		{
			name: "utilization before bandwidth",
			mode: PerforationByUtilization,
			mutate: func(e *Evaluation) {
				e.Utilization = metric(StatusLow, 3)
				e.Bandwidth = metric(StatusHigh, 4)
			},
			kind:   InflateUtilization,
			target: 3,
		},
		{
			name: "bandwidth before perforation",
			mode: PerforationByUtilization,
			mutate: func(e *Evaluation) {
				e.Bandwidth = metric(StatusHigh, 4)
				e.PerforationUtilization = metric(StatusLow, 5)
			},
			kind:   InflateBandwidth,
			target: 4,
		},
		{
			name: "perforation before too many slices",
			mode: PerforationByUtilization,
			mutate: func(e *Evaluation) {
				e.NumSlices = metric(StatusHigh, NoOp)
				e.PerforationUtilization = metric(StatusLow, 5)
			},
			kind:   InflatePerforation,
			target: 5,
		},
		{
			name: "inactive perforation metric is ignored",
			mode: PerforationByUtilization,
			mutate: func(e *Evaluation) {
				e.NumSlices = metric(StatusHigh, NoOp)
				e.PerforationMultiplier = metric(StatusLow, 5)
			},
			kind:   InflateNumSlices,
			target: NoOp,
		},
		{
			name: "multiplier mode reads the multiplier",
			mode: PerforationByMultiplier,
			mutate: func(e *Evaluation) {
				e.PerforationMultiplier = metric(StatusLow, 6)
			},
			kind:   InflatePerforation,
			target: 6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN an otherwise valid evaluation
			ev := NewEvaluation(StagePreSlicing)
			ev.NumSlices, ev.Utilization, ev.Bandwidth = valid, valid, valid
			tt.mutate(&ev)

			// WHEN an action is chosen
			step := chooseInflation(ev, tt.mode)

			// THEN it matches the priority order
			assert.Equal(t, tt.abandon, step.abandon)
			if !tt.abandon {
				assert.Equal(t, tt.kind, step.kind)
				assert.Equal(t, tt.target, step.target)
			}
		})
	}
}

func TestChooseInflation_NoExplainingMetric_IsInternalError(t *testing.T) {
	// GIVEN an evaluation that is invalid only because utilization was never evaluated
	ev := NewEvaluation(StagePreSlicing)
	ev.NumSlices = metric(StatusValid, NoOp)
	ev.Bandwidth = metric(StatusValid, NoOp)

	// WHEN an action is chosen THEN the discrepancy is fatal
	ie := requireInternalError(t, func() { chooseInflation(ev, PerforationByUtilization) })
	assert.Contains(t, ie.Msg, "evaluation discrepancy")
}

// inflationFixture is a runner, a plan and its inflation state over the gemm bundle.
type inflationFixture struct {
	g    *gemmProgram
	f    *fakeTools
	r    *Runner
	plan *ExecutionPlan
	pr   *planRun
}

func newInflationFixture(t *testing.T, counts []int, mm *OpQoR, opts ...Option) *inflationFixture {
	t.Helper()
	fx := &inflationFixture{g: newGEMMProgram(t), f: &fakeTools{}}
	fx.r = newTestRunner(t, fx.g, testConfig(), fx.f, opts...)
	v := fx.g.view(t, 0)
	fx.plan = newPlan(v.BVDs, 0, counts, map[OpID]*OpQoR{fx.g.mm: mm})
	fx.pr = newPlanRun(fx.r, v, fx.plan, []OpID{fx.g.mm}, map[OpID]float64{fx.g.mm: 1.0})
	return fx
}

func TestSeekValidity_AlreadyValid_NoInflation(t *testing.T) {
	fx := newInflationFixture(t, []int{4, 1, 1}, qorRecord(1.0, OperandBandwidth{LHS: 10}))

	ev, ok := fx.r.seekValidity(fx.pr, false)

	assert.True(t, ok)
	assert.True(t, ev.AllMetricsValid(PerforationByUtilization))
	assert.Empty(t, fx.f.inflations)
}

func TestSeekValidity_FixesUtilizationThenConverges(t *testing.T) {
	// GIVEN a plan whose matmul runs at half its best utilization
	fx := newInflationFixture(t, []int{4, 1, 1}, qorRecord(0.5, OperandBandwidth{LHS: 10}))
	var targets []OpID
	fx.f.inflate = func(kind InflationKind, _ *BundleView, plan *ExecutionPlan, target OpID) bool {
		targets = append(targets, target)
		plan.QoR[target].Utilization = 0.95
		return true
	}

	// WHEN validity is sought
	ev, ok := fx.r.seekValidity(fx.pr, false)

	// THEN one utilization inflation aimed at the matmul made the plan valid
	require.True(t, ok)
	assert.Equal(t, []InflationKind{InflateUtilization}, fx.f.inflations)
	assert.Equal(t, []OpID{fx.g.mm}, targets)
	assert.Equal(t, StatusValid, ev.Utilization.Status)
}

func TestSeekValidity_TooFewSlices_Abandons(t *testing.T) {
	fx := newInflationFixture(t, []int{1, 1, 1}, qorRecord(0.5, OperandBandwidth{LHS: 10}))

	_, ok := fx.r.seekValidity(fx.pr, false)

	assert.False(t, ok)
	assert.Empty(t, fx.f.inflations)
}

func TestSeekValidity_InflationFails_ReturnsFalse(t *testing.T) {
	fx := newInflationFixture(t, []int{4, 1, 1}, qorRecord(1.0, OperandBandwidth{LHS: 500}))

	ev, ok := fx.r.seekValidity(fx.pr, true)

	assert.False(t, ok)
	assert.Equal(t, StatusHigh, ev.Bandwidth.Status)
	assert.Equal(t, []InflationKind{InflateBandwidth}, fx.f.inflations)
}

func TestSeekValidity_NeverConverges_IsInternalError(t *testing.T) {
	// GIVEN an inflation that always changes utilization but never fixes it
	fx := newInflationFixture(t, []int{4, 1, 1}, qorRecord(0.5, OperandBandwidth{LHS: 10}))
	fx.f.inflate = func(_ InflationKind, _ *BundleView, plan *ExecutionPlan, target OpID) bool {
		q := plan.QoR[target]
		if q.Utilization == 0.5 {
			q.Utilization = 0.6
		} else {
			q.Utilization = 0.5
		}
		return true
	}

	// WHEN validity is sought THEN the step cap is reported as an internal error
	ie := requireInternalError(t, func() { fx.r.seekValidity(fx.pr, false) })
	assert.Contains(t, ie.Msg, "did not converge")
	assert.Len(t, fx.f.inflations, maxInflationSteps)
}

func TestInflate_SuccessWithoutProgress_IsInternalError(t *testing.T) {
	// GIVEN a slicer that reports success but leaves the plan alone
	fx := newInflationFixture(t, []int{4, 1, 1}, qorRecord(0.5, OperandBandwidth{LHS: 10}))
	fx.f.inflate = func(InflationKind, *BundleView, *ExecutionPlan, OpID) bool { return true }

	// WHEN a utilization inflation is applied THEN it is fatal
	ie := requireInternalError(t, func() { fx.r.inflate(fx.pr, InflateUtilization, fx.g.mm) })
	assert.Contains(t, ie.Msg, "without changing its metric")
}

func TestInflate_TargetedKindWithoutOffender_IsInternalError(t *testing.T) {
	fx := newInflationFixture(t, []int{4, 1, 1}, qorRecord(0.5, OperandBandwidth{LHS: 10}))

	requireInternalError(t, func() { fx.r.inflate(fx.pr, InflateBandwidth, NoOp) })
	assert.Empty(t, fx.f.inflations)
}

func TestInflateForNumSlices_PerforationAcceptedWhenItReducesSlices(t *testing.T) {
	// GIVEN a perforation inflation that also halves the slice count
	fx := newInflationFixture(t, []int{8, 1, 2}, qorRecord(1.0, OperandBandwidth{LHS: 10}))
	fx.f.inflate = func(kind InflationKind, b *BundleView, plan *ExecutionPlan, target OpID) bool {
		if kind != InflatePerforation {
			return false
		}
		plan.QoR[fx.g.mm].PerforationBVD = 0
		return halveLargest(InflateNumSlices, b, plan, target)
	}

	// WHEN the slice count is reduced
	ok := fx.r.inflateForNumSlices(fx.pr)

	// THEN the perforation result is kept and no plain num-slices action runs
	require.True(t, ok)
	assert.Equal(t, []InflationKind{InflatePerforation}, fx.f.inflations)
	assert.Equal(t, NumSlicesPerBVD{4, 1, 2}, fx.plan.NumSlicesPerBVD())
	assert.Equal(t, BVDID(0), fx.plan.QoR[fx.g.mm].PerforationBVD)
}

func TestInflateForNumSlices_PerforationRejectedWhenSlicesUnchanged(t *testing.T) {
	// GIVEN a perforation inflation that does not reduce the slice count
	fx := newInflationFixture(t, []int{8, 1, 2}, qorRecord(1.0, OperandBandwidth{LHS: 10}))
	fx.f.inflate = func(kind InflationKind, b *BundleView, plan *ExecutionPlan, target OpID) bool {
		if kind == InflatePerforation {
			plan.QoR[fx.g.mm].PerforationBVD = 2
			return true
		}
		return halveLargest(kind, b, plan, target)
	}

	// WHEN the slice count is reduced
	ok := fx.r.inflateForNumSlices(fx.pr)

	// THEN the trial is discarded and the plain num-slices action is applied
	require.True(t, ok)
	assert.Equal(t, []InflationKind{InflatePerforation, InflateNumSlices}, fx.f.inflations)
	assert.Equal(t, NoBVD, fx.plan.QoR[fx.g.mm].PerforationBVD)
	assert.Equal(t, NumSlicesPerBVD{4, 1, 2}, fx.plan.NumSlicesPerBVD())
}

func TestInflateForNumSlices_NoDecrease_IsInternalError(t *testing.T) {
	fx := newInflationFixture(t, []int{8, 1, 2}, qorRecord(1.0, OperandBandwidth{LHS: 10}))
	fx.f.inflate = func(kind InflationKind, _ *BundleView, _ *ExecutionPlan, _ OpID) bool {
		return kind == InflateNumSlices
	}

	ie := requireInternalError(t, func() { fx.r.inflateForNumSlices(fx.pr) })
	assert.Contains(t, ie.Msg, "num-slices inflation")
}

func TestInflateForNumSlices_Exhausted_ReturnsFalse(t *testing.T) {
	fx := newInflationFixture(t, []int{1, 1, 2}, qorRecord(1.0, OperandBandwidth{LHS: 10}))
	fx.f.inflate = halveLargest

	assert.True(t, fx.r.inflateForNumSlices(fx.pr))
	assert.False(t, fx.r.inflateForNumSlices(fx.pr))
	assert.Equal(t, NumSlicesPerBVD{1, 1, 1}, fx.plan.NumSlicesPerBVD())
}

func TestInflate_DetailedTrace_RecordsEveryAttempt(t *testing.T) {
	// GIVEN detailed tracing and a bandwidth inflation that fails
	ot := trace.NewOptimizerTrace(trace.TraceConfig{Level: trace.TraceLevelDetailed})
	fx := newInflationFixture(t, []int{4, 1, 1}, qorRecord(1.0, OperandBandwidth{LHS: 500}), WithTrace(ot))

	// WHEN validity is sought
	fx.r.seekValidity(fx.pr, false)

	// THEN the failed attempt is in the trace
	require.Len(t, ot.Inflations, 1)
	rec := ot.Inflations[0]
	assert.Equal(t, "bandwidth", rec.Kind)
	assert.Equal(t, int(fx.g.mm), rec.Target)
	assert.False(t, rec.Applied)
	assert.Equal(t, 4, rec.Slices)
}
