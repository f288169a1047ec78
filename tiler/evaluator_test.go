package tiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evaluatorFor returns an evaluator over the gemm bundle with the matmul as
// its only matrix op and a utilization ceiling of 1.0.
func evaluatorFor(t *testing.T, cfg *CompilationConfig, counts []int, mm *OpQoR) (*gemmProgram, *BundleEvaluator, *ExecutionPlan) {
	t.Helper()
	g := newGEMMProgram(t)
	v := g.view(t, 0)
	plan := newPlan(v.BVDs, 0, counts, map[OpID]*OpQoR{g.mm: mm})
	ev := NewBundleEvaluator(cfg, v.BVDs, plan, []OpID{g.mm}, map[OpID]float64{g.mm: 1.0})
	return g, ev, plan
}

func TestPreSlicingEvaluation_NumSlicesBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		counts []int
		want   Status
	}{
		{"below min", []int{1, 1, 1}, StatusLow},
		{"exactly min", []int{2, 1, 1}, StatusValid},
		{"exactly max", []int{256, 4, 1}, StatusValid},
		{"above max", []int{256, 4, 2}, StatusHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			_, be, _ := evaluatorFor(t, &cfg, tt.counts, qorRecord(1.0, OperandBandwidth{LHS: 10}))

			ev := be.PreSlicingEvaluation()

			assert.Equal(t, tt.want, ev.NumSlices.Status)
			assert.Equal(t, StagePreSlicing, ev.Stage)
		})
	}
}

func TestPreSlicingEvaluation_UtilizationRatioAtThresholdIsValid(t *testing.T) {
	// GIVEN a matmul at exactly 0.8 of its best utilization
	cfg := testConfig()
	_, be, _ := evaluatorFor(t, &cfg, []int{2, 1, 1}, qorRecord(0.8, OperandBandwidth{LHS: 10}))

	// WHEN evaluated
	ev := be.PreSlicingEvaluation()

	// THEN utilization is valid and reports the raw value
	assert.Equal(t, StatusValid, ev.Utilization.Status)
	assert.Equal(t, NoOp, ev.Utilization.Offender)
	assert.InDelta(t, 0.8, ev.Utilization.Value, 1e-12)
	assert.True(t, ev.AllMetricsValid(cfg.Thresholds.PerforationMode))
}

func TestPreSlicingEvaluation_UtilizationBelowRatio_LowWithOffender(t *testing.T) {
	cfg := testConfig()
	g, be, _ := evaluatorFor(t, &cfg, []int{2, 1, 1}, qorRecord(0.79, OperandBandwidth{LHS: 10}))

	ev := be.PreSlicingEvaluation()

	assert.Equal(t, StatusLow, ev.Utilization.Status)
	assert.Equal(t, g.mm, ev.Utilization.Offender)
	assert.False(t, ev.AllMetricsValid(cfg.Thresholds.PerforationMode))
}

func TestPreSlicingEvaluation_BandwidthCeiling(t *testing.T) {
	tests := []struct {
		name string
		lhs  float64
		want Status
	}{
		{"at ceiling", 256, StatusValid},
		{"above ceiling", 256.5, StatusHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			g, be, _ := evaluatorFor(t, &cfg, []int{2, 1, 1}, qorRecord(1.0, OperandBandwidth{LHS: tt.lhs}))

			ev := be.PreSlicingEvaluation()

			assert.Equal(t, tt.want, ev.Bandwidth.Status)
			assert.InDelta(t, tt.lhs, ev.Bandwidth.Value, 1e-12)
			if tt.want == StatusHigh {
				assert.Equal(t, g.mm, ev.Bandwidth.Offender)
			}
		})
	}
}

func TestPreSlicingEvaluation_NoPerforation_MetricsUnevaluatedAndAccepted(t *testing.T) {
	// GIVEN a plan that perforates nothing
	cfg := testConfig()
	_, be, _ := evaluatorFor(t, &cfg, []int{2, 1, 1}, qorRecord(1.0, OperandBandwidth{LHS: 10}))

	// WHEN evaluated
	ev := be.PreSlicingEvaluation()

	// THEN both perforation metrics and the cache stay unevaluated and the plan is valid
	assert.Equal(t, StatusUnevaluated, ev.PerforationMultiplier.Status)
	assert.Equal(t, StatusUnevaluated, ev.PerforationUtilization.Status)
	assert.Equal(t, StatusUnevaluated, ev.CacheUsage.Status)
	assert.True(t, ev.AllMetricsValid(PerforationByUtilization))
	assert.True(t, ev.AllMetricsValid(PerforationByMultiplier))
}

func TestPreSlicingEvaluation_UnevenPerforation_LowInBothModes(t *testing.T) {
	// GIVEN a matmul split 10 ways across 8 cores
	cfg := testConfig()
	q := qorRecord(1.0, OperandBandwidth{LHS: 10})
	q.PerforationBVD = 0
	g, be, _ := evaluatorFor(t, &cfg, []int{10, 1, 1}, q)

	// WHEN evaluated
	ev := be.PreSlicingEvaluation()

	// THEN both metrics are low, but only the active one gates validity
	assert.Equal(t, StatusLow, ev.PerforationUtilization.Status)
	assert.InDelta(t, 0.625, ev.PerforationUtilization.Value, 1e-12)
	assert.Equal(t, g.mm, ev.PerforationUtilization.Offender)
	assert.Equal(t, StatusLow, ev.PerforationMultiplier.Status)
	assert.Equal(t, 10.0, ev.PerforationMultiplier.Value)
	assert.False(t, ev.AllMetricsValid(PerforationByUtilization))
	assert.False(t, ev.AllMetricsValid(PerforationByMultiplier))
}

func TestPreSlicingEvaluation_EvenPerforation_Valid(t *testing.T) {
	cfg := testConfig()
	q := qorRecord(1.0, OperandBandwidth{LHS: 10})
	q.PerforationBVD = 0
	_, be, _ := evaluatorFor(t, &cfg, []int{16, 1, 1}, q)

	ev := be.PreSlicingEvaluation()

	assert.Equal(t, StatusValid, ev.PerforationUtilization.Status)
	assert.Equal(t, StatusValid, ev.PerforationMultiplier.Status)
	assert.True(t, ev.AllMetricsValid(cfg.Thresholds.PerforationMode))
}

func TestPostSlicingEvaluation_CacheUsageAtCapacityIsHigh(t *testing.T) {
	tests := []struct {
		name  string
		usage int64
		want  Status
	}{
		{"below capacity", 4<<20 - 1, StatusValid},
		{"at capacity", 4 << 20, StatusHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			_, be, plan := evaluatorFor(t, &cfg, []int{2, 1, 1}, qorRecord(1.0, OperandBandwidth{LHS: 10}))
			sp := NewSlicedProgram(0, plan, true)
			sp.PeakCacheUsage = tt.usage

			ev := be.PostSlicingEvaluation(sp)

			assert.Equal(t, StagePostSlicing, ev.Stage)
			assert.Equal(t, tt.want, ev.CacheUsage.Status)
			assert.Equal(t, float64(tt.usage), ev.CacheUsage.Value)
			assert.Equal(t, tt.want == StatusValid, ev.AllMetricsValid(cfg.Thresholds.PerforationMode))
		})
	}
}

func TestPreSlicingEvaluation_Idempotent(t *testing.T) {
	// GIVEN an unchanged plan
	cfg := testConfig()
	q := qorRecord(0.5, OperandBandwidth{LHS: 300})
	q.PerforationBVD = 0
	_, be, _ := evaluatorFor(t, &cfg, []int{10, 1, 1}, q)

	// WHEN it is evaluated twice THEN the results are identical
	assert.Equal(t, be.PreSlicingEvaluation(), be.PreSlicingEvaluation())
}

func TestPreSlicingEvaluation_NoMatrixOps_UtilizationAndBandwidthUnevaluated(t *testing.T) {
	g := newGEMMProgram(t)
	v := g.view(t, 0)
	cfg := testConfig()
	plan := newPlan(v.BVDs, 0, []int{2, 1, 1}, nil)
	be := NewBundleEvaluator(&cfg, v.BVDs, plan, nil, nil)

	ev := be.PreSlicingEvaluation()

	assert.Equal(t, StatusUnevaluated, ev.Utilization.Status)
	assert.Equal(t, StatusUnevaluated, ev.Bandwidth.Status)
	assert.False(t, ev.AllMetricsValid(cfg.Thresholds.PerforationMode))
}

func TestMaxUtilizationPerOp_BestAcrossPlans(t *testing.T) {
	g := newGEMMProgram(t)
	v := g.view(t, 0)
	plans := []*ExecutionPlan{
		newPlan(v.BVDs, 0, []int{2, 1, 1}, map[OpID]*OpQoR{g.mm: qorRecord(0.4, OperandBandwidth{})}),
		newPlan(v.BVDs, 1, []int{4, 1, 1}, map[OpID]*OpQoR{g.mm: qorRecord(0.9, OperandBandwidth{})}),
		newPlan(v.BVDs, 2, []int{8, 1, 1}, map[OpID]*OpQoR{g.mm: qorRecord(0.7, OperandBandwidth{})}),
	}

	best := MaxUtilizationPerOp(plans, []OpID{g.mm})

	require.Contains(t, best, g.mm)
	assert.Equal(t, 0.9, best[g.mm])
}

func TestAllMetricsValid_RequiresCoreMetricsValid(t *testing.T) {
	valid := Metric{Status: StatusValid, Offender: NoOp}
	base := NewEvaluation(StagePreSlicing)
	base.NumSlices, base.Utilization, base.Bandwidth = valid, valid, valid
	assert.True(t, base.AllMetricsValid(PerforationByUtilization))

	for _, mutate := range []func(e *Evaluation){
		func(e *Evaluation) { e.NumSlices.Status = StatusUnevaluated },
		func(e *Evaluation) { e.Utilization.Status = StatusLow },
		func(e *Evaluation) { e.Bandwidth.Status = StatusHigh },
		func(e *Evaluation) { e.CacheUsage.Status = StatusHigh },
		func(e *Evaluation) { e.PerforationUtilization.Status = StatusLow },
	} {
		ev := base
		mutate(&ev)
		assert.False(t, ev.AllMetricsValid(PerforationByUtilization), "%s", ev)
	}

	// An invalid inactive perforation metric does not gate validity.
	ev := base
	ev.PerforationMultiplier.Status = StatusLow
	assert.True(t, ev.AllMetricsValid(PerforationByUtilization))
}
