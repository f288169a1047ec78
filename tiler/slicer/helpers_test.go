package slicer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/bundle-tiler/tiler"
	"github.com/inference-sim/bundle-tiler/tiler/internal/testutil"
)

// BVDs of the GEMM epilogue fixture.
const (
	rowsBVD tiler.BVDID = 0
	redBVD  tiler.BVDID = 1
	colsBVD tiler.BVDID = 2
)

func gemmView(t *testing.T, m, n, k int) (*testutil.GEMMEpilogue, *tiler.BundleView) {
	t.Helper()
	f := testutil.NewGEMMEpilogue(t, m, n, k)
	bvds, err := tiler.BuildBVDContainer(f.Program, f.Bundle())
	require.NoError(t, err)
	return f, &tiler.BundleView{Index: 0, Ops: f.Bundle(), Program: f.Program, BVDs: bvds}
}

// planFor builds a refreshed plan with the given slice counts per BVD.
func planFor(cfg tiler.CompilationConfig, f *testutil.GEMMEpilogue, v *tiler.BundleView, rows, red, cols int) *tiler.ExecutionPlan {
	g := NewGenerator(cfg, NewEstimator(cfg.Hardware), testutil.QuietLogger())
	return g.newPlan(v, f.MatMul, map[tiler.BVDID]int{rowsBVD: rows, redBVD: red, colsBVD: cols})
}

func newTestSlicer(cfg tiler.CompilationConfig) *Slicer {
	return NewSlicer(cfg, NewEstimator(cfg.Hardware), testutil.QuietLogger())
}
