package slicer

import (
	"slices"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// candidateSliceFactor bounds the total slice count of a generated candidate
// relative to the evaluator's maximum; inflation brings larger ones down.
const candidateSliceFactor = 4

// Generator enumerates candidate plans for a bundle the way a GEMM autotuner
// enumerates tile shapes: power-of-two slice counts along the dominant
// matrix op's axes, ranked by estimated utilization.
type Generator struct {
	cfg tiler.CompilationConfig
	est *Estimator
	log *logrus.Logger
}

// NewGenerator returns a plan generator.
func NewGenerator(cfg tiler.CompilationConfig, est *Estimator, log *logrus.Logger) *Generator {
	return &Generator{cfg: cfg, est: est, log: log}
}

// dominantMatrixOp returns the matrix op with the most multiply-accumulates,
// lowest ID on ties, or NoOp.
func dominantMatrixOp(b *tiler.BundleView) tiler.OpID {
	best, bestMacs := tiler.NoOp, int64(-1)
	for _, id := range b.MatrixOps() {
		out := b.BVDs.OutputBVDs(id)
		k := b.BVDs.OperandBVDs(id, 0)[1]
		macs := int64(b.BVDs.Resolution(out[0])) * int64(b.BVDs.Resolution(out[1])) * int64(b.BVDs.Resolution(k))
		if macs > bestMacs {
			best, bestMacs = id, macs
		}
	}
	return best
}

// powersOfTwo returns 1, 2, 4, ... up to limit, keeping only counts whose last
// slice along a BVD of the given resolution is non-empty.
func powersOfTwo(resolution, limit int) []int {
	var out []int
	for n := 1; n <= max(1, limit); n *= 2 {
		if tiler.SliceExtent(resolution, n, uint32(n-1)) > 0 {
			out = append(out, n)
		}
	}
	return out
}

type candidate struct {
	plan   *tiler.ExecutionPlan
	util   float64
	slices int
}

// GetStrategies returns up to MaxCandidates plans, best first, each with its
// rank as Index. A bundle without a matrix op, or whose every composition
// overflows the cache, gets none.
func (g *Generator) GetStrategies(b *tiler.BundleView) []*tiler.ExecutionPlan {
	dom := dominantMatrixOp(b)
	if dom == tiler.NoOp {
		return nil
	}
	out := b.BVDs.OutputBVDs(dom)
	axes := []tiler.BVDID{out[0], out[1], b.BVDs.OperandBVDs(dom, 0)[1]}
	tile := g.cfg.Hardware.MatrixTile
	tileOf := map[tiler.BVDID]int{axes[0]: tile.M, axes[1]: tile.N, axes[2]: tile.K}
	choices := lo.Map(axes, func(id tiler.BVDID, _ int) []int {
		res := b.BVDs.Resolution(id)
		return powersOfTwo(res, res/max(1, tileOf[id]))
	})

	maxTotal := g.cfg.Thresholds.MaxSlices * candidateSliceFactor
	var cands []candidate
	for _, sm := range choices[0] {
		for _, sn := range choices[1] {
			for _, sk := range choices[2] {
				if sm*sn*sk > maxTotal {
					continue
				}
				plan := g.newPlan(b, dom, map[tiler.BVDID]int{axes[0]: sm, axes[1]: sn, axes[2]: sk})
				if !g.est.Fits(b, plan) {
					continue
				}
				cands = append(cands, candidate{plan: plan, util: plan.QoR[dom].Utilization, slices: sm * sn * sk})
			}
		}
	}

	slices.SortStableFunc(cands, func(a, c candidate) int {
		switch {
		case a.util > c.util:
			return -1
		case a.util < c.util:
			return 1
		}
		return a.slices - c.slices
	})
	if n := g.cfg.Selection.MaxCandidates; n > 0 && len(cands) > n {
		cands = cands[:n]
	}
	plans := make([]*tiler.ExecutionPlan, len(cands))
	for i, c := range cands {
		c.plan.Index = i
		plans[i] = c.plan
	}
	g.log.Debugf("bundle %d: %d candidate plans around %v", b.Index, len(plans), axes)
	return plans
}

func (g *Generator) newPlan(b *tiler.BundleView, dom tiler.OpID, counts map[tiler.BVDID]int) *tiler.ExecutionPlan {
	plan := &tiler.ExecutionPlan{
		PipelineDepth: g.cfg.Pipeline.MinDepth,
		Slicing:       make([]tiler.BVDSlicing, b.BVDs.Len()),
	}
	for _, bvd := range b.BVDs.All() {
		s := &plan.Slicing[bvd.ID]
		s.Common = bvd.Common
		s.InflationFactor = 1
		s.SetNumSlices(max(1, counts[bvd.ID]))
	}
	plan.Solution = &tiler.MatrixEngineData{Op: dom}
	syncSolution(b, plan)
	g.est.Refresh(b, plan)
	return plan
}

// syncSolution keeps a matrix-engine solution's tile equal to the dominant
// op's slice shape after the plan's slice counts change.
func syncSolution(b *tiler.BundleView, plan *tiler.ExecutionPlan) {
	sol, ok := plan.Solution.(*tiler.MatrixEngineData)
	if !ok {
		return
	}
	ns := plan.NumSlicesPerBVD()
	out := b.BVDs.OutputBVDs(sol.Op)
	k := b.BVDs.OperandBVDs(sol.Op, 0)[1]
	sol.Tile = tiler.TileShape{
		M: tiler.SliceExtent(b.BVDs.Resolution(out[0]), ns[out[0]], 0),
		N: tiler.SliceExtent(b.BVDs.Resolution(out[1]), ns[out[1]], 0),
		K: tiler.SliceExtent(b.BVDs.Resolution(k), ns[k], 0),
	}
}
