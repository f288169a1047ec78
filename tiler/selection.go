package tiler

import (
	"math"

	"github.com/samber/lo"
)

// Snapshot pairs a post-slicing evaluation with an immutable copy of the
// plan it judged valid.
type Snapshot struct {
	Evaluation Evaluation
	Plan       *ExecutionPlan
}

// relativelyDifferent reports whether a and b differ by at least threshold
// relative to the larger magnitude.
func relativelyDifferent(a, b, threshold float64) bool {
	if a == b {
		return false
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b)/denom >= threshold
}

// IsWorse reports whether lhs is a worse plan than rhs. Criteria in order:
// higher matrix-engine utilization, lower bandwidth, more perforated ops, not
// slicing the reduction dimension, lower cache usage, lower plan index.
// Continuous metrics only decide when they differ by at least threshold.
func IsWorse(lhs, rhs *Snapshot, threshold float64) bool {
	le, re := lhs.Evaluation, rhs.Evaluation
	if relativelyDifferent(le.Utilization.Value, re.Utilization.Value, threshold) {
		return le.Utilization.Value < re.Utilization.Value
	}
	if relativelyDifferent(le.Bandwidth.Value, re.Bandwidth.Value, threshold) {
		return le.Bandwidth.Value > re.Bandwidth.Value
	}
	if lp, rp := lhs.Plan.NumPerforatedOps(), rhs.Plan.NumPerforatedOps(); lp != rp {
		return lp < rp
	}
	if lc, rc := lhs.Plan.SlicesCommonDim(), rhs.Plan.SlicesCommonDim(); lc != rc {
		return lc
	}
	if relativelyDifferent(le.CacheUsage.Value, re.CacheUsage.Value, threshold) {
		return le.CacheUsage.Value > re.CacheUsage.Value
	}
	return lhs.Plan.Index > rhs.Plan.Index
}

// FindOptimalStrategy returns the best snapshot under IsWorse, or nil for an
// empty candidate list.
func FindOptimalStrategy(candidates []*Snapshot, threshold float64) *Snapshot {
	if len(candidates) == 0 {
		return nil
	}
	return lo.MaxBy(candidates, func(a, b *Snapshot) bool {
		return IsWorse(b, a, threshold)
	})
}
