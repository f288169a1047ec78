package trace

// TraceSummary aggregates statistics from an OptimizerTrace.
type TraceSummary struct {
	OptimizedBundles    int
	FallbackBundles     int
	InflationSteps      int
	FailedInflations    int
	DryRuns             int
	FailedDryRuns       int
	MeanCandidates      float64
	FallbackReasons     map[string]int // reason → count of bundles
	DryRunFailureStages map[string]int // stage → count of failed dry runs
}

// Summarize computes aggregate statistics from an OptimizerTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(ot *OptimizerTrace) *TraceSummary {
	summary := &TraceSummary{
		FallbackReasons:     make(map[string]int),
		DryRunFailureStages: make(map[string]int),
	}
	if ot == nil {
		return summary
	}

	summary.OptimizedBundles = len(ot.Selections)
	summary.FallbackBundles = len(ot.Fallbacks)
	for _, f := range ot.Fallbacks {
		summary.FallbackReasons[f.Reason]++
	}

	summary.InflationSteps = len(ot.Inflations)
	for _, inf := range ot.Inflations {
		if !inf.Applied {
			summary.FailedInflations++
		}
	}

	summary.DryRuns = len(ot.DryRuns)
	for _, d := range ot.DryRuns {
		if d.FailedAt != "" {
			summary.FailedDryRuns++
			summary.DryRunFailureStages[d.FailedAt]++
		}
	}

	if len(ot.Selections) > 0 {
		total := 0
		for _, s := range ot.Selections {
			total += len(s.Candidates)
		}
		summary.MeanCandidates = float64(total) / float64(len(ot.Selections))
	}
	return summary
}
