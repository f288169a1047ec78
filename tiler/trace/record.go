// Package trace provides decision-trace recording for optimizer analysis.
// This package has no dependencies on tiler/; it stores pure data types.
package trace

// InflationRecord captures one inflation action applied to a plan.
type InflationRecord struct {
	Bundle  int
	Plan    int
	Depth   int
	Kind    string
	Target  int // operation ID, -1 for untargeted actions
	Applied bool
	Slices  int // total slice count after the action
}

// DryRunRecord captures the outcome of one dry-run verification.
type DryRunRecord struct {
	Bundle     int
	Plan       int
	Depth      int
	FailedAt   string // stage that failed, empty on success
	Valid      bool   // post-slicing evaluation valid
	CacheUsage int64
}

// CandidateScore captures a surviving snapshot considered at selection.
type CandidateScore struct {
	Plan         int
	Depth        int
	Utilization  float64
	Bandwidth    float64
	CacheUsage   float64
	Perforated   int
	SlicesCommon bool
}

// SelectionRecord captures the winner chosen for a bundle.
type SelectionRecord struct {
	Bundle     int
	Chosen     int
	Candidates []CandidateScore
}

// FallbackRecord captures a bundle that degraded to unoptimized execution.
type FallbackRecord struct {
	Bundle int
	Reason string
	Nodes  []string
}
