package cmd

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/bundle-tiler/tiler"
	"github.com/inference-sim/bundle-tiler/tiler/trace"
)

// Report is the YAML document printed by the optimize command.
type Report struct {
	OpsBefore int            `yaml:"ops_before"`
	OpsAfter  int            `yaml:"ops_after"`
	Bundles   []BundleReport `yaml:"bundles"`
	Trace     *TraceReport   `yaml:"trace,omitempty"`
}

// BundleReport is the decision for one bundle.
type BundleReport struct {
	Bundle     int         `yaml:"bundle"`
	Nodes      []string    `yaml:"nodes"`
	Outcome    string      `yaml:"outcome"`
	Reason     string      `yaml:"reason,omitempty"`
	Detail     string      `yaml:"detail,omitempty"`
	Candidates int         `yaml:"candidates"`
	Survivors  int         `yaml:"survivors"`
	Plan       *PlanReport `yaml:"plan,omitempty"`
}

// PlanReport describes the committed plan of an optimized bundle.
type PlanReport struct {
	Index           int                     `yaml:"index"`
	PipelineDepth   int                     `yaml:"pipeline_depth"`
	SlicesPerBVD    []int                   `yaml:"slices_per_bvd"`
	TotalSlices     int                     `yaml:"total_slices"`
	CacheUsage      int64                   `yaml:"cache_usage_bytes"`
	PerforatedOps   int                     `yaml:"perforated_ops"`
	SlicesCommonDim bool                    `yaml:"slices_common_dim"`
	Metrics         map[string]MetricReport `yaml:"metrics"`
}

// MetricReport is one post-slicing metric.
type MetricReport struct {
	Value  float64 `yaml:"value"`
	Status string  `yaml:"status"`
}

// TraceReport is the aggregate of the decision trace.
type TraceReport struct {
	Level               string         `yaml:"level"`
	OptimizedBundles    int            `yaml:"optimized_bundles"`
	FallbackBundles     int            `yaml:"fallback_bundles"`
	InflationSteps      int            `yaml:"inflation_steps"`
	FailedInflations    int            `yaml:"failed_inflations"`
	DryRuns             int            `yaml:"dry_runs"`
	FailedDryRuns       int            `yaml:"failed_dry_runs"`
	MeanCandidates      float64        `yaml:"mean_candidates"`
	FallbackReasons     map[string]int `yaml:"fallback_reasons,omitempty"`
	DryRunFailureStages map[string]int `yaml:"dry_run_failure_stages,omitempty"`
}

func metricReport(m tiler.Metric) MetricReport {
	return MetricReport{Value: m.Value, Status: m.Status.String()}
}

// buildReport summarizes the optimizer results. ot may be nil.
func buildReport(results []tiler.BundleResult, opsBefore, opsAfter int, ot *trace.OptimizerTrace) *Report {
	r := &Report{OpsBefore: opsBefore, OpsAfter: opsAfter}
	for _, res := range results {
		br := BundleReport{
			Bundle:     res.Bundle,
			Nodes:      res.Nodes,
			Outcome:    string(res.Outcome),
			Reason:     string(res.Reason),
			Detail:     res.Detail,
			Candidates: res.Candidates,
			Survivors:  res.Survivors,
		}
		if res.Outcome == tiler.OutcomeOptimized && res.Plan != nil {
			ev := res.Evaluation
			ns := res.Plan.NumSlicesPerBVD()
			br.Plan = &PlanReport{
				Index:           res.Plan.Index,
				PipelineDepth:   res.Plan.PipelineDepth,
				SlicesPerBVD:    ns,
				TotalSlices:     ns.Total(),
				CacheUsage:      int64(ev.CacheUsage.Value),
				PerforatedOps:   res.Plan.NumPerforatedOps(),
				SlicesCommonDim: res.Plan.SlicesCommonDim(),
				Metrics: map[string]MetricReport{
					"num_slices":              metricReport(ev.NumSlices),
					"utilization":             metricReport(ev.Utilization),
					"bandwidth":               metricReport(ev.Bandwidth),
					"cache_usage":             metricReport(ev.CacheUsage),
					"perforation_multiplier":  metricReport(ev.PerforationMultiplier),
					"perforation_utilization": metricReport(ev.PerforationUtilization),
				},
			}
		}
		r.Bundles = append(r.Bundles, br)
	}
	if ot != nil && ot.Config.Level != trace.TraceLevelNone {
		s := trace.Summarize(ot)
		r.Trace = &TraceReport{
			Level:               string(ot.Config.Level),
			OptimizedBundles:    s.OptimizedBundles,
			FallbackBundles:     s.FallbackBundles,
			InflationSteps:      s.InflationSteps,
			FailedInflations:    s.FailedInflations,
			DryRuns:             s.DryRuns,
			FailedDryRuns:       s.FailedDryRuns,
			MeanCandidates:      s.MeanCandidates,
			FallbackReasons:     s.FallbackReasons,
			DryRunFailureStages: s.DryRunFailureStages,
		}
	}
	return r
}

// writeReport encodes the report as YAML.
func writeReport(w io.Writer, r *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return enc.Close()
}
