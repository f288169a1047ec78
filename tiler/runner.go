package tiler

import (
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler/trace"
)

// Outcome is what happened to a bundle.
type Outcome string

const (
	OutcomeOptimized Outcome = "optimized"
	OutcomeFallback  Outcome = "fallback"
)

// FallbackReason explains why a bundle runs unoptimized from off-chip memory.
type FallbackReason string

const (
	FallbackNone              FallbackReason = ""
	FallbackUnsupportedBundle FallbackReason = "unsupported-bundle"
	FallbackNoMatrixEngine    FallbackReason = "no-matrix-engine-op"
	FallbackNoCandidates      FallbackReason = "no-candidates"
	FallbackNoValidPlan       FallbackReason = "no-valid-plan"
	FallbackCommitFailed      FallbackReason = "commit-failed"
)

// BundleResult reports the optimizer's decision for one bundle.
type BundleResult struct {
	Bundle     int
	Nodes      []string
	Outcome    Outcome
	Reason     FallbackReason
	Detail     string
	Plan       *ExecutionPlan // winning plan, nil on fallback
	Evaluation Evaluation     // post-slicing evaluation of the winner
	Candidates int            // candidate plans generated
	Survivors  int            // candidate plans with a valid snapshot
}

// Runner drives the optimizer over every bundle of one compilation job.
// A Runner is single-threaded; independent jobs use independent Runners.
type Runner struct {
	cfg     CompilationConfig
	prog    *Program
	store   *DataStore
	members MembershipProvider
	tools   Toolchain
	log     *logrus.Logger
	trace   *trace.OptimizerTrace
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the job logger. Dry runs temporarily change its level, so
// it should not be shared with concurrent jobs.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithTrace enables decision tracing into t.
func WithTrace(t *trace.OptimizerTrace) Option {
	return func(r *Runner) { r.trace = t }
}

// NewRunner returns a runner for prog. An inverted pipeline-depth range is an
// internal error.
func NewRunner(cfg CompilationConfig, prog *Program, store *DataStore, members MembershipProvider,
	tools Toolchain, opts ...Option) *Runner {
	if cfg.Pipeline.MinDepth > cfg.Pipeline.MaxDepth {
		fatalf("pipeline depth range [%d, %d] is inverted", cfg.Pipeline.MinDepth, cfg.Pipeline.MaxDepth)
	}
	r := &Runner{
		cfg:     cfg,
		prog:    prog,
		store:   store,
		members: members,
		tools:   tools,
		log:     logrus.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run optimizes every bundle in membership order. Bundles that cannot be
// optimized fall back and are reported in the results; only an internal
// error stops the job.
func (r *Runner) Run() (results []BundleResult, err error) {
	current := NoBundle
	defer func() { recoverInternal(current, &err) }()
	for _, idx := range r.members.BundleIndices() {
		current = idx
		results = append(results, r.OptimizeBundle(idx))
	}
	return results, nil
}

// planRun is the state of one candidate plan while it is being inflated.
type planRun struct {
	view *BundleView
	plan *ExecutionPlan
	eval *BundleEvaluator
	log  *logrus.Entry
}

// OptimizeBundle picks and commits the best plan for one bundle. It panics
// with *InternalError on a violated invariant; Run recovers that.
func (r *Runner) OptimizeBundle(index int) BundleResult {
	ops := r.members.BundleOps(index)
	res := BundleResult{Bundle: index, Outcome: OutcomeOptimized}
	view := &BundleView{Index: index, Ops: ops, Program: r.prog}
	res.Nodes = view.OpNames()
	blog := r.log.WithFields(logrus.Fields{"bundle": index})

	bvds, err := BuildBVDContainer(r.prog, ops)
	if err != nil {
		return r.fallback(res, FallbackUnsupportedBundle, err.Error())
	}
	view.BVDs = bvds
	matrixOps := view.MatrixOps()
	if len(matrixOps) == 0 {
		return r.fallback(res, FallbackNoMatrixEngine, "bundle has no matrix-engine operation")
	}

	r.store.Register(&BundleData{Index: index, BVDs: bvds})
	plans := r.tools.Generator.GetStrategies(view)
	res.Candidates = len(plans)
	if len(plans) == 0 {
		r.store.Remove(index)
		return r.fallback(res, FallbackNoCandidates, "plan generator returned no candidates")
	}
	blog.Debugf("optimizing %d ops over %d BVDs with %d candidate plans", len(ops), bvds.Len(), len(plans))

	maxUtil := MaxUtilizationPerOp(plans, matrixOps)
	var snapshots []*Snapshot
	for _, plan := range plans {
		if snap := r.optimizePlan(view, plan, matrixOps, maxUtil, blog); snap != nil {
			snapshots = append(snapshots, snap)
		}
	}
	res.Survivors = len(snapshots)
	if len(snapshots) == 0 {
		r.store.Remove(index)
		return r.fallback(res, FallbackNoValidPlan, "no candidate plan reached a valid evaluation")
	}

	win := FindOptimalStrategy(snapshots, r.cfg.Selection.RelativeThreshold)
	r.recordSelection(index, win, snapshots)
	if err := r.commit(view, win); err != nil {
		r.store.Remove(index)
		return r.fallback(res, FallbackCommitFailed, err.Error())
	}
	blog.Infof("committed plan %d at depth %d: slices %v, %s", win.Plan.Index, win.Plan.PipelineDepth,
		win.Plan.NumSlicesPerBVD(), win.Evaluation)
	res.Plan = win.Plan
	res.Evaluation = win.Evaluation
	return res
}

// optimizePlan sweeps the pipeline depths for one candidate plan and returns
// the last valid snapshot, or nil when the plan never became valid.
func (r *Runner) optimizePlan(view *BundleView, plan *ExecutionPlan, matrixOps []OpID,
	maxUtil map[OpID]float64, blog *logrus.Entry) *Snapshot {
	pr := &planRun{
		view: view,
		plan: plan,
		eval: NewBundleEvaluator(&r.cfg, view.BVDs, plan, matrixOps, maxUtil),
	}
	mode := r.cfg.Thresholds.PerforationMode
	var best *Snapshot
	for depth := r.cfg.Pipeline.MinDepth; depth <= r.cfg.Pipeline.MaxDepth; depth++ {
		plan.PipelineDepth = depth
		pr.log = blog.WithFields(logrus.Fields{"plan": plan.Index, "depth": depth})
		if _, ok := r.seekValidity(pr, false); !ok {
			continue
		}

		var last *Snapshot
		for {
			ev, ok := r.dryRun(pr)
			if !ok {
				pr.log.Debug("dry run failed")
				break
			}
			if !ev.AllMetricsValid(mode) {
				if last == nil {
					fatalf("plan %d at depth %d regressed after slicing with no valid snapshot: %s",
						plan.Index, depth, ev)
				}
				pr.log.Debugf("validity regressed after slicing, rolling back: %s", ev)
				break
			}
			last = &Snapshot{Evaluation: ev, Plan: plan.Clone()}
			if !r.inflateForNumSlices(pr) {
				break
			}
			if _, ok := r.seekValidity(pr, true); !ok {
				break
			}
		}
		if last != nil {
			plan.CopyFrom(last.Plan)
			best = last
		}
	}
	return best
}

func (r *Runner) fallback(res BundleResult, reason FallbackReason, detail string) BundleResult {
	res.Outcome = OutcomeFallback
	res.Reason = reason
	res.Detail = detail
	r.log.Warnf("bundle %d [%s] falls back to off-chip execution: %s: %s",
		res.Bundle, strings.Join(res.Nodes, ", "), reason, detail)
	if r.trace != nil {
		r.trace.RecordFallback(trace.FallbackRecord{Bundle: res.Bundle, Reason: string(reason), Nodes: res.Nodes})
	}
	return res
}

func (r *Runner) recordInflation(pr *planRun, kind InflationKind, target OpID, ok bool) {
	if r.trace == nil {
		return
	}
	r.trace.RecordInflation(trace.InflationRecord{
		Bundle:  pr.view.Index,
		Plan:    pr.plan.Index,
		Depth:   pr.plan.PipelineDepth,
		Kind:    kind.String(),
		Target:  int(target),
		Applied: ok,
		Slices:  pr.plan.NumSlicesPerBVD().Total(),
	})
}

func (r *Runner) recordSelection(bundle int, win *Snapshot, snapshots []*Snapshot) {
	if r.trace == nil {
		return
	}
	r.trace.RecordSelection(trace.SelectionRecord{
		Bundle: bundle,
		Chosen: win.Plan.Index,
		Candidates: lo.Map(snapshots, func(s *Snapshot, _ int) trace.CandidateScore {
			return trace.CandidateScore{
				Plan:         s.Plan.Index,
				Depth:        s.Plan.PipelineDepth,
				Utilization:  s.Evaluation.Utilization.Value,
				Bandwidth:    s.Evaluation.Bandwidth.Value,
				CacheUsage:   s.Evaluation.CacheUsage.Value,
				Perforated:   s.Plan.NumPerforatedOps(),
				SlicesCommon: s.Plan.SlicesCommonDim(),
			}
		}),
	})
}
