package tiler

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler/trace"
)

// dryRunStage is one verification stage: the generic passes up to pass, then
// the stage itself.
type dryRunStage struct {
	pass PassID
	run  func(sp *SlicedProgram) bool
}

// dryRun slices the bundle by the current plan into a disposable sub-program,
// drives it through the verification stages and judges the result. It
// returns false when any stage fails; that only means the plan is not viable
// at this depth.
func (r *Runner) dryRun(pr *planRun) (Evaluation, bool) {
	restore := r.quietLogging()
	defer restore()

	sp := r.tools.Slicer.SliceBundleByStrategy(pr.view, pr.plan, true)
	if sp == nil {
		r.recordDryRun(pr, "slice", Evaluation{}, false)
		return Evaluation{}, false
	}
	stages := []dryRunStage{
		{PassPartialWrites, func(sp *SlicedProgram) bool { return r.tools.PartialWrites.HandlePartialWrites(sp, true) }},
		{PassScheduler, func(sp *SlicedProgram) bool { return r.tools.Scheduler.ScheduleBundle(sp, true) }},
		{PassCacheDirectives, func(sp *SlicedProgram) bool { return r.tools.Cache.SetCacheDirectives(sp, true) }},
	}
	for _, st := range stages {
		if !r.tools.Passes.RunPartialPasses(sp, st.pass) {
			r.recordDryRun(pr, "passes-before-"+string(st.pass), Evaluation{}, false)
			return Evaluation{}, false
		}
		if !st.run(sp) {
			r.recordDryRun(pr, string(st.pass), Evaluation{}, false)
			return Evaluation{}, false
		}
	}
	ev := pr.eval.PostSlicingEvaluation(sp)
	r.recordDryRun(pr, "", ev, true)
	return ev, true
}

// quietLogging clamps the job logger to Warn and returns a func restoring the
// previous level.
func (r *Runner) quietLogging() func() {
	prev := r.log.GetLevel()
	if prev > logrus.WarnLevel {
		r.log.SetLevel(logrus.WarnLevel)
	}
	return func() { r.log.SetLevel(prev) }
}

func (r *Runner) recordDryRun(pr *planRun, failedAt string, ev Evaluation, ok bool) {
	if r.trace == nil {
		return
	}
	rec := trace.DryRunRecord{
		Bundle:   pr.view.Index,
		Plan:     pr.plan.Index,
		Depth:    pr.plan.PipelineDepth,
		FailedAt: failedAt,
	}
	if ok {
		rec.Valid = ev.AllMetricsValid(r.cfg.Thresholds.PerforationMode)
		rec.CacheUsage = int64(ev.CacheUsage.Value)
	}
	r.trace.RecordDryRun(rec)
}
