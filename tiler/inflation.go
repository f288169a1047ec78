package tiler

// maxInflationSteps caps the validity loop. Every inflation must either make
// progress or fail, so hitting the cap means a collaborator is broken.
const maxInflationSteps = 4096

// inflationStep is the controller's single corrective action for an invalid
// evaluation.
type inflationStep struct {
	abandon bool
	kind    InflationKind
	target  OpID
}

// chooseInflation picks the highest-priority corrective action: a plan with
// too few slices is abandoned, then low utilization, high bandwidth, low
// perforation and finally too many slices are fixed, in that order.
func chooseInflation(ev Evaluation, mode PerforationMode) inflationStep {
	switch {
	case ev.NumSlices.Status == StatusLow:
		return inflationStep{abandon: true, target: NoOp}
	case ev.Utilization.Status == StatusLow:
		return inflationStep{kind: InflateUtilization, target: ev.Utilization.Offender}
	case ev.Bandwidth.Status == StatusHigh:
		return inflationStep{kind: InflateBandwidth, target: ev.Bandwidth.Offender}
	case ev.Perforation(mode).Status == StatusLow:
		return inflationStep{kind: InflatePerforation, target: ev.Perforation(mode).Offender}
	case ev.NumSlices.Status == StatusHigh:
		return inflationStep{kind: InflateNumSlices, target: NoOp}
	}
	fatalf("evaluation discrepancy: plan is invalid but no metric explains it: %s", ev)
	return inflationStep{}
}

// seekValidity inflates the plan one action at a time until its pre-slicing
// evaluation is valid. It returns false when the plan is abandoned or an
// inflation fails; with a valid snapshot already taken, that failure only
// means the plan is final.
func (r *Runner) seekValidity(pr *planRun, haveSnapshot bool) (Evaluation, bool) {
	mode := r.cfg.Thresholds.PerforationMode
	for step := 0; step < maxInflationSteps; step++ {
		ev := pr.eval.PreSlicingEvaluation()
		if ev.AllMetricsValid(mode) {
			return ev, true
		}
		next := chooseInflation(ev, mode)
		if next.abandon {
			pr.log.Debugf("%g slices is below the minimum, abandoning plan", ev.NumSlices.Value)
			return ev, false
		}
		if !r.inflate(pr, next.kind, next.target) {
			if haveSnapshot {
				pr.log.Debugf("%s inflation exhausted, plan final at last valid snapshot", next.kind)
			} else {
				pr.log.Debugf("%s inflation failed before the plan became valid: %s", next.kind, ev)
			}
			return ev, false
		}
	}
	fatalf("plan %d did not converge after %d inflation steps", pr.plan.Index, maxInflationSteps)
	return Evaluation{}, false
}

// inflate applies one targeted action and checks it made progress on the
// metric it targets.
func (r *Runner) inflate(pr *planRun, kind InflationKind, target OpID) bool {
	if kind == InflateNumSlices {
		return r.inflateForNumSlices(pr)
	}
	if target == NoOp {
		fatalf("%s inflation requested without an offending op", kind)
	}
	before := targetMetric(pr.eval.Details(), kind, target)
	ok := r.tools.Slicer.InflateStrategy(kind, pr.view, pr.plan, target)
	r.recordInflation(pr, kind, target, ok)
	if !ok {
		return false
	}
	if after := targetMetric(pr.eval.Details(), kind, target); after == before {
		fatalf("%s inflation of op %d reported success without changing its metric (%g)", kind, target, before)
	}
	return true
}

func targetMetric(d SlicingDetails, kind InflationKind, target OpID) float64 {
	switch kind {
	case InflateUtilization:
		return d.EngineUtilization(target)
	case InflateBandwidth:
		return d.EngineBandwidth(target)
	case InflatePerforation:
		u, _ := d.PerforationUtilization(target)
		return u
	}
	return float64(d.TotalSliceCount())
}

// inflateForNumSlices reduces the total slice count. It first tries a
// perforation inflation on a copy, keeping it only if it also reduced the
// slice count, so coarsening locks in an even core split when it can.
func (r *Runner) inflateForNumSlices(pr *planRun) bool {
	d := pr.eval.Details()
	before := d.TotalSliceCount()

	trial := pr.plan.Clone()
	if r.tools.Slicer.InflateStrategy(InflatePerforation, pr.view, trial, NoOp) &&
		NewSlicingDetails(pr.view.BVDs, trial, r.cfg.Hardware.NumCores).TotalSliceCount() < before {
		pr.plan.CopyFrom(trial)
		r.recordInflation(pr, InflatePerforation, NoOp, true)
		return true
	}

	ok := r.tools.Slicer.InflateStrategy(InflateNumSlices, pr.view, pr.plan, NoOp)
	r.recordInflation(pr, InflateNumSlices, NoOp, ok)
	if !ok {
		return false
	}
	if after := d.TotalSliceCount(); after >= before {
		fatalf("num-slices inflation of plan %d went from %d to %d slices", pr.plan.Index, before, after)
	}
	return true
}
