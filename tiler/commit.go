package tiler

import "fmt"

// commit realizes the winning plan on the full program. A returned error
// means the program was left untouched and the bundle should fall back.
func (r *Runner) commit(view *BundleView, win *Snapshot) error {
	sp := r.tools.Slicer.SliceBundleByStrategy(view, win.Plan, false)
	if sp == nil {
		return fmt.Errorf("slicing bundle %d by plan %d failed", view.Index, win.Plan.Index)
	}
	ids, err := r.prog.ReplaceNodes(view.Ops, sp)
	if err != nil {
		return err
	}

	reductions := make(map[OpID][]BVDCoord, len(sp.ReductionInputs))
	for local, coords := range sp.ReductionInputs {
		id, ok := ids[local]
		if !ok {
			fatalf("reduce-aggregate %d of bundle %d was not committed", local, view.Index)
		}
		reductions[id] = coords
	}
	r.store.Merge(view.Index, &BundleData{
		Plan:            win.Plan,
		NumSlicesPerBVD: win.Plan.NumSlicesPerBVD(),
		PeakCacheUsage:  int64(win.Evaluation.CacheUsage.Value),
		ReductionInputs: reductions,
		PersistedClones: sp.PersistedClones,
	})
	if win.Plan.Solution != nil {
		win.Plan.Solution.Finalize()
	}
	checkContamination(sp)
	return nil
}

// checkContamination is the post-commit canary: no data tensor of a freshly
// committed sliced program may carry the contamination flag.
func checkContamination(sp *SlicedProgram) {
	for i := range sp.Tensors {
		t := &sp.Tensors[i]
		if t.Contaminated && !t.Weight {
			fatalf("sliced tensor %s of bundle %d is contaminated at commit", t.Name, sp.Bundle)
		}
	}
}
