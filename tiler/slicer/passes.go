package slicer

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// Pass is a generic compiler pass over a sliced sub-program.
type Pass interface {
	Name() string
	Run(sp *tiler.SlicedProgram) error
}

// pipelineEntry is either a generic pass or the marker of a verification
// stage the optimizer runs itself.
type pipelineEntry struct {
	pass  Pass
	stage tiler.PassID
}

// PassManager runs the generic passes between the optimizer's verification
// stages. Each sliced program carries its own cursor, so stages resume where
// the previous call stopped.
type PassManager struct {
	pipeline []pipelineEntry
	log      *logrus.Logger
}

// NewPassManager returns the default pipeline:
// legalize-types, canonicalize, verify-dataflow, [partial-writes],
// [scheduler], verify-schedule, [cache-directives].
func NewPassManager(log *logrus.Logger) *PassManager {
	return &PassManager{
		log: log,
		pipeline: []pipelineEntry{
			{pass: NewLegalizeTypesPass()},
			{pass: NewCanonicalizePass()},
			{pass: NewVerifyDataflowPass()},
			{stage: tiler.PassPartialWrites},
			{stage: tiler.PassScheduler},
			{pass: NewVerifySchedulePass()},
			{stage: tiler.PassCacheDirectives},
		},
	}
}

// RunPartialPasses runs the generic passes from the program's cursor up to
// the stopBefore stage and moves the cursor past that stage. It fails if a
// pass fails or the stage is not ahead of the cursor.
func (pm *PassManager) RunPartialPasses(sp *tiler.SlicedProgram, stopBefore tiler.PassID) bool {
	for sp.NextPass < len(pm.pipeline) {
		entry := pm.pipeline[sp.NextPass]
		sp.NextPass++
		if entry.pass == nil {
			if entry.stage == stopBefore {
				return true
			}
			pm.log.Debugf("bundle %d: stage %s skipped on the way to %s", sp.Bundle, entry.stage, stopBefore)
			continue
		}
		if err := entry.pass.Run(sp); err != nil {
			pm.log.Debugf("bundle %d: pass %s failed: %v", sp.Bundle, entry.pass.Name(), err)
			return false
		}
		sp.Applied = append(sp.Applied, entry.pass.Name())
		pm.log.Debugf("bundle %d: pass %s done", sp.Bundle, entry.pass.Name())
	}
	pm.log.Debugf("bundle %d: stage %s is not ahead in the pass pipeline", sp.Bundle, stopBefore)
	return false
}

// LegalizeTypesPass rejects element sizes the engines cannot load.
type LegalizeTypesPass struct{}

// NewLegalizeTypesPass creates a new type legalization pass
func NewLegalizeTypesPass() *LegalizeTypesPass { return &LegalizeTypesPass{} }

// Name returns the pass name
func (p *LegalizeTypesPass) Name() string { return "legalize-types" }

// Run checks every sliced tensor's element size
func (p *LegalizeTypesPass) Run(sp *tiler.SlicedProgram) error {
	for _, t := range sp.Tensors {
		switch t.ElemBytes {
		case 1, 2, 4:
		default:
			return fmt.Errorf("tensor %s has unsupported element size %d", t.Name, t.ElemBytes)
		}
	}
	return nil
}

// CanonicalizePass orders every reduce-aggregate's inputs by coordinate so
// aggregation order does not depend on emission order.
type CanonicalizePass struct{}

// NewCanonicalizePass creates a new canonicalization pass
func NewCanonicalizePass() *CanonicalizePass { return &CanonicalizePass{} }

// Name returns the pass name
func (p *CanonicalizePass) Name() string { return "canonicalize" }

// Run sorts aggregation inputs and their recorded coordinates together
func (p *CanonicalizePass) Run(sp *tiler.SlicedProgram) error {
	for idx, coords := range sp.ReductionInputs {
		op := &sp.Ops[idx]
		if len(op.Inputs) != len(coords) {
			return fmt.Errorf("aggregate %s has %d inputs but %d recorded coordinates", op.Name, len(op.Inputs), len(coords))
		}
		perm := make([]int, len(coords))
		for i := range perm {
			perm[i] = i
		}
		slices.SortStableFunc(perm, func(a, b int) int { return compareCoords(coords[a], coords[b]) })
		inputs := make([]tiler.TensorRef, len(perm))
		reads := make([]int64, len(perm))
		sorted := make([]tiler.BVDCoord, len(perm))
		for i, j := range perm {
			inputs[i] = op.Inputs[j]
			if j < len(op.ReadBytes) {
				reads[i] = op.ReadBytes[j]
			}
			sorted[i] = coords[j]
		}
		op.Inputs, op.ReadBytes = inputs, reads
		sp.ReductionInputs[idx] = sorted
	}
	return nil
}

func compareCoords(a, b tiler.BVDCoord) int {
	for i := 0; i < min(a.Len(), b.Len()); i++ {
		x, y := a.At(tiler.BVDID(i)), b.At(tiler.BVDID(i))
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return a.Len() - b.Len()
}

// VerifyDataflowPass checks that every local tensor read is written by
// exactly one sliced op.
type VerifyDataflowPass struct{}

// NewVerifyDataflowPass creates a new dataflow verification pass
func NewVerifyDataflowPass() *VerifyDataflowPass { return &VerifyDataflowPass{} }

// Name returns the pass name
func (p *VerifyDataflowPass) Name() string { return "verify-dataflow" }

// Run checks local producers
func (p *VerifyDataflowPass) Run(sp *tiler.SlicedProgram) error {
	writers := make(map[int]int)
	for _, op := range sp.Ops {
		for _, ref := range op.Outputs {
			if ref.Local {
				writers[ref.ID]++
			}
		}
	}
	for _, op := range sp.Ops {
		for _, ref := range op.Inputs {
			if ref.Local && writers[ref.ID] != 1 {
				return fmt.Errorf("%s reads %s which has %d writers", op.Name, ref, writers[ref.ID])
			}
		}
	}
	return nil
}

// VerifySchedulePass checks the scheduler ordered every sliced op once.
type VerifySchedulePass struct{}

// NewVerifySchedulePass creates a new schedule verification pass
func NewVerifySchedulePass() *VerifySchedulePass { return &VerifySchedulePass{} }

// Name returns the pass name
func (p *VerifySchedulePass) Name() string { return "verify-schedule" }

// Run checks the schedule is a permutation of the sliced ops
func (p *VerifySchedulePass) Run(sp *tiler.SlicedProgram) error {
	if len(sp.Schedule) != len(sp.Ops) {
		return fmt.Errorf("schedule covers %d of %d ops", len(sp.Schedule), len(sp.Ops))
	}
	seen := make([]bool, len(sp.Ops))
	for _, idx := range sp.Schedule {
		if idx < 0 || idx >= len(sp.Ops) || seen[idx] {
			return fmt.Errorf("schedule entry %d is out of range or repeated", idx)
		}
		seen[idx] = true
	}
	return nil
}
