package slicer

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// PartialWritesHandler legalizes the partial outputs of reduction-sliced
// matrix ops: each aggregate must sum one partial per reduction slice of the
// same output slice, within the hardware's accumulation fan-in.
type PartialWritesHandler struct {
	maxFanIn int
	log      *logrus.Logger
}

// NewPartialWritesHandler returns a handler for the given fan-in limit.
func NewPartialWritesHandler(maxFanIn int, log *logrus.Logger) *PartialWritesHandler {
	return &PartialWritesHandler{maxFanIn: maxFanIn, log: log}
}

// HandlePartialWrites checks every aggregate against its recorded input
// coordinates.
func (h *PartialWritesHandler) HandlePartialWrites(sp *tiler.SlicedProgram, dryRun bool) bool {
	for idx, coords := range sp.ReductionInputs {
		op := sp.Ops[idx]
		if op.Kind != tiler.OpReduceAggregate {
			h.log.Debugf("bundle %d: %s has recorded reduction inputs but is a %s", sp.Bundle, op.Name, op.Kind)
			return false
		}
		if len(coords) > h.maxFanIn {
			h.log.Debugf("bundle %d: %s sums %d partials, fan-in limit is %d", sp.Bundle, op.Name, len(coords), h.maxFanIn)
			return false
		}
		seen := make(map[tiler.BVDCoord]bool, len(coords))
		for _, c := range coords {
			if seen[c] {
				h.log.Debugf("bundle %d: %s sums partial %s twice", sp.Bundle, op.Name, c)
				return false
			}
			seen[c] = true
		}
	}
	if !dryRun {
		h.log.Debugf("bundle %d: %d aggregates legalized", sp.Bundle, len(sp.ReductionInputs))
	}
	return true
}
