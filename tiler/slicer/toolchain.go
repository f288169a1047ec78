// Package slicer provides the reference collaborators of the tiling
// optimizer: a roofline-style QoR estimator, a candidate plan generator, the
// physical slicer with its inflation actions, the generic pass pipeline, the
// partial-writes handler, a scheduler and a cache-directive assigner.
package slicer

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// New wires the reference collaborators for one compilation job. The
// generator and the slicer share one estimator so inflated plans are judged
// by the same model that produced them.
func New(cfg tiler.CompilationConfig, log *logrus.Logger) tiler.Toolchain {
	est := NewEstimator(cfg.Hardware)
	return tiler.Toolchain{
		Generator:     NewGenerator(cfg, est, log),
		Slicer:        NewSlicer(cfg, est, log),
		PartialWrites: NewPartialWritesHandler(cfg.Hardware.MaxPartialWriteFanIn, log),
		Scheduler:     NewScheduler(log),
		Cache:         NewCacheAssigner(cfg.Hardware.CacheCapacity, log),
		Passes:        NewPassManager(log),
	}
}
