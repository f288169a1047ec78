// Package tiler provides the resource-constrained tiling and scheduling
// optimizer of the compiler backend.
//
// # Reading Guide
//
// Start with these files to understand the optimizer core:
//   - bvd.go: Bundle View Dimensions, the shared slicing axes of a bundle
//   - plan.go: ExecutionPlan (per-BVD slice counts, pipeline depth, engine solution)
//   - evaluator.go: multi-metric verdict on a plan (slices, utilization, bandwidth, perforation, cache)
//   - inflation.go: the validity-seeking loop that coarsens an invalid plan
//   - runner.go: per-bundle depth sweep, maximal inflation, selection and commit
//
// # Architecture
//
// The tiler package defines the core and its collaborator interfaces;
// reference implementations live in sub-packages:
//   - tiler/slicer/: plan generator, QoR estimator, physical slicer, passes, scheduler, cache directives
//   - tiler/bundling/: bundle membership (explicit or round-robin expansion)
//   - tiler/trace/: decision trace recording
//
// Collaborators are injected through Toolchain; the core depends only on the
// interfaces in collaborators.go.
//
// # Error Model
//
// Per-plan and per-bundle failures are boolean returns: a bundle that cannot
// be optimized falls back to off-chip execution and is logged at warning
// level. Violated invariants panic with *InternalError, which Runner.Run
// turns into a returned error.
package tiler
