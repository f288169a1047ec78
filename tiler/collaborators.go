package tiler

// BundleView is what collaborators see of a bundle under optimization.
type BundleView struct {
	Index   int
	Ops     []OpID // member operations in program order
	Program *Program
	BVDs    *BVDContainer
}

// MatrixOps returns the members that run on the matrix engine.
func (b *BundleView) MatrixOps() []OpID {
	var out []OpID
	for _, id := range b.Ops {
		if op, ok := b.Program.Op(id); ok && op.Kind == OpMatMul {
			out = append(out, id)
		}
	}
	return out
}

// OpNames returns the names of the member operations, for diagnostics.
func (b *BundleView) OpNames() []string {
	names := make([]string, 0, len(b.Ops))
	for _, id := range b.Ops {
		if op, ok := b.Program.Op(id); ok {
			names = append(names, op.Name)
		}
	}
	return names
}

// PlanGenerator enumerates the initial candidate plans of a bundle. An empty
// result means no composition is possible.
type PlanGenerator interface {
	GetStrategies(b *BundleView) []*ExecutionPlan
}

// InflationKind names a corrective plan mutation.
type InflationKind int

const (
	InflateUtilization InflationKind = iota
	InflateBandwidth
	InflatePerforation
	InflateNumSlices
)

func (k InflationKind) String() string {
	switch k {
	case InflateUtilization:
		return "utilization"
	case InflateBandwidth:
		return "bandwidth"
	case InflatePerforation:
		return "perforation"
	case InflateNumSlices:
		return "num-slices"
	}
	return "unknown"
}

// Slicer physically slices bundles and mutates plans.
type Slicer interface {
	// SliceBundleByStrategy returns the sliced sub-program, or nil when the
	// plan cannot be realized.
	SliceBundleByStrategy(b *BundleView, plan *ExecutionPlan, dryRun bool) *SlicedProgram
	// InflateStrategy applies one corrective mutation in place. It returns
	// false, leaving the plan unchanged, when no further coarsening is possible.
	InflateStrategy(kind InflationKind, b *BundleView, plan *ExecutionPlan, target OpID) bool
}

// PartialWritesHandler legalizes partial results of reduction-sliced ops.
type PartialWritesHandler interface {
	HandlePartialWrites(sp *SlicedProgram, dryRun bool) bool
}

// Scheduler orders the sliced operations of a bundle.
type Scheduler interface {
	ScheduleBundle(sp *SlicedProgram, dryRun bool) bool
}

// CacheAssigner places sliced operands in on-chip cache or off-chip memory
// and records the peak cache usage.
type CacheAssigner interface {
	SetCacheDirectives(sp *SlicedProgram, dryRun bool) bool
}

// PassID names a stage of the post-slicing pass pipeline.
type PassID string

const (
	PassPartialWrites   PassID = "partial-writes"
	PassScheduler       PassID = "scheduler"
	PassCacheDirectives PassID = "cache-directives"
)

// PassRunner advances a sliced sub-program through the generic compiler
// passes that precede stopBefore.
type PassRunner interface {
	RunPartialPasses(sp *SlicedProgram, stopBefore PassID) bool
}

// MembershipProvider supplies bundle membership. The optimizer never
// discovers bundles itself.
type MembershipProvider interface {
	// BundleIndices returns the bundles in processing order.
	BundleIndices() []int
	BundleOps(index int) []OpID
}

// Toolchain groups the collaborators the runner drives.
type Toolchain struct {
	Generator     PlanGenerator
	Slicer        Slicer
	PartialWrites PartialWritesHandler
	Scheduler     Scheduler
	Cache         CacheAssigner
	Passes        PassRunner
}
