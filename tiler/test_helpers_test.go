package tiler

import (
	"io"
	"slices"
	"testing"

	"github.com/sirupsen/logrus"
)

// gemmProgram is x[256,512] * w[512,256] -> y, relu(y) -> z, scale(z) -> s,
// then store(s) -> out outside any bundle. BVDs of the bundle are
// 0 = rows (256), 1 = reduction (512), 2 = columns (256).
type gemmProgram struct {
	prog                   *Program
	x, w, y, z, s, out     TensorID
	mm, relu, scale, store OpID
}

func newGEMMProgram(t *testing.T) *gemmProgram {
	t.Helper()
	g := &gemmProgram{prog: NewProgram()}
	tensor := func(name string, weight bool, shape ...int) TensorID {
		return g.prog.AddTensor(Tensor{Name: name, Shape: shape, ElemBytes: 2, Weight: weight})
	}
	op := func(name string, kind OpKind, in []TensorID, out TensorID) OpID {
		id, err := g.prog.AddOp(Operation{Name: name, Kind: kind, Inputs: in, Outputs: []TensorID{out}, Bundle: NoBundle})
		if err != nil {
			t.Fatalf("building %s: %v", name, err)
		}
		return id
	}
	g.x = tensor("x", false, 256, 512)
	g.w = tensor("w", true, 512, 256)
	g.y = tensor("y", false, 256, 256)
	g.z = tensor("z", false, 256, 256)
	g.s = tensor("s", false, 256, 256)
	g.out = tensor("out", false, 256, 256)
	g.mm = op("gemm", OpMatMul, []TensorID{g.x, g.w}, g.y)
	g.relu = op("relu", OpElementwise, []TensorID{g.y}, g.z)
	g.scale = op("scale", OpElementwise, []TensorID{g.z}, g.s)
	g.store = op("store", OpElementwise, []TensorID{g.s}, g.out)
	return g
}

func (g *gemmProgram) bundle() []OpID { return []OpID{g.mm, g.relu, g.scale} }

func (g *gemmProgram) view(t *testing.T, index int) *BundleView {
	t.Helper()
	bvds, err := BuildBVDContainer(g.prog, g.bundle())
	if err != nil {
		t.Fatalf("building BVDs: %v", err)
	}
	return &BundleView{Index: index, Ops: g.bundle(), Program: g.prog, BVDs: bvds}
}

// newPlan returns a plan over bvds with the given per-BVD slice counts and a
// QoR record for every op in qor.
func newPlan(bvds *BVDContainer, index int, counts []int, qor map[OpID]*OpQoR) *ExecutionPlan {
	p := &ExecutionPlan{Index: index, PipelineDepth: 1, QoR: make(map[OpID]*OpQoR)}
	for _, b := range bvds.All() {
		s := BVDSlicing{Common: b.Common, InflationFactor: 1}
		s.SetNumSlices(counts[b.ID])
		p.Slicing = append(p.Slicing, s)
	}
	for id, q := range qor {
		cp := *q
		p.QoR[id] = &cp
	}
	p.Solution = &MatrixEngineData{Tile: TileShape{M: 128, N: 128, K: 64}}
	return p
}

// qorRecord is an unperforated, uninflated QoR record.
func qorRecord(util float64, bw OperandBandwidth) *OpQoR {
	return &OpQoR{Utilization: util, Bandwidth: bw, InflationBVD: NoBVD, PerforationBVD: NoBVD}
}

func testConfig() CompilationConfig {
	cfg := DefaultCompilationConfig()
	cfg.Pipeline = PipelineConfig{MinDepth: 1, MaxDepth: 1}
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return l
}

// requireInternalError runs fn and fails unless it panics with *InternalError.
func requireInternalError(t *testing.T, fn func()) *InternalError {
	t.Helper()
	var got *InternalError
	func() {
		defer func() {
			r := recover()
			ie, ok := r.(*InternalError)
			if !ok {
				t.Fatalf("expected *InternalError panic, got %v", r)
			}
			got = ie
		}()
		fn()
	}()
	return got
}

// testMembers is a fixed bundle membership.
type testMembers map[int][]OpID

func (m testMembers) BundleIndices() []int {
	idx := make([]int, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	return idx
}

func (m testMembers) BundleOps(index int) []OpID { return slices.Clone(m[index]) }

// fakeTools implements every collaborator with overridable behaviour. The
// defaults succeed: slicing copies every op once, stages pass, and the cache
// reports cacheUsage bytes.
type fakeTools struct {
	plans      func(b *BundleView) []*ExecutionPlan
	inflate    func(kind InflationKind, b *BundleView, plan *ExecutionPlan, target OpID) bool
	slice      func(b *BundleView, plan *ExecutionPlan, dryRun bool) *SlicedProgram
	partial    func(sp *SlicedProgram, dryRun bool) bool
	schedule   func(sp *SlicedProgram, dryRun bool) bool
	cache      func(sp *SlicedProgram, dryRun bool) bool
	cacheUsage int64

	inflations []InflationKind
	passStops  []PassID
	dryRuns    int
}

func (f *fakeTools) toolchain() Toolchain {
	return Toolchain{Generator: f, Slicer: f, PartialWrites: f, Scheduler: f, Cache: f, Passes: f}
}

func (f *fakeTools) GetStrategies(b *BundleView) []*ExecutionPlan {
	if f.plans == nil {
		return nil
	}
	return f.plans(b)
}

func (f *fakeTools) InflateStrategy(kind InflationKind, b *BundleView, plan *ExecutionPlan, target OpID) bool {
	f.inflations = append(f.inflations, kind)
	if f.inflate == nil {
		return false
	}
	return f.inflate(kind, b, plan, target)
}

func (f *fakeTools) SliceBundleByStrategy(b *BundleView, plan *ExecutionPlan, dryRun bool) *SlicedProgram {
	if dryRun {
		f.dryRuns++
	}
	if f.slice != nil {
		return f.slice(b, plan, dryRun)
	}
	return identitySlice(b, plan, dryRun)
}

func (f *fakeTools) HandlePartialWrites(sp *SlicedProgram, dryRun bool) bool {
	return f.partial == nil || f.partial(sp, dryRun)
}

func (f *fakeTools) ScheduleBundle(sp *SlicedProgram, dryRun bool) bool {
	return f.schedule == nil || f.schedule(sp, dryRun)
}

func (f *fakeTools) SetCacheDirectives(sp *SlicedProgram, dryRun bool) bool {
	if f.cache != nil {
		return f.cache(sp, dryRun)
	}
	sp.PeakCacheUsage = f.cacheUsage
	return true
}

func (f *fakeTools) RunPartialPasses(sp *SlicedProgram, stopBefore PassID) bool {
	f.passStops = append(f.passStops, stopBefore)
	return true
}

// halveLargest is a num-slices inflation that halves the most-sliced BVD.
func halveLargest(kind InflationKind, _ *BundleView, plan *ExecutionPlan, _ OpID) bool {
	if kind != InflateNumSlices {
		return false
	}
	best := -1
	for i, s := range plan.Slicing {
		if s.NumSlices > 1 && (best < 0 || s.NumSlices > plan.Slicing[best].NumSlices) {
			best = i
		}
	}
	if best < 0 {
		return false
	}
	plan.Slicing[best].SetNumSlices(plan.Slicing[best].NumSlices / 2)
	return true
}

// identitySlice realizes a bundle with one sliced op per member op: inputs
// produced outside are read in place, outputs read outside are persisted.
func identitySlice(b *BundleView, plan *ExecutionPlan, dryRun bool) *SlicedProgram {
	sp := NewSlicedProgram(b.Index, plan, dryRun)
	members := make(map[OpID]bool, len(b.Ops))
	for _, id := range b.Ops {
		members[id] = true
	}
	local := make(map[TensorID]TensorRef)
	for _, id := range b.Ops {
		op, _ := b.Program.Op(id)
		sop := SlicedOp{Name: op.Name, Kind: op.Kind, Origin: id, Coord: NewBVDCoord(b.BVDs.Len())}
		for _, t := range op.Inputs {
			if ref, ok := local[t]; ok {
				sop.Inputs = append(sop.Inputs, ref)
			} else {
				sop.Inputs = append(sop.Inputs, ProgramRef(t))
			}
		}
		for _, t := range op.Outputs {
			tensor, _ := b.Program.Tensor(t)
			persist := NoTensor
			consumers := b.Program.Consumers(t)
			if len(consumers) == 0 {
				persist = t
			}
			for _, c := range consumers {
				if !members[c] {
					persist = t
				}
			}
			ref := sp.AddTensor(SlicedTensor{
				Name:         tensor.Name,
				Shape:        tensor.Shape,
				ElemBytes:    tensor.ElemBytes,
				Weight:       tensor.Weight,
				Origin:       t,
				Persist:      persist,
				Contaminated: tensor.Contaminated,
			})
			local[t] = ref
			sop.Outputs = append(sop.Outputs, ref)
		}
		sp.AddOp(sop)
	}
	return sp
}

// newTestRunner returns a runner over g with bundle 0 = g.bundle().
func newTestRunner(t *testing.T, g *gemmProgram, cfg CompilationConfig, f *fakeTools, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewRunner(cfg, g.prog, NewDataStore(), testMembers{0: g.bundle()}, f.toolchain(), opts...)
}

// newPlanRun returns the inflation state of plan under r.
func newPlanRun(r *Runner, v *BundleView, plan *ExecutionPlan, matrixOps []OpID, maxUtil map[OpID]float64) *planRun {
	return &planRun{
		view: v,
		plan: plan,
		eval: NewBundleEvaluator(&r.cfg, v.BVDs, plan, matrixOps, maxUtil),
		log:  logrus.NewEntry(r.log),
	}
}
