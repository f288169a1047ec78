package tiler

import (
	"fmt"
	"slices"
)

// TensorRef names a tensor read or written by a sliced operation: either a
// tensor local to the sliced sub-program or a tensor of the full program.
type TensorRef struct {
	Local bool
	ID    int // index into SlicedProgram.Tensors when Local, otherwise a TensorID
}

// LocalRef refers to SlicedProgram.Tensors[i].
func LocalRef(i int) TensorRef { return TensorRef{Local: true, ID: i} }

// ProgramRef refers to a tensor of the full program.
func ProgramRef(id TensorID) TensorRef { return TensorRef{ID: int(id)} }

func (r TensorRef) String() string {
	if r.Local {
		return fmt.Sprintf("%%%d", r.ID)
	}
	return fmt.Sprintf("t%d", r.ID)
}

// SlicedTensor is one slice of a bundle tensor.
type SlicedTensor struct {
	Name      string
	Shape     []int
	ElemBytes int
	Weight    bool
	Origin    TensorID // the unsliced program tensor
	Coord     BVDCoord
	// Persist is the program tensor this slice is written back into, or
	// NoTensor for slices that live only inside the bundle.
	Persist      TensorID
	Contaminated bool
}

// Bytes returns the slice size in bytes.
func (t *SlicedTensor) Bytes() int64 {
	n := int64(t.ElemBytes)
	for _, d := range t.Shape {
		n *= int64(d)
	}
	return n
}

// SlicedOp is one operation instance at one slice coordinate.
type SlicedOp struct {
	Name    string
	Kind    OpKind
	Origin  OpID
	Coord   BVDCoord
	Inputs  []TensorRef
	Outputs []TensorRef
	// ReadBytes is the size of the region of each input the op reads; a
	// program tensor input is read one slice at a time.
	ReadBytes []int64
	Stage     int // pipeline stage assigned by the scheduler
}

// CacheDirective places a tensor slice in on-chip cache or off-chip memory.
type CacheDirective int

const (
	DirectiveOffChip CacheDirective = iota
	DirectiveStream                 // staged through the cache one slice at a time
	DirectivePinned                 // resident in the cache for the whole bundle
)

// SlicedProgram is the disposable sub-program produced by slicing a bundle
// by one plan. Dry-run sub-programs are discarded after evaluation.
type SlicedProgram struct {
	Bundle int
	DryRun bool
	Plan   *ExecutionPlan

	Ops     []SlicedOp
	Tensors []SlicedTensor

	// ReductionInputs maps each OpReduceAggregate op (index into Ops) to the
	// coordinates of its partial inputs, in input order.
	ReductionInputs map[int][]BVDCoord
	// PersistedClones lists, per boundary program tensor, the coordinates of
	// the cloned slices written back into it.
	PersistedClones map[TensorID][]BVDCoord

	Schedule       []int // op indices in execution order, set by the scheduler
	Directives     map[TensorRef]CacheDirective
	PeakCacheUsage int64

	// NextPass is the pass-pipeline cursor of the generic pass runner.
	NextPass int
	Applied  []string
}

// NewSlicedProgram returns an empty sliced program for bundle.
func NewSlicedProgram(bundle int, plan *ExecutionPlan, dryRun bool) *SlicedProgram {
	return &SlicedProgram{
		Bundle:          bundle,
		DryRun:          dryRun,
		Plan:            plan,
		ReductionInputs: make(map[int][]BVDCoord),
		PersistedClones: make(map[TensorID][]BVDCoord),
		Directives:      make(map[TensorRef]CacheDirective),
	}
}

// AddTensor appends a local tensor and returns its reference.
func (sp *SlicedProgram) AddTensor(t SlicedTensor) TensorRef {
	t.Shape = slices.Clone(t.Shape)
	sp.Tensors = append(sp.Tensors, t)
	return LocalRef(len(sp.Tensors) - 1)
}

// AddOp appends a sliced operation and returns its index.
func (sp *SlicedProgram) AddOp(op SlicedOp) int {
	sp.Ops = append(sp.Ops, op)
	return len(sp.Ops) - 1
}

// Producers maps every local tensor index to the op that writes it.
func (sp *SlicedProgram) Producers() map[int]int {
	prod := make(map[int]int, len(sp.Tensors))
	for i, op := range sp.Ops {
		for _, ref := range op.Outputs {
			if ref.Local {
				prod[ref.ID] = i
			}
		}
	}
	return prod
}
