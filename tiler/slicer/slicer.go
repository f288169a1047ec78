package slicer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// Slicer realizes plans as sliced sub-programs and applies inflation actions.
type Slicer struct {
	cfg tiler.CompilationConfig
	est *Estimator
	log *logrus.Logger
}

// NewSlicer returns a slicer sharing est with the plan generator.
func NewSlicer(cfg tiler.CompilationConfig, est *Estimator, log *logrus.Logger) *Slicer {
	return &Slicer{cfg: cfg, est: est, log: log}
}

// sliceKey identifies one slice of one program tensor.
type sliceKey struct {
	tensor tiler.TensorID
	coord  tiler.BVDCoord
}

// sliceBuilder carries the state of one SliceBundleByStrategy call.
type sliceBuilder struct {
	b        *tiler.BundleView
	sp       *tiler.SlicedProgram
	ns       tiler.NumSlicesPerBVD
	members  map[tiler.OpID]bool
	boundary map[tiler.TensorID]bool // produced inside, read outside or program outputs
	produced map[tiler.TensorID]bool
	slices   map[sliceKey]tiler.TensorRef
}

// SliceBundleByStrategy emits one sliced op per member op per slice
// coordinate. A matrix op whose reduction BVD is sliced becomes partial
// products summed by one reduce-aggregate per output slice. Inputs produced
// outside the bundle are read in place; slices of bundle outputs are written
// back into the original tensor. It returns nil when the plan leaves an empty
// slice.
func (s *Slicer) SliceBundleByStrategy(b *tiler.BundleView, plan *tiler.ExecutionPlan, dryRun bool) *tiler.SlicedProgram {
	sb := &sliceBuilder{
		b:        b,
		sp:       tiler.NewSlicedProgram(b.Index, plan, dryRun),
		ns:       plan.NumSlicesPerBVD(),
		members:  make(map[tiler.OpID]bool, len(b.Ops)),
		boundary: make(map[tiler.TensorID]bool),
		produced: make(map[tiler.TensorID]bool),
		slices:   make(map[sliceKey]tiler.TensorRef),
	}
	for _, id := range b.Ops {
		sb.members[id] = true
	}
	for _, id := range b.Ops {
		op, _ := b.Program.Op(id)
		for _, t := range op.Outputs {
			sb.produced[t] = true
			consumers := b.Program.Consumers(t)
			if len(consumers) == 0 {
				sb.boundary[t] = true
			}
			for _, c := range consumers {
				if !sb.members[c] {
					sb.boundary[t] = true
				}
			}
		}
	}

	for _, id := range b.Ops {
		op, _ := b.Program.Op(id)
		var err error
		if op.Kind == tiler.OpMatMul && sb.slicesReduction(id) {
			err = sb.emitPartialMatMul(op)
		} else {
			err = sb.emitPerCoord(op)
		}
		if err != nil {
			s.log.Debugf("bundle %d plan %d: %v", b.Index, plan.Index, err)
			return nil
		}
	}
	return sb.sp
}

func (sb *sliceBuilder) slicesReduction(op tiler.OpID) bool {
	k := sb.b.BVDs.OperandBVDs(op, 0)[1]
	return sb.ns[k] > 1
}

// shapeAt returns the shape of the slice of t at coord.
func (sb *sliceBuilder) shapeAt(t tiler.TensorID, coord tiler.BVDCoord) ([]int, error) {
	dims := sb.b.BVDs.TensorBVDs(t)
	shape := make([]int, len(dims))
	for i, id := range dims {
		shape[i] = tiler.SliceExtent(sb.b.BVDs.Resolution(id), sb.ns[id], coord.At(id))
		if shape[i] == 0 {
			return nil, fmt.Errorf("tensor %d is empty at slice %s", t, coord)
		}
	}
	return shape, nil
}

// read returns the reference an op at coord reads t through, and the bytes of
// the region it reads.
func (sb *sliceBuilder) read(t tiler.TensorID, coord tiler.BVDCoord) (tiler.TensorRef, int64, error) {
	tensor, _ := sb.b.Program.Tensor(t)
	shape, err := sb.shapeAt(t, coord)
	if err != nil {
		return tiler.TensorRef{}, 0, err
	}
	n := int64(tensor.ElemBytes)
	for _, d := range shape {
		n *= int64(d)
	}
	if !sb.produced[t] {
		return tiler.ProgramRef(t), n, nil
	}
	ref, ok := sb.slices[sliceKey{t, coord.Project(sb.b.BVDs.TensorBVDs(t))}]
	if !ok {
		return tiler.TensorRef{}, 0, fmt.Errorf("slice %s of tensor %s read before it is written", coord, tensor.Name)
	}
	return ref, n, nil
}

// write creates the slice of t at coord written by a sliced op.
func (sb *sliceBuilder) write(t tiler.TensorID, coord tiler.BVDCoord) (tiler.TensorRef, error) {
	tensor, _ := sb.b.Program.Tensor(t)
	coord = coord.Project(sb.b.BVDs.TensorBVDs(t))
	shape, err := sb.shapeAt(t, coord)
	if err != nil {
		return tiler.TensorRef{}, err
	}
	st := tiler.SlicedTensor{
		Name:         fmt.Sprintf("%s%s", tensor.Name, coord),
		Shape:        shape,
		ElemBytes:    tensor.ElemBytes,
		Weight:       tensor.Weight,
		Origin:       t,
		Coord:        coord,
		Persist:      tiler.NoTensor,
		Contaminated: tensor.Contaminated,
	}
	if sb.boundary[t] {
		st.Persist = t
		sb.sp.PersistedClones[t] = append(sb.sp.PersistedClones[t], coord)
	}
	ref := sb.sp.AddTensor(st)
	sb.slices[sliceKey{t, coord}] = ref
	return ref, nil
}

// emitPerCoord emits one sliced op per coordinate of the op's BVDs.
func (sb *sliceBuilder) emitPerCoord(op *tiler.Operation) error {
	for _, coord := range sb.ns.Coords(sb.b.BVDs.OpBVDs(op.ID)) {
		sop := tiler.SlicedOp{
			Name:   fmt.Sprintf("%s%s", op.Name, coord),
			Kind:   op.Kind,
			Origin: op.ID,
			Coord:  coord,
		}
		for _, t := range op.Inputs {
			ref, n, err := sb.read(t, coord)
			if err != nil {
				return err
			}
			sop.Inputs = append(sop.Inputs, ref)
			sop.ReadBytes = append(sop.ReadBytes, n)
		}
		for _, t := range op.Outputs {
			ref, err := sb.write(t, coord)
			if err != nil {
				return err
			}
			sop.Outputs = append(sop.Outputs, ref)
		}
		sb.sp.AddOp(sop)
	}
	return nil
}

// emitPartialMatMul emits a partial product per coordinate and, per output
// slice, a reduce-aggregate over the partials in reduction order.
func (sb *sliceBuilder) emitPartialMatMul(op *tiler.Operation) error {
	out := op.Outputs[0]
	outTensor, _ := sb.b.Program.Tensor(out)
	outBVDs := sb.b.BVDs.OutputBVDs(op.ID)

	type partial struct {
		ref   tiler.TensorRef
		coord tiler.BVDCoord
		bytes int64
	}
	groups := make(map[tiler.BVDCoord][]partial)
	var order []tiler.BVDCoord

	for _, coord := range sb.ns.Coords(sb.b.BVDs.OpBVDs(op.ID)) {
		sop := tiler.SlicedOp{
			Name:   fmt.Sprintf("%s.partial%s", op.Name, coord),
			Kind:   tiler.OpMatMul,
			Origin: op.ID,
			Coord:  coord,
		}
		for _, t := range op.Inputs {
			ref, n, err := sb.read(t, coord)
			if err != nil {
				return err
			}
			sop.Inputs = append(sop.Inputs, ref)
			sop.ReadBytes = append(sop.ReadBytes, n)
		}
		outCoord := coord.Project(outBVDs)
		shape, err := sb.shapeAt(out, outCoord)
		if err != nil {
			return err
		}
		pt := tiler.SlicedTensor{
			Name:      fmt.Sprintf("%s.partial%s", outTensor.Name, coord),
			Shape:     shape,
			ElemBytes: outTensor.ElemBytes,
			Origin:    out,
			Coord:     coord,
			Persist:   tiler.NoTensor,
		}
		ref := sb.sp.AddTensor(pt)
		sop.Outputs = []tiler.TensorRef{ref}
		sb.sp.AddOp(sop)

		if _, ok := groups[outCoord]; !ok {
			order = append(order, outCoord)
		}
		groups[outCoord] = append(groups[outCoord], partial{ref: ref, coord: coord, bytes: pt.Bytes()})
	}

	for _, outCoord := range order {
		agg := tiler.SlicedOp{
			Name:   fmt.Sprintf("%s.aggregate%s", op.Name, outCoord),
			Kind:   tiler.OpReduceAggregate,
			Origin: op.ID,
			Coord:  outCoord,
		}
		coords := make([]tiler.BVDCoord, 0, len(groups[outCoord]))
		for _, p := range groups[outCoord] {
			agg.Inputs = append(agg.Inputs, p.ref)
			agg.ReadBytes = append(agg.ReadBytes, p.bytes)
			coords = append(coords, p.coord)
		}
		ref, err := sb.write(out, outCoord)
		if err != nil {
			return err
		}
		agg.Outputs = []tiler.TensorRef{ref}
		idx := sb.sp.AddOp(agg)
		sb.sp.ReductionInputs[idx] = coords
	}
	return nil
}
