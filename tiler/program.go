package tiler

import (
	"fmt"
	"slices"
	"sort"
)

// OpID addresses an operation in a Program arena. IDs are never reused.
type OpID int

// TensorID addresses a tensor in a Program arena. IDs are never reused.
type TensorID int

const (
	NoOp     OpID     = -1
	NoTensor TensorID = -1
	// NoBundle marks an operation that belongs to no bundle.
	NoBundle = -1
)

// OpKind selects the engine an operation executes on.
type OpKind int

const (
	OpMatMul OpKind = iota
	OpElementwise
	OpTranspose
	// OpReduceAggregate sums partial results produced by slicing along a
	// common (reduction) dimension. Only the slicer creates these.
	OpReduceAggregate
)

var opKindNames = map[OpKind]string{
	OpMatMul:          "matmul",
	OpElementwise:     "elementwise",
	OpTranspose:       "transpose",
	OpReduceAggregate: "reduce-aggregate",
}

func (k OpKind) String() string {
	if s, ok := opKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// ParseOpKind maps a kind name back to its OpKind.
func ParseOpKind(s string) (OpKind, error) {
	for k, name := range opKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation kind %q", s)
}

// Engine returns the engine family that executes this kind of operation.
func (k OpKind) Engine() EngineKind {
	switch k {
	case OpMatMul:
		return EngineMatrix
	case OpTranspose:
		return EngineTranspose
	default:
		return EngineVector
	}
}

// Tensor is a dense n-dimensional value stored in off-chip memory unless the
// cache-directive pass says otherwise.
type Tensor struct {
	ID        TensorID
	Name      string
	Shape     []int
	ElemBytes int
	Weight    bool // constant operand; weights are not data tensors

	// Contaminated is set by late memory-planning stages. It must never be
	// observed on a freshly committed sliced tensor.
	Contaminated bool
}

// Bytes returns the tensor size in bytes.
func (t *Tensor) Bytes() int64 {
	n := int64(t.ElemBytes)
	for _, d := range t.Shape {
		n *= int64(d)
	}
	return n
}

// Operation is a node of the program graph.
type Operation struct {
	ID      OpID
	Name    string
	Kind    OpKind
	Inputs  []TensorID
	Outputs []TensorID
	Bundle  int
}

// Program is the full operation graph of one compilation job. Operations and
// tensors live in arenas keyed by stable integer IDs.
type Program struct {
	ops        map[OpID]*Operation
	tensors    map[TensorID]*Tensor
	order      []OpID
	nextOp     OpID
	nextTensor TensorID
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{
		ops:     make(map[OpID]*Operation),
		tensors: make(map[TensorID]*Tensor),
	}
}

// AddTensor inserts a tensor and returns its ID. The ID field of t is ignored.
func (p *Program) AddTensor(t Tensor) TensorID {
	t.ID = p.nextTensor
	t.Shape = slices.Clone(t.Shape)
	p.tensors[t.ID] = &t
	p.nextTensor++
	return t.ID
}

// AddOp appends an operation to the program order and returns its ID. The
// Bundle field is kept as given; unbundled operations must use NoBundle.
// Every input and output tensor must already exist.
func (p *Program) AddOp(op Operation) (OpID, error) {
	for _, id := range append(slices.Clone(op.Inputs), op.Outputs...) {
		if _, ok := p.tensors[id]; !ok {
			return NoOp, fmt.Errorf("operation %q references unknown tensor %d", op.Name, id)
		}
	}
	if len(op.Outputs) == 0 {
		return NoOp, fmt.Errorf("operation %q has no outputs", op.Name)
	}
	op.ID = p.nextOp
	op.Inputs = slices.Clone(op.Inputs)
	op.Outputs = slices.Clone(op.Outputs)
	p.ops[op.ID] = &op
	p.order = append(p.order, op.ID)
	p.nextOp++
	return op.ID, nil
}

// Op returns the operation with the given ID.
func (p *Program) Op(id OpID) (*Operation, bool) {
	op, ok := p.ops[id]
	return op, ok
}

// Tensor returns the tensor with the given ID.
func (p *Program) Tensor(id TensorID) (*Tensor, bool) {
	t, ok := p.tensors[id]
	return t, ok
}

// Ops returns the operation IDs in program order.
func (p *Program) Ops() []OpID {
	return slices.Clone(p.order)
}

// Tensors returns all tensor IDs in ascending order.
func (p *Program) Tensors() []TensorID {
	ids := make([]TensorID, 0, len(p.tensors))
	for id := range p.tensors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumOps returns the number of operations.
func (p *Program) NumOps() int { return len(p.order) }

// Producer returns the operation writing t, or NoOp for program inputs.
func (p *Program) Producer(t TensorID) OpID {
	for _, id := range p.order {
		if slices.Contains(p.ops[id].Outputs, t) {
			return id
		}
	}
	return NoOp
}

// Consumers returns the operations reading t, in program order.
func (p *Program) Consumers(t TensorID) []OpID {
	var out []OpID
	for _, id := range p.order {
		if slices.Contains(p.ops[id].Inputs, t) {
			out = append(out, id)
		}
	}
	return out
}

// RemoveTensor deletes a tensor from the arena without touching operations.
// Callers are responsible for graph consistency.
func (p *Program) RemoveTensor(id TensorID) {
	delete(p.tensors, id)
}

// Clone returns a deep copy of the program.
func (p *Program) Clone() *Program {
	c := &Program{
		ops:        make(map[OpID]*Operation, len(p.ops)),
		tensors:    make(map[TensorID]*Tensor, len(p.tensors)),
		order:      slices.Clone(p.order),
		nextOp:     p.nextOp,
		nextTensor: p.nextTensor,
	}
	for id, op := range p.ops {
		cp := *op
		cp.Inputs = slices.Clone(op.Inputs)
		cp.Outputs = slices.Clone(op.Outputs)
		c.ops[id] = &cp
	}
	for id, t := range p.tensors {
		cp := *t
		cp.Shape = slices.Clone(t.Shape)
		c.tensors[id] = &cp
	}
	return c
}

// ReplaceNodes swaps the operations in old for the operations of sp. The
// replacement is all-or-nothing: every reference is validated before the
// first mutation, and on error the program is left untouched.
//
// Sliced tensors persisted into a program tensor alias that tensor; all other
// sliced tensors become new program tensors. Tensors that were produced and
// consumed only inside old are dropped. The returned map translates sliced op
// indices to their new program IDs.
func (p *Program) ReplaceNodes(old []OpID, sp *SlicedProgram) (map[int]OpID, error) {
	if len(old) == 0 {
		return nil, fmt.Errorf("replace nodes: empty operation set")
	}
	oldSet := make(map[OpID]bool, len(old))
	for _, id := range old {
		if _, ok := p.ops[id]; !ok {
			return nil, fmt.Errorf("replace nodes: operation %d does not exist", id)
		}
		oldSet[id] = true
	}

	internal := p.internalTensors(oldSet, sp)
	checkRef := func(opName string, ref TensorRef) error {
		if ref.Local {
			if ref.ID < 0 || ref.ID >= len(sp.Tensors) {
				return fmt.Errorf("replace nodes: %s references sliced tensor %d out of range", opName, ref.ID)
			}
			return nil
		}
		tid := TensorID(ref.ID)
		if _, ok := p.tensors[tid]; !ok {
			return fmt.Errorf("replace nodes: %s reads missing tensor %d", opName, tid)
		}
		if internal[tid] {
			return fmt.Errorf("replace nodes: %s reads bundle-internal tensor %d", opName, tid)
		}
		return nil
	}
	for _, op := range sp.Ops {
		if len(op.Outputs) == 0 {
			return nil, fmt.Errorf("replace nodes: sliced op %s has no outputs", op.Name)
		}
		for _, ref := range append(slices.Clone(op.Inputs), op.Outputs...) {
			if err := checkRef(op.Name, ref); err != nil {
				return nil, err
			}
		}
	}
	for _, st := range sp.Tensors {
		if st.Persist == NoTensor {
			continue
		}
		if _, ok := p.tensors[st.Persist]; !ok {
			return nil, fmt.Errorf("replace nodes: sliced tensor %s persists into missing tensor %d", st.Name, st.Persist)
		}
	}
	if sp.Schedule != nil && len(sp.Schedule) != len(sp.Ops) {
		return nil, fmt.Errorf("replace nodes: schedule covers %d of %d sliced ops", len(sp.Schedule), len(sp.Ops))
	}

	// Validation done; mutate.
	insertAt := -1
	kept := make([]OpID, 0, len(p.order))
	for _, id := range p.order {
		if oldSet[id] {
			delete(p.ops, id)
			if insertAt < 0 {
				insertAt = len(kept)
			}
			continue
		}
		kept = append(kept, id)
	}
	for tid := range internal {
		delete(p.tensors, tid)
	}

	localIDs := make([]TensorID, len(sp.Tensors))
	for i, st := range sp.Tensors {
		if st.Persist != NoTensor {
			localIDs[i] = st.Persist
			continue
		}
		localIDs[i] = p.AddTensor(Tensor{
			Name:         st.Name,
			Shape:        st.Shape,
			ElemBytes:    st.ElemBytes,
			Weight:       st.Weight,
			Contaminated: st.Contaminated,
		})
	}
	resolve := func(refs []TensorRef) []TensorID {
		out := make([]TensorID, len(refs))
		for i, ref := range refs {
			if ref.Local {
				out[i] = localIDs[ref.ID]
			} else {
				out[i] = TensorID(ref.ID)
			}
		}
		return out
	}

	order := sp.Schedule
	if order == nil {
		order = make([]int, len(sp.Ops))
		for i := range order {
			order[i] = i
		}
	}
	ids := make(map[int]OpID, len(sp.Ops))
	added := make([]OpID, 0, len(order))
	for _, idx := range order {
		sop := sp.Ops[idx]
		op := &Operation{
			ID:      p.nextOp,
			Name:    sop.Name,
			Kind:    sop.Kind,
			Inputs:  resolve(sop.Inputs),
			Outputs: resolve(sop.Outputs),
			Bundle:  sp.Bundle,
		}
		p.ops[op.ID] = op
		p.nextOp++
		ids[idx] = op.ID
		added = append(added, op.ID)
	}
	p.order = slices.Concat(kept[:insertAt], added, kept[insertAt:])
	return ids, nil
}

// internalTensors returns the tensors produced inside set whose every reader
// is also inside set and which the sliced program does not persist.
func (p *Program) internalTensors(set map[OpID]bool, sp *SlicedProgram) map[TensorID]bool {
	persisted := make(map[TensorID]bool)
	for _, st := range sp.Tensors {
		if st.Persist != NoTensor {
			persisted[st.Persist] = true
		}
	}
	internal := make(map[TensorID]bool)
	for id := range set {
		for _, t := range p.ops[id].Outputs {
			if persisted[t] {
				continue
			}
			consumers := p.Consumers(t)
			if len(consumers) == 0 {
				continue
			}
			inside := true
			for _, c := range consumers {
				if !set[c] {
					inside = false
					break
				}
			}
			if inside {
				internal[t] = true
			}
		}
	}
	return internal
}
