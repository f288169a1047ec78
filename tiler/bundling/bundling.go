// Package bundling forms the bundles the tiling optimizer works on.
package bundling

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// Membership is a fixed bundle assignment. It implements
// tiler.MembershipProvider.
type Membership struct {
	order   []int
	bundles map[int][]tiler.OpID
}

// NewMembership returns the membership given by bundles, processed in
// ascending index order.
func NewMembership(bundles map[int][]tiler.OpID) *Membership {
	m := &Membership{bundles: make(map[int][]tiler.OpID, len(bundles))}
	for idx, ops := range bundles {
		m.bundles[idx] = slices.Clone(ops)
	}
	m.order = slices.Sorted(maps.Keys(m.bundles))
	return m
}

// BundleIndices returns the bundles in processing order.
func (m *Membership) BundleIndices() []int { return slices.Clone(m.order) }

// BundleOps returns the member operations of a bundle in program order.
func (m *Membership) BundleOps(index int) []tiler.OpID { return slices.Clone(m.bundles[index]) }

// FromProgram collects the bundles recorded on the program's operations.
func FromProgram(p *tiler.Program) *Membership {
	bundles := make(map[int][]tiler.OpID)
	for _, id := range p.Ops() {
		op, _ := p.Op(id)
		if op.Bundle != tiler.NoBundle {
			bundles[op.Bundle] = append(bundles[op.Bundle], id)
		}
	}
	return NewMembership(bundles)
}

// ExpandConfig bounds bundle growth.
type ExpandConfig struct {
	MaxOps int // 0 means unbounded
}

type growingBundle struct {
	index int
	ops   []tiler.OpID
}

// Expand forms bundles over the operations not yet assigned to one: every
// matrix op seeds a bundle, in program order; bundles then grow round-robin,
// each step absorbing one elementwise or transpose op that is the only
// consumer of a bundle output. A bundle leaves the rotation only when its
// step fails. The chosen bundle is recorded on each operation, and the
// returned membership also holds the bundles assigned before the call.
func Expand(p *tiler.Program, cfg ExpandConfig, log *logrus.Logger) (*Membership, error) {
	pos := make(map[tiler.OpID]int)
	for i, id := range p.Ops() {
		pos[id] = i
	}
	next := 0
	for _, id := range p.Ops() {
		op, _ := p.Op(id)
		next = max(next, op.Bundle+1)
	}

	var active []*growingBundle
	for _, id := range p.Ops() {
		op, _ := p.Op(id)
		if op.Kind != tiler.OpMatMul || op.Bundle != tiler.NoBundle {
			continue
		}
		op.Bundle = next
		active = append(active, &growingBundle{index: next, ops: []tiler.OpID{id}})
		next++
	}
	all := slices.Clone(active)

	for len(active) > 0 {
		still := active[:0]
		for _, gb := range active {
			if absorbed := expandStep(p, gb, pos, cfg); absorbed != tiler.NoOp {
				log.Debugf("bundle %d absorbed op %d", gb.index, absorbed)
				still = append(still, gb)
			}
		}
		active = still
	}

	for _, gb := range all {
		log.Debugf("bundle %d formed with %d ops", gb.index, len(gb.ops))
	}
	m := FromProgram(p)
	for _, idx := range m.order {
		if !slices.ContainsFunc(m.bundles[idx], func(id tiler.OpID) bool {
			op, _ := p.Op(id)
			return op.Kind == tiler.OpMatMul
		}) {
			op, _ := p.Op(m.bundles[idx][0])
			return nil, fmt.Errorf("operation %s is in bundle %d that has no matrix op seed", op.Name, idx)
		}
	}
	return m, nil
}

// expandStep absorbs the earliest eligible neighbour and returns it, or NoOp.
func expandStep(p *tiler.Program, gb *growingBundle, pos map[tiler.OpID]int, cfg ExpandConfig) tiler.OpID {
	if cfg.MaxOps > 0 && len(gb.ops) >= cfg.MaxOps {
		return tiler.NoOp
	}
	members := make(map[tiler.OpID]bool, len(gb.ops))
	first := pos[gb.ops[0]]
	for _, id := range gb.ops {
		members[id] = true
		first = min(first, pos[id])
	}

	var cands []tiler.OpID
	for _, id := range gb.ops {
		op, _ := p.Op(id)
		for _, t := range op.Outputs {
			consumers := p.Consumers(t)
			if len(consumers) != 1 || members[consumers[0]] {
				continue
			}
			if c := consumers[0]; eligible(p, c, members, pos, first) {
				cands = append(cands, c)
			}
		}
	}
	if len(cands) == 0 {
		return tiler.NoOp
	}
	slices.SortFunc(cands, func(a, b tiler.OpID) int { return pos[a] - pos[b] })

	for _, c := range cands {
		grown := append(slices.Clone(gb.ops), c)
		slices.SortFunc(grown, func(a, b tiler.OpID) int { return pos[a] - pos[b] })
		if _, err := tiler.BuildBVDContainer(p, grown); err != nil {
			continue
		}
		op, _ := p.Op(c)
		op.Bundle = gb.index
		gb.ops = grown
		return c
	}
	return tiler.NoOp
}

// eligible reports whether c may join the bundle: an unbundled vector or
// transpose op whose other inputs are ready before the bundle starts, so
// the grown bundle stays convex.
func eligible(p *tiler.Program, c tiler.OpID, members map[tiler.OpID]bool, pos map[tiler.OpID]int, first int) bool {
	op, ok := p.Op(c)
	if !ok || op.Bundle != tiler.NoBundle {
		return false
	}
	if op.Kind != tiler.OpElementwise && op.Kind != tiler.OpTranspose {
		return false
	}
	for _, t := range op.Inputs {
		prod := p.Producer(t)
		if prod == tiler.NoOp || members[prod] {
			continue
		}
		if pos[prod] > first {
			return false
		}
	}
	return true
}
