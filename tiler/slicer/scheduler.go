package slicer

import (
	"container/heap"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// readyHeap holds the sliced ops whose inputs are all available.
// Ordering: pipeline stage → op index.
type readyHeap struct {
	ops   []int
	stage []int
}

// Len implements heap.Interface
func (h *readyHeap) Len() int { return len(h.ops) }

// Less implements heap.Interface with deterministic ordering
func (h *readyHeap) Less(i, j int) bool {
	a, b := h.ops[i], h.ops[j]
	if h.stage[a] != h.stage[b] {
		return h.stage[a] < h.stage[b]
	}
	return a < b
}

// Swap implements heap.Interface
func (h *readyHeap) Swap(i, j int) { h.ops[i], h.ops[j] = h.ops[j], h.ops[i] }

// Push implements heap.Interface
func (h *readyHeap) Push(x any) { h.ops = append(h.ops, x.(int)) }

// Pop implements heap.Interface
func (h *readyHeap) Pop() any {
	old := h.ops
	n := len(old)
	item := old[n-1]
	h.ops = old[:n-1]
	return item
}

// Scheduler orders sliced ops topologically, earliest pipeline stage first.
type Scheduler struct {
	log *logrus.Logger
}

// NewScheduler returns a scheduler.
func NewScheduler(log *logrus.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// ScheduleBundle sets sp.Schedule and each op's pipeline stage: the length of
// its longest dependency chain. It fails on a dependency cycle.
func (s *Scheduler) ScheduleBundle(sp *tiler.SlicedProgram, dryRun bool) bool {
	n := len(sp.Ops)
	producers := sp.Producers()
	indeg := make([]int, n)
	succ := make([][]int, n)
	for i, op := range sp.Ops {
		for _, ref := range op.Inputs {
			if !ref.Local {
				continue
			}
			if p, ok := producers[ref.ID]; ok {
				succ[p] = append(succ[p], i)
				indeg[i]++
			}
		}
	}

	h := &readyHeap{stage: make([]int, n)}
	for i := range sp.Ops {
		if indeg[i] == 0 {
			heap.Push(h, i)
		}
	}
	order := make([]int, 0, n)
	for h.Len() > 0 {
		i := heap.Pop(h).(int)
		order = append(order, i)
		for _, j := range succ[i] {
			h.stage[j] = max(h.stage[j], h.stage[i]+1)
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(h, j)
			}
		}
	}
	if len(order) != n {
		s.log.Debugf("bundle %d: dependency cycle among %d sliced ops", sp.Bundle, n-len(order))
		return false
	}

	sp.Schedule = order
	for i := range sp.Ops {
		sp.Ops[i].Stage = h.stage[i]
	}
	if !dryRun {
		s.log.Debugf("bundle %d: scheduled %d sliced ops", sp.Bundle, n)
	}
	return true
}
