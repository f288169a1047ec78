package slicer

import (
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// CacheAssigner places sliced operands in the on-chip cache. Every operand
// streams through the cache with the ops of its slice coordinate; local
// slices read at several coordinates are pinned while room remains.
type CacheAssigner struct {
	capacity int64
	log      *logrus.Logger
}

// NewCacheAssigner returns an assigner for a cache of capacity bytes.
func NewCacheAssigner(capacity int64, log *logrus.Logger) *CacheAssigner {
	return &CacheAssigner{capacity: capacity, log: log}
}

// region is one cache-resident piece: a local tensor, or the part of a
// program tensor read at one coordinate.
type region struct {
	ref tiler.TensorRef
	at  tiler.BVDCoord
}

type pinCandidate struct {
	ref    tiler.TensorRef
	bytes  int64
	reuses int
}

// SetCacheDirectives assigns directives and records the peak cache usage:
// the largest per-coordinate working set for every in-flight pipeline stage
// plus the pinned slices. It fails when streaming alone does not fit.
func (c *CacheAssigner) SetCacheDirectives(sp *tiler.SlicedProgram, dryRun bool) bool {
	groups := make(map[tiler.BVDCoord]map[region]int64)
	readers := make(map[tiler.TensorRef]map[tiler.BVDCoord]bool)
	add := func(at tiler.BVDCoord, ref tiler.TensorRef, bytes int64) {
		g, ok := groups[at]
		if !ok {
			g = make(map[region]int64)
			groups[at] = g
		}
		key := region{ref: ref}
		if !ref.Local {
			key.at = at
		}
		g[key] = bytes
	}

	for _, op := range sp.Ops {
		for i, ref := range op.Inputs {
			bytes := int64(0)
			if i < len(op.ReadBytes) {
				bytes = op.ReadBytes[i]
			} else if ref.Local {
				bytes = sp.Tensors[ref.ID].Bytes()
			}
			add(op.Coord, ref, bytes)
			if ref.Local {
				if readers[ref] == nil {
					readers[ref] = make(map[tiler.BVDCoord]bool)
				}
				readers[ref][op.Coord] = true
			}
			sp.Directives[ref] = tiler.DirectiveStream
		}
		for _, ref := range op.Outputs {
			add(op.Coord, ref, sp.Tensors[ref.ID].Bytes())
			sp.Directives[ref] = tiler.DirectiveStream
		}
	}

	var largest int64
	for _, g := range groups {
		var sum int64
		for _, b := range g {
			sum += b
		}
		largest = max(largest, sum)
	}
	stream := largest * int64(max(1, sp.Plan.PipelineDepth))
	if stream >= c.capacity {
		c.log.Debugf("bundle %d: streaming working set %d does not fit in %d bytes of cache", sp.Bundle, stream, c.capacity)
		return false
	}

	var cands []pinCandidate
	for ref, at := range readers {
		if len(at) > 1 {
			cands = append(cands, pinCandidate{ref: ref, bytes: sp.Tensors[ref.ID].Bytes(), reuses: len(at)})
		}
	}
	slices.SortFunc(cands, func(a, b pinCandidate) int {
		if a.reuses != b.reuses {
			return b.reuses - a.reuses
		}
		if a.bytes != b.bytes {
			if a.bytes < b.bytes {
				return -1
			}
			return 1
		}
		return a.ref.ID - b.ref.ID
	})
	var pinned int64
	for _, p := range cands {
		if stream+pinned+p.bytes < c.capacity {
			sp.Directives[p.ref] = tiler.DirectivePinned
			pinned += p.bytes
		}
	}
	sp.PeakCacheUsage = stream + pinned
	if !dryRun {
		c.log.Debugf("bundle %d: peak cache usage %d bytes, %d slices pinned", sp.Bundle, sp.PeakCacheUsage, len(cands))
	}
	return true
}
