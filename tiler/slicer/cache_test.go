package slicer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/bundle-tiler/tiler"
	"github.com/inference-sim/bundle-tiler/tiler/internal/testutil"
)

func TestSetCacheDirectives_StreamingWorkingSet(t *testing.T) {
	// GIVEN two row slices: per slice x[128,512], w[512,256], y[128,256], z[128,256]
	const perSlice = int64(128*512+512*256+128*256+128*256) * 2
	tests := []struct {
		depth int
		want  int64
	}{
		{1, perSlice},
		{2, 2 * perSlice},
	}
	for _, tt := range tests {
		sp, _ := sliced(t, 2, 1, 1, true)
		sp.Plan.PipelineDepth = tt.depth

		// WHEN directives are set
		ok := NewCacheAssigner(4<<20, testutil.QuietLogger()).SetCacheDirectives(sp, true)

		// THEN the peak is one coordinate's working set per pipeline stage
		require.True(t, ok)
		assert.Equal(t, tt.want, sp.PeakCacheUsage, "depth %d", tt.depth)
		assert.Len(t, sp.Directives, 6)
		for ref, d := range sp.Directives {
			assert.Equal(t, tiler.DirectiveStream, d, ref.String())
		}
	}
}

func TestSetCacheDirectives_StreamAtCapacity_Fails(t *testing.T) {
	sp, _ := sliced(t, 2, 1, 1, true)
	capacity := int64(128*512+512*256+128*256+128*256) * 2

	assert.False(t, NewCacheAssigner(capacity, testutil.QuietLogger()).SetCacheDirectives(sp, true))
}

// reusedSlice builds one 8-byte slice written at coordinate 0 and read at
// coordinates 1 and 2.
func reusedSlice() *tiler.SlicedProgram {
	sp := tiler.NewSlicedProgram(0, &tiler.ExecutionPlan{PipelineDepth: 1}, true)
	at := func(i uint32) tiler.BVDCoord { return tiler.NewBVDCoord(1).With(0, i) }
	local := func(name string) tiler.TensorRef {
		return sp.AddTensor(tiler.SlicedTensor{Name: name, Shape: []int{4}, ElemBytes: 2, Persist: tiler.NoTensor})
	}
	shared, out1, out2 := local("shared"), local("out1"), local("out2")
	sp.AddOp(tiler.SlicedOp{Name: "w", Coord: at(0), Outputs: []tiler.TensorRef{shared}})
	sp.AddOp(tiler.SlicedOp{Name: "r1", Coord: at(1), Inputs: []tiler.TensorRef{shared}, Outputs: []tiler.TensorRef{out1}})
	sp.AddOp(tiler.SlicedOp{Name: "r2", Coord: at(2), Inputs: []tiler.TensorRef{shared}, Outputs: []tiler.TensorRef{out2}})
	return sp
}

func TestSetCacheDirectives_PinsReusedSliceWhenRoomRemains(t *testing.T) {
	// GIVEN a slice read at two coordinates and room for it
	sp := reusedSlice()

	// WHEN directives are set
	require.True(t, NewCacheAssigner(100, testutil.QuietLogger()).SetCacheDirectives(sp, false))

	// THEN it is pinned on top of the 16-byte stream
	assert.Equal(t, tiler.DirectivePinned, sp.Directives[tiler.LocalRef(0)])
	assert.Equal(t, tiler.DirectiveStream, sp.Directives[tiler.LocalRef(1)])
	assert.Equal(t, int64(24), sp.PeakCacheUsage)
}

func TestSetCacheDirectives_NoRoomToPin_Streams(t *testing.T) {
	sp := reusedSlice()

	require.True(t, NewCacheAssigner(24, testutil.QuietLogger()).SetCacheDirectives(sp, true))

	assert.Equal(t, tiler.DirectiveStream, sp.Directives[tiler.LocalRef(0)])
	assert.Equal(t, int64(16), sp.PeakCacheUsage)
}
