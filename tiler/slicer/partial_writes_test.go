package slicer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inference-sim/bundle-tiler/tiler"
	"github.com/inference-sim/bundle-tiler/tiler/internal/testutil"
)

func TestHandlePartialWrites(t *testing.T) {
	tests := []struct {
		name      string
		rows, red int
		maxFanIn  int
		mutate    func(sp *tiler.SlicedProgram)
		want      bool
	}{
		{name: "within fan-in", rows: 1, red: 4, maxFanIn: 4, want: true},
		{name: "fan-in exceeded", rows: 1, red: 4, maxFanIn: 2, want: false},
		{name: "partial summed twice", rows: 1, red: 4, maxFanIn: 16, want: false, mutate: func(sp *tiler.SlicedProgram) {
			sp.ReductionInputs[4][1] = sp.ReductionInputs[4][0]
		}},
		{name: "recorded on a non-aggregate", rows: 1, red: 4, maxFanIn: 16, want: false, mutate: func(sp *tiler.SlicedProgram) {
			sp.ReductionInputs[0] = sp.ReductionInputs[4]
		}},
		{name: "no reductions", rows: 2, red: 1, maxFanIn: 1, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp, _ := sliced(t, tt.rows, tt.red, 1, true)
			if tt.mutate != nil {
				tt.mutate(sp)
			}

			got := NewPartialWritesHandler(tt.maxFanIn, testutil.QuietLogger()).HandlePartialWrites(sp, true)

			assert.Equal(t, tt.want, got)
		})
	}
}
