package tiler

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PerforationMode selects which perforation metric gates plan validity.
type PerforationMode string

const (
	PerforationByUtilization PerforationMode = "utilization"
	PerforationByMultiplier  PerforationMode = "multiplier"
)

// ThresholdConfig groups the validity thresholds of the bundle evaluator.
type ThresholdConfig struct {
	MinSlices              int             `yaml:"min_slices"`
	MaxSlices              int             `yaml:"max_slices"`
	MinUtilizationRatio    float64         `yaml:"min_utilization_ratio"`  // relative to the op's best plan
	MaxBandwidth           float64         `yaml:"max_bandwidth"`          // bytes per engine cycle
	PerforationUtilization float64         `yaml:"perforation_utilization"` // minimum core-split efficiency
	PerforationMode        PerforationMode `yaml:"perforation_mode"`
}

// PipelineConfig bounds the pipeline-depth sweep.
type PipelineConfig struct {
	MinDepth int `yaml:"min_depth"`
	MaxDepth int `yaml:"max_depth"`
}

// HardwareConfig describes the target accelerator.
type HardwareConfig struct {
	CacheCapacity        int64     `yaml:"cache_capacity_bytes"`
	NumCores             int       `yaml:"num_cores"`
	MatrixTile           TileShape `yaml:"matrix_tile"`
	PeakMacsPerCycle     float64   `yaml:"peak_macs_per_cycle"`
	VectorLanes          int       `yaml:"vector_lanes"`
	SliceOverheadCycles  float64   `yaml:"slice_overhead_cycles"`
	MaxPartialWriteFanIn int       `yaml:"max_partial_write_fan_in"`
}

// SelectionConfig tunes plan generation and optimal-plan selection.
type SelectionConfig struct {
	RelativeThreshold float64 `yaml:"relative_threshold"` // minimum relative difference for a metric to decide
	MaxCandidates     int     `yaml:"max_candidates"`
}

// CompilationConfig is the complete knob set of one compilation job. It is
// read-only while the optimizer runs; independent jobs each own a copy.
type CompilationConfig struct {
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Pipeline   PipelineConfig  `yaml:"pipeline"`
	Hardware   HardwareConfig  `yaml:"hardware"`
	Selection  SelectionConfig `yaml:"selection"`
}

// DefaultCompilationConfig returns the knobs for the reference accelerator:
// 8 cores, a 128x128x64 matrix tile and 4 MiB of on-chip cache.
func DefaultCompilationConfig() CompilationConfig {
	return CompilationConfig{
		Thresholds: ThresholdConfig{
			MinSlices:              2,
			MaxSlices:              1024,
			MinUtilizationRatio:    0.8,
			MaxBandwidth:           256,
			PerforationUtilization: 0.9,
			PerforationMode:        PerforationByUtilization,
		},
		Pipeline: PipelineConfig{MinDepth: 1, MaxDepth: 3},
		Hardware: HardwareConfig{
			CacheCapacity:        4 << 20,
			NumCores:             8,
			MatrixTile:           TileShape{M: 128, N: 128, K: 64},
			PeakMacsPerCycle:     128 * 128,
			VectorLanes:          64,
			SliceOverheadCycles:  64,
			MaxPartialWriteFanIn: 16,
		},
		Selection: SelectionConfig{RelativeThreshold: 0.05, MaxCandidates: 8},
	}
}

// LoadCompilationConfig reads a YAML knob file and overlays it on the
// defaults. Unknown keys are rejected so typos surface as errors.
func LoadCompilationConfig(path string) (CompilationConfig, error) {
	cfg := DefaultCompilationConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading compilation config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing compilation config: %w", err)
	}
	return cfg, nil
}

func invalidPositiveFloat(v float64) bool {
	return v <= 0 || math.IsNaN(v) || math.IsInf(v, 0)
}

// Validate checks every knob and returns one error listing all problems.
func (c *CompilationConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	t := c.Thresholds
	if t.MinSlices < 1 {
		add("thresholds.min_slices must be >= 1, got %d", t.MinSlices)
	}
	if t.MaxSlices < t.MinSlices {
		add("thresholds.max_slices (%d) must be >= min_slices (%d)", t.MaxSlices, t.MinSlices)
	}
	if t.MinUtilizationRatio < 0 || t.MinUtilizationRatio > 1 || math.IsNaN(t.MinUtilizationRatio) {
		add("thresholds.min_utilization_ratio must be in [0, 1], got %v", t.MinUtilizationRatio)
	}
	if invalidPositiveFloat(t.MaxBandwidth) {
		add("thresholds.max_bandwidth must be a valid positive number, got %v", t.MaxBandwidth)
	}
	if t.PerforationUtilization < 0 || t.PerforationUtilization > 1 || math.IsNaN(t.PerforationUtilization) {
		add("thresholds.perforation_utilization must be in [0, 1], got %v", t.PerforationUtilization)
	}
	if t.PerforationMode != PerforationByUtilization && t.PerforationMode != PerforationByMultiplier {
		add("thresholds.perforation_mode must be %q or %q, got %q",
			PerforationByUtilization, PerforationByMultiplier, t.PerforationMode)
	}

	if c.Pipeline.MinDepth < 1 {
		add("pipeline.min_depth must be >= 1, got %d", c.Pipeline.MinDepth)
	}
	if c.Pipeline.MaxDepth < c.Pipeline.MinDepth {
		add("pipeline.max_depth (%d) must be >= min_depth (%d)", c.Pipeline.MaxDepth, c.Pipeline.MinDepth)
	}

	h := c.Hardware
	if h.CacheCapacity <= 0 {
		add("hardware.cache_capacity_bytes must be > 0, got %d", h.CacheCapacity)
	}
	if h.NumCores < 1 {
		add("hardware.num_cores must be >= 1, got %d", h.NumCores)
	}
	if h.MatrixTile.M < 1 || h.MatrixTile.N < 1 || h.MatrixTile.K < 1 {
		add("hardware.matrix_tile must be positive in every dimension, got %+v", h.MatrixTile)
	}
	if invalidPositiveFloat(h.PeakMacsPerCycle) {
		add("hardware.peak_macs_per_cycle must be a valid positive number, got %v", h.PeakMacsPerCycle)
	}
	if h.VectorLanes < 1 {
		add("hardware.vector_lanes must be >= 1, got %d", h.VectorLanes)
	}
	if h.SliceOverheadCycles < 0 || math.IsNaN(h.SliceOverheadCycles) || math.IsInf(h.SliceOverheadCycles, 0) {
		add("hardware.slice_overhead_cycles must be a finite non-negative number, got %v", h.SliceOverheadCycles)
	}
	if h.MaxPartialWriteFanIn < 1 {
		add("hardware.max_partial_write_fan_in must be >= 1, got %d", h.MaxPartialWriteFanIn)
	}

	if c.Selection.RelativeThreshold < 0 || c.Selection.RelativeThreshold >= 1 || math.IsNaN(c.Selection.RelativeThreshold) {
		add("selection.relative_threshold must be in [0, 1), got %v", c.Selection.RelativeThreshold)
	}
	if c.Selection.MaxCandidates < 1 {
		add("selection.max_candidates must be >= 1, got %d", c.Selection.MaxCandidates)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid compilation config: %s", strings.Join(problems, "; "))
	}
	return nil
}
