package tiler

import "fmt"

// Status is the verdict on one metric.
type Status int

const (
	StatusUnevaluated Status = iota
	StatusLow
	StatusValid
	StatusHigh
)

func (s Status) String() string {
	switch s {
	case StatusUnevaluated:
		return "unevaluated"
	case StatusLow:
		return "low"
	case StatusValid:
		return "valid"
	case StatusHigh:
		return "high"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Stage records whether an Evaluation was computed before or after a
// physical dry-run slice.
type Stage int

const (
	StagePreSlicing Stage = iota
	StagePostSlicing
)

// Metric is one evaluated quantity. Offender is the op that made the metric
// invalid, NoOp otherwise.
type Metric struct {
	Value    float64
	Status   Status
	Offender OpID
}

func unevaluated() Metric { return Metric{Status: StatusUnevaluated, Offender: NoOp} }

// Evaluation is the multi-metric verdict on one plan at one stage. It is a
// value type; copies are independent.
type Evaluation struct {
	Stage                  Stage
	NumSlices              Metric
	Utilization            Metric
	Bandwidth              Metric
	CacheUsage             Metric
	PerforationMultiplier  Metric
	PerforationUtilization Metric
}

// NewEvaluation returns an evaluation with every metric unevaluated.
func NewEvaluation(stage Stage) Evaluation {
	return Evaluation{
		Stage:                  stage,
		NumSlices:              unevaluated(),
		Utilization:            unevaluated(),
		Bandwidth:              unevaluated(),
		CacheUsage:             unevaluated(),
		PerforationMultiplier:  unevaluated(),
		PerforationUtilization: unevaluated(),
	}
}

// Perforation returns the perforation metric selected by mode.
func (e Evaluation) Perforation(mode PerforationMode) Metric {
	if mode == PerforationByMultiplier {
		return e.PerforationMultiplier
	}
	return e.PerforationUtilization
}

func validOrUnevaluated(m Metric) bool {
	return m.Status == StatusValid || m.Status == StatusUnevaluated
}

// AllMetricsValid reports whether the plan is acceptable: slice count,
// utilization and bandwidth valid; cache usage and the active perforation
// metric valid or not yet evaluated.
func (e Evaluation) AllMetricsValid(mode PerforationMode) bool {
	return e.NumSlices.Status == StatusValid &&
		e.Utilization.Status == StatusValid &&
		e.Bandwidth.Status == StatusValid &&
		validOrUnevaluated(e.CacheUsage) &&
		validOrUnevaluated(e.Perforation(mode))
}

func (e Evaluation) String() string {
	return fmt.Sprintf("slices=%g(%s) util=%.3f(%s) bw=%.1f(%s) cache=%g(%s) perf-mult=%g(%s) perf-util=%.3f(%s)",
		e.NumSlices.Value, e.NumSlices.Status,
		e.Utilization.Value, e.Utilization.Status,
		e.Bandwidth.Value, e.Bandwidth.Status,
		e.CacheUsage.Value, e.CacheUsage.Status,
		e.PerforationMultiplier.Value, e.PerforationMultiplier.Status,
		e.PerforationUtilization.Value, e.PerforationUtilization.Status)
}
