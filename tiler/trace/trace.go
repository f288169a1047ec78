package trace

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures selections and fallbacks.
	TraceLevelDecisions TraceLevel = "decisions"
	// TraceLevelDetailed additionally captures every inflation and dry run.
	TraceLevelDetailed TraceLevel = "detailed"
)

var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	TraceLevelDetailed:  true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// Detailed reports whether per-step records are collected.
func (c TraceConfig) Detailed() bool { return c.Level == TraceLevelDetailed }

// OptimizerTrace collects decision records during one compilation job.
type OptimizerTrace struct {
	Config     TraceConfig
	Inflations []InflationRecord
	DryRuns    []DryRunRecord
	Selections []SelectionRecord
	Fallbacks  []FallbackRecord
}

// NewOptimizerTrace creates an OptimizerTrace ready for recording.
func NewOptimizerTrace(config TraceConfig) *OptimizerTrace {
	return &OptimizerTrace{
		Config:     config,
		Inflations: make([]InflationRecord, 0),
		DryRuns:    make([]DryRunRecord, 0),
		Selections: make([]SelectionRecord, 0),
		Fallbacks:  make([]FallbackRecord, 0),
	}
}

// RecordInflation appends an inflation record when detailed tracing is on.
func (ot *OptimizerTrace) RecordInflation(record InflationRecord) {
	if ot.Config.Detailed() {
		ot.Inflations = append(ot.Inflations, record)
	}
}

// RecordDryRun appends a dry-run record when detailed tracing is on.
func (ot *OptimizerTrace) RecordDryRun(record DryRunRecord) {
	if ot.Config.Detailed() {
		ot.DryRuns = append(ot.DryRuns, record)
	}
}

// RecordSelection appends a selection record.
func (ot *OptimizerTrace) RecordSelection(record SelectionRecord) {
	ot.Selections = append(ot.Selections, record)
}

// RecordFallback appends a fallback record.
func (ot *OptimizerTrace) RecordFallback(record FallbackRecord) {
	ot.Fallbacks = append(ot.Fallbacks, record)
}
