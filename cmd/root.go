package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/bundle-tiler/tiler"
	"github.com/inference-sim/bundle-tiler/tiler/bundling"
	"github.com/inference-sim/bundle-tiler/tiler/slicer"
	"github.com/inference-sim/bundle-tiler/tiler/trace"
)

var (
	// CLI flags for the optimize command
	programPath  string // Program description YAML
	configPath   string // Compilation knob file; defaults when empty
	logLevel     string // Log verbosity level
	traceLevel   string // Decision trace level
	maxBundleOps int    // Bound on operations per automatically formed bundle
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "bundle-tiler",
	Short: "Resource-constrained tiling and scheduling optimizer for tensor programs",
}

// optimizeOptions are the inputs of one optimize job.
type optimizeOptions struct {
	ProgramPath  string
	ConfigPath   string
	TraceLevel   trace.TraceLevel
	MaxBundleOps int
}

// loadConfig returns the validated knob set: the defaults, overlaid with the
// knob file when one is given.
func loadConfig(path string) (tiler.CompilationConfig, error) {
	cfg := tiler.DefaultCompilationConfig()
	if path != "" {
		var err error
		if cfg, err = tiler.LoadCompilationConfig(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// runOptimize executes one compilation job and writes its report to w.
func runOptimize(w io.Writer, opts optimizeOptions, log *logrus.Logger) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	prog, err := loadProgram(opts.ProgramPath)
	if err != nil {
		return err
	}

	var members *bundling.Membership
	if hasExplicitBundles(prog) {
		members = bundling.FromProgram(prog)
		log.Infof("Using %d bundles from the program file", len(members.BundleIndices()))
	} else {
		members, err = bundling.Expand(prog, bundling.ExpandConfig{MaxOps: opts.MaxBundleOps}, log)
		if err != nil {
			return fmt.Errorf("forming bundles: %w", err)
		}
		log.Infof("Formed %d bundles", len(members.BundleIndices()))
	}

	var ot *trace.OptimizerTrace
	if opts.TraceLevel != trace.TraceLevelNone && opts.TraceLevel != "" {
		ot = trace.NewOptimizerTrace(trace.TraceConfig{Level: opts.TraceLevel})
	}
	opsBefore := prog.NumOps()
	r := tiler.NewRunner(cfg, prog, tiler.NewDataStore(), members, slicer.New(cfg, log),
		tiler.WithLogger(log), tiler.WithTrace(ot))
	results, err := r.Run()
	if err != nil {
		return fmt.Errorf("optimization aborted: %w", err)
	}
	return writeReport(w, buildReport(results, opsBefore, prog.NumOps(), ot))
}

// newJobLogger returns the logger of one compilation job.
func newJobLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	return log, nil
}

// optimizeCmd runs the tiling optimizer over a program file
var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Tile and schedule every bundle of a program",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		log, err := newJobLogger(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		if !trace.IsValidTraceLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s (none, decisions, detailed)", traceLevel)
		}
		if maxBundleOps < 0 {
			logrus.Fatalf("--max-bundle-ops must be >= 0, got %d", maxBundleOps)
		}

		log.Infof("Optimizing %s", programPath)
		opts := optimizeOptions{
			ProgramPath:  programPath,
			ConfigPath:   configPath,
			TraceLevel:   trace.TraceLevel(traceLevel),
			MaxBundleOps: maxBundleOps,
		}
		if err := runOptimize(cmd.OutOrStdout(), opts, log); err != nil {
			logrus.Fatalf("%v", err)
		}
		log.Info("Optimization complete.")
	},
}

// validateConfigCmd checks a knob file without running the optimizer
var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate a compilation knob file",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Invalid compilation config: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (slices %d..%d, pipeline depth %d..%d, cache %d bytes)\n",
			configPath, cfg.Thresholds.MinSlices, cfg.Thresholds.MaxSlices,
			cfg.Pipeline.MinDepth, cfg.Pipeline.MaxDepth, cfg.Hardware.CacheCapacity)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	optimizeCmd.Flags().StringVar(&programPath, "program", "", "Program description YAML")
	optimizeCmd.Flags().StringVar(&configPath, "config", "", "Compilation knob file (defaults when empty)")
	optimizeCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	optimizeCmd.Flags().StringVar(&traceLevel, "trace", "none", "Decision trace level (none, decisions, detailed)")
	optimizeCmd.Flags().IntVar(&maxBundleOps, "max-bundle-ops", 0, "Max operations per automatically formed bundle (0 = unbounded)")
	_ = optimizeCmd.MarkFlagRequired("program")

	validateConfigCmd.Flags().StringVar(&configPath, "config", "", "Compilation knob file")
	_ = validateConfigCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(validateConfigCmd)
}
