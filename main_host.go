//go:build !tinygo

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"kestrel/hal"
	"kestrel/internal/buildinfo"
	"kestrel/kernel"
	"kestrel/monitor"
	"kestrel/scenario"
)

const (
	screenWidth  = 320
	screenHeight = 240
)

var (
	verbose   bool
	logFormat string

	headless   bool
	duration   time.Duration
	tick       time.Duration
	traceLog   bool
	reportFmt  string
	scale      int
	progressHz int

	logger *zap.Logger
)

// errInterrupted stops the window when a signal arrives.
var errInterrupted = errors.New("interrupted")

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Preemptive priority kernel running YAML scenarios on the host",
	Long: `kestrel boots a small preemptive priority kernel on a simulated CPU and runs
a scenario: tasks, queues, events, interrupt lines and software timers
described in a YAML file.

By default the run is shown in a window with a task panel and an event
console. Use --headless on machines without a display.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var config zap.Config
		switch logFormat {
		case "json":
			config = zap.NewProductionConfig()
		case "console":
			config = zap.NewDevelopmentConfig()
			config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		default:
			return fmt.Errorf("unknown log format %q (want json or console)", logFormat)
		}
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logger.With(zap.String("version", buildinfo.Short()))
		installFaultHandler(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [scenario.yaml]",
	Short: "Run a scenario and print its report",
	Long: `Loads a scenario, runs it for its duration and prints a report of task
states, queue levels, timer fires and trace event counts.

Example:
  kestrel run scenarios/pipeline.yaml --headless --duration 2s --report yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

var validateCmd = &cobra.Command{
	Use:   "validate [scenario.yaml...]",
	Short: "Check scenario files without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  validateScenarios,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kestrel %s\n", buildinfo.String())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log encoding: json or console")

	runCmd.Flags().BoolVar(&headless, "headless", false, "Run without a window")
	runCmd.Flags().DurationVar(&duration, "duration", 0, "Override the scenario duration")
	runCmd.Flags().DurationVar(&tick, "tick", 0, "Override the scenario tick period")
	runCmd.Flags().BoolVar(&traceLog, "trace", false, "Log every kernel event (needs --verbose)")
	runCmd.Flags().StringVar(&reportFmt, "report", "text", "Report format: text or yaml")
	runCmd.Flags().IntVar(&scale, "scale", 2, "Window scale factor")
	runCmd.Flags().IntVar(&progressHz, "progress-hz", 1, "Progress log rate in headless mode")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// installFaultHandler logs the first kernel fault of the process with the
// stack that raised it. The runner still gets the fault back as an error.
func installFaultHandler(log *zap.Logger) {
	kernel.SetFaultHandler(func(info kernel.FaultInfo) {
		log.Error("kernel fault",
			zap.String("op", info.Fault.Op),
			zap.String("task", info.Fault.Task),
			zap.Error(info.Fault),
			zap.ByteString("stack", info.Stack),
		)
	})
}

func runScenario(cmd *cobra.Command, args []string) error {
	if reportFmt != "text" && reportFmt != "yaml" {
		return fmt.Errorf("unknown report format %q (want text or yaml)", reportFmt)
	}
	cfg, err := scenario.Load(args[0])
	if err != nil {
		return err
	}
	if duration > 0 {
		cfg.Duration = duration
	}
	if tick > 0 {
		cfg.Tick = tick
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []scenario.Option{scenario.WithLogger(logger)}
	if traceLog {
		opts = append(opts, scenario.WithTraceLog())
	}

	var rep *scenario.Report
	if headless {
		rep, err = runHeadless(ctx, cfg, opts)
	} else {
		rep, err = runWindow(ctx, cfg, opts)
	}
	if rep != nil {
		if werr := writeReport(cmd.OutOrStdout(), rep); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func runHeadless(ctx context.Context, cfg *scenario.Config, opts []scenario.Option) (*scenario.Report, error) {
	r, err := scenario.New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var rep *scenario.Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		var err error
		rep, err = r.Run(gctx)
		return err
	})
	g.Go(func() error {
		return hal.RunHeadless(gctx, r.LogProgress, hal.HeadlessConfig{Hz: progressHz})
	})
	err = g.Wait()
	return rep, err
}

func runWindow(ctx context.Context, cfg *scenario.Config, opts []scenario.Option) (*scenario.Report, error) {
	fb := hal.NewFramebuffer(screenWidth, screenHeight)
	mon, err := monitor.New(fb, monitor.Config{Title: cfg.Name})
	if err != nil {
		return nil, err
	}
	r, err := scenario.New(cfg, append(opts, scenario.WithTracer(mon))...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		rep *scenario.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := r.Run(runCtx)
		done <- result{rep, err}
	}()

	step := func() error {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return mon.Step()
	}
	werr := hal.RunWindow(fb, step, hal.WindowConfig{
		Title: fmt.Sprintf("kestrel: %s run %.8s (%s)", cfg.Name, r.RunID(), buildinfo.Short()),
		Scale: scale,
	})
	cancel()
	res := <-done

	if werr != nil && !errors.Is(werr, errInterrupted) {
		return res.rep, werr
	}
	if n := mon.Dropped(); n > 0 {
		logger.Warn("monitor dropped trace events", zap.Uint64("dropped", n))
	}
	return res.rep, res.err
}

func validateScenarios(cmd *cobra.Command, args []string) error {
	var errs []error
	for _, path := range args {
		cfg, err := scenario.Load(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d tasks)\n", path, cfg.Name, len(cfg.Tasks))
	}
	return errors.Join(errs...)
}

func writeReport(w io.Writer, rep *scenario.Report) error {
	if reportFmt == "yaml" {
		return rep.WriteYAML(w)
	}
	return rep.WriteText(w)
}
