package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"faceingest/pkg/checkpoint"
	"faceingest/pkg/config"
	"faceingest/pkg/ingest"
	"faceingest/pkg/logger"
	"faceingest/pkg/report"
	"faceingest/pkg/resources"
	"faceingest/pkg/ui"
	"faceingest/pkg/ui/tui"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const (
	exitInterrupted = 2
	exitFatal       = 1
)

var inputExtensions = []string{".json", ".jsonl", ".txt"}

var errCheckpointExists = errors.New("checkpoint exists - use --resume to continue or --force-restart to start fresh")

var (
	// Run command flags
	outputDir      string
	resumeRun      bool
	forceRestart   bool
	batchSize      int
	workers        int
	maxRetries     int
	requestTimeout time.Duration
	reportFormats  []string
	strictMode     bool
	useTUI         bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Ingest an event log",
	Long: `Ingest a newline-delimited JSON event log.

Every line is parsed into a normalized record, duplicates are dropped and the
referenced images are downloaded, thumbnailed and stored under the output
directory. Progress is checkpointed by byte offset so an interrupted run can
be continued with --resume.

Exit status is 0 when the input was fully processed, 2 when the run was
interrupted (partial reports are still written) and 1 on fatal errors.`,
	Example: `  # Ingest with default settings
  faceingest run events.json

  # Write to a specific directory with JSON and SQLite reports
  faceingest run events.json --output ./out --report json,sqlite

  # Continue an interrupted run
  faceingest run events.json --resume

  # Discard an existing checkpoint and start over
  faceingest run events.json --force-restart

  # Watch the run in the live dashboard
  faceingest run events.json --tui`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default ./output)")
	runCmd.Flags().BoolVar(&resumeRun, "resume", false, "resume from the last checkpoint")
	runCmd.Flags().BoolVar(&forceRestart, "force-restart", false, "discard any checkpoint and start from the beginning")
	runCmd.Flags().IntVar(&batchSize, "batch-size", 0, "initial batch size (100-50000)")
	runCmd.Flags().IntVar(&workers, "workers", 0, "maximum concurrent image fetches per batch")
	runCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "attempts per image before giving up")
	runCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 0, "timeout for one image request")
	runCmd.Flags().StringSliceVar(&reportFormats, "report", nil, "report formats: json, sqlite, none")
	runCmd.Flags().BoolVar(&strictMode, "strict", false, "abort on the first malformed line")
	runCmd.Flags().BoolVar(&useTUI, "tui", false, "show the live terminal dashboard")
	runCmd.MarkFlagsMutuallyExclusive("resume", "force-restart")
}

// checkInput rejects missing inputs and unsupported extensions
func checkInput(fs afero.Fs, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	supported := false
	for _, e := range inputExtensions {
		if ext == e {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("unsupported input %q: expected one of %s", path, strings.Join(inputExtensions, ", "))
	}
	info, err := fs.Stat(path)
	if err != nil {
		return fmt.Errorf("input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input %q is a directory", path)
	}
	return nil
}

// runFlags collects the run flags that were set on the command line
func runFlags(cmd *cobra.Command) map[string]interface{} {
	flags := globalFlags()
	changed := cmd.Flags().Changed
	if changed("output") {
		flags["output"] = outputDir
	}
	if changed("batch-size") {
		flags["batch-size"] = batchSize
	}
	if changed("workers") {
		flags["workers"] = workers
	}
	if changed("max-retries") {
		flags["max-retries"] = maxRetries
	}
	if changed("request-timeout") {
		flags["request-timeout"] = requestTimeout
	}
	if changed("report") {
		flags["report"] = reportFormats
	}
	if changed("strict") {
		flags["strict"] = strictMode
	}
	return flags
}

func runIngest(cmd *cobra.Command, args []string) error {
	input := strings.TrimSpace(args[0])
	fs := afero.NewOsFs()
	if err := checkInput(fs, input); err != nil {
		return err
	}

	cfg, err := config.Load(configFile, runFlags(cmd))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	total, err := ingest.CountLines(fs, input)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var terminal *tui.TUI
	var sinks []logger.Sink
	if useTUI {
		terminal = tui.NewTUI(filepath.Base(input), total, cancel)
		sinks = append(sinks, func(level, msg string) { terminal.Log(level, "%s", msg) })
		cfg.Logging.Quiet = true
	}
	if err := logger.Initialize(&cfg.Logging, sinks...); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.GetLogger()
	logger.WithFields(map[string]interface{}{"version": version, "input": input}).Info("faceingest starting")

	store := checkpoint.NewStore(fs, cfg.CheckpointPath(), cfg.Checkpoint, log)
	if store.Exists() && !resumeRun && !forceRestart {
		return errCheckpointExists
	}

	engine, err := ingest.Build(cfg, fs, resources.SystemSampler{}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize ingestion: %w", err)
	}
	defer engine.Close()

	opts := ingest.Options{InputPath: input, Resume: resumeRun}

	var res *ingest.Result
	if useTUI {
		terminal.LogInfo("Writing to %s", cfg.Output.BaseDirectory)
		if resumeRun {
			terminal.LogInfo("Resuming from %s", store.Path())
		}
		res, err = runWithDashboard(ctx, cancel, terminal, engine, opts, log)
	} else {
		ui.PrintLogo()
		ui.PrintInfo("Input", fmt.Sprintf("%s (%s lines)", input, humanize.Comma(total)))
		ui.PrintInfo("Output", cfg.Output.BaseDirectory)
		display := ui.NewProgressDisplay(os.Stdout, filepath.Base(input), total, verbose)
		engine.SetObserver(display)
		res, err = engine.Run(ctx, opts)
		display.Complete(res)
	}

	interrupted := errors.Is(err, ingest.ErrInterrupted)
	if err != nil && !interrupted {
		log.WithError(err).Error("Ingestion failed")
		return &exitError{code: exitFatal, err: err}
	}

	if stats, ok := engine.ImageStatistics(); ok && !useTUI {
		ui.PrintInfo("Images", fmt.Sprintf("%s ok, %s failed, avg %.0f ms",
			humanize.Comma(stats.Successful), humanize.Comma(stats.Failed), stats.AvgDownloadTimeMS))
	}

	// reports are written even for an interrupted run
	if rerr := writeReports(context.WithoutCancel(ctx), cfg, fs, input, res, log); rerr != nil {
		log.WithError(rerr).Error("Report generation failed")
		return &exitError{code: exitFatal, err: rerr}
	}

	if interrupted {
		if !useTUI {
			ui.PrintWarning("Interrupted, resume with: faceingest run " + input + " --resume")
		}
		return &exitError{code: exitInterrupted, err: err}
	}
	if !useTUI {
		ui.PrintSuccess("[INGESTION COMPLETED SUCCESSFULLY]")
	}
	return nil
}

// runWithDashboard runs the engine alongside the live dashboard
func runWithDashboard(ctx context.Context, cancel context.CancelFunc, terminal *tui.TUI, engine *ingest.Engine, opts ingest.Options, log logger.Logger) (*ingest.Result, error) {
	engine.SetObserver(terminal)

	type outcome struct {
		res *ingest.Result
		err error
	}
	runDone := make(chan outcome, 1)
	tuiDone := make(chan error, 1)

	go func() {
		tuiDone <- terminal.Start()
	}()
	go func() {
		res, err := engine.Run(ctx, opts)
		runDone <- outcome{res, err}
	}()

	select {
	case out := <-runDone:
		terminal.Finish(out.res, out.err)
		terminal.Stop()
		<-tuiDone
		return out.res, out.err
	case err := <-tuiDone:
		if err != nil {
			log.WithError(err).Error("Dashboard failed")
		}
		// the dashboard is gone; stop the run and keep its checkpoint
		cancel()
		out := <-runDone
		return out.res, out.err
	}
}

// writeReports runs every configured report generator over res
func writeReports(ctx context.Context, cfg *config.Config, fs afero.Fs, input string, res *ingest.Result, log logger.Logger) error {
	if res == nil {
		return nil
	}
	gen, err := report.New(cfg, fs, report.NewRun(input, res.Completed), log)
	if err != nil {
		return err
	}
	return gen.Generate(ctx, res.Records, res.Metrics)
}
