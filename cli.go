package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"photorestore/core"
	"photorestore/core/validation"
	"photorestore/db"
	"photorestore/logging"
	"photorestore/modelruntime"
	"photorestore/restore"
	"photorestore/sampler"
	"photorestore/shutdown"
	"photorestore/tensor"
)

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return core.ExitCodeSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if _, ok := core.IsConfigError(err); ok {
		return core.ExitCodeConfig
	}
	return core.ExitCodeError
}

// cli holds state shared by the subcommands.
type cli struct {
	stdout  io.Writer
	stderr  io.Writer
	envFile string

	// dial is replaced in tests
	dial func(cfg *core.Config, logger *zap.Logger) (modelruntime.Loader, func() error, error)
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr, dial: dialModels}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "photorestore",
		Short:         "Restore degraded photographs with a diffusion model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.loadEnv()
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	root.AddCommand(c.restoreCommand(), c.historyCommand(), c.verifyCommand())
	return root
}

// loadEnv loads the dotenv file. A missing file is fine; variables already
// set in the environment win.
func (c *cli) loadEnv() {
	if c.envFile == "" {
		return
	}
	if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(c.stderr, "Warning: could not load %s: %v\n", c.envFile, err)
	}
}

// setup loads configuration and the logger.
func (c *cli) setup() (*core.Config, *logging.Logger, error) {
	cfg, err := core.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(logging.Options{
		Development: cfg.DevMode,
		FilePath:    cfg.LogFile,
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return nil, nil, withCode(core.ExitCodeError, fmt.Errorf("failed to initialize logger: %w", err))
	}
	return cfg, logger, nil
}

func (c *cli) restoreCommand() *cobra.Command {
	var (
		steps int
		seed  uint64
	)
	cmd := &cobra.Command{
		Use:   "restore <input> <output>",
		Short: "Restore one image",
		Long: "Restore one image. The output format follows the output file extension " +
			"(.png, .jpg or .jpeg).",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.setup()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("steps") {
				cfg.NumSteps = steps
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed, cfg.HasSeed = seed, true
			}
			return c.runRestore(cmd.Context(), cfg, logger, args[0], args[1])
		},
	}
	cmd.Flags().IntVar(&steps, "steps", core.DefaultNumSteps, "number of reverse diffusion steps (1-1000, at most twice the schedule length)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "noise seed for reproducible output")
	return cmd
}

func (c *cli) runRestore(ctx context.Context, cfg *core.Config, logger *logging.Logger, inPath, outPath string) error {
	format, err := outputFormat(outPath)
	if err != nil {
		return withCode(core.ExitCodeError, err)
	}

	img, err := readImage(inPath)
	if err != nil {
		return withCode(core.ExitCodeError, err)
	}

	loader, closeLoader, err := c.dial(cfg, logger.Zap())
	if err != nil {
		return withCode(core.ExitCodeError, fmt.Errorf("failed to connect to inference host: %w", err))
	}

	a := newApp(ctx, cfg, logger, loader, outPath)
	a.registerCloser("model-client", closeLoader)
	a.shutdown.Start()
	defer func() {
		if err := a.shutdown.Shutdown(); err != nil {
			fmt.Fprintf(c.stderr, "Warning: %v\n", err)
		}
	}()

	logger.Info("Starting restoration",
		zap.String("input", inPath),
		zap.String("output", outPath),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Int("steps", cfg.NumSteps),
		zap.String("model_addr", cfg.Model.Address),
	)

	run, err := a.engine.Start(ctx, img, cfg.NumSteps)
	if err != nil {
		return withCode(startExitCode(err), err)
	}
	// the first shutdown signal cancels the restoration in flight
	go func() {
		select {
		case <-a.shutdown.Context().Done():
			a.engine.Cancel()
		case <-run.Done():
		}
	}()

	out := newProgressPrinter(c.stdout, run.ID)
	var outcome restore.Outcome
	for ev := range run.Events() {
		if ev.Terminal() {
			outcome = *ev.Outcome
			break
		}
		out.step(ev.Progress)
	}
	out.finish(outcome)

	switch outcome.Status {
	case restore.StatusSucceeded:
		if err := writeImage(outPath, outcome.Image, format); err != nil {
			return withCode(core.ExitCodeError, err)
		}
		fmt.Fprintf(c.stdout, "Wrote %s\n", outPath)
		return nil
	case restore.StatusCancelled:
		return withCode(core.ExitCodeSIGINT, errors.New("restoration cancelled"))
	default:
		return withCode(core.ExitCodeRestoreFailed, outcome.Err)
	}
}

func startExitCode(err error) int {
	if restore.KindOf(err) == restore.KindInvalidRequest {
		return core.ExitCodeConfig
	}
	return core.ExitCodeError
}

func (c *cli) historyCommand() *cobra.Command {
	var (
		limit     int
		pruneDays int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent restoration runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig()
			if err != nil {
				return err
			}
			return c.runHistory(cmd.Context(), cfg.DBPath, limit, pruneDays, cmd.Flags().Changed("prune-days"))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	cmd.Flags().IntVar(&pruneDays, "prune-days", 30, "delete runs older than this many days before listing")
	return cmd
}

func (c *cli) runHistory(ctx context.Context, dbPath string, limit, pruneDays int, prune bool) error {
	database, err := db.Open(ctx, dbPath)
	if err != nil {
		return withCode(core.ExitCodeError, err)
	}
	defer database.Close()

	if prune {
		res, err := database.Cleanup(ctx, pruneDays)
		if err != nil {
			return withCode(core.ExitCodeError, err)
		}
		fmt.Fprintf(c.stdout, "Pruned %d runs older than %d days\n", res.RunsDeleted, pruneDays)
	}

	repo := db.NewRepository(database)
	runs, err := repo.ListRecentRuns(ctx, limit)
	if err != nil {
		return withCode(core.ExitCodeError, err)
	}
	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return withCode(core.ExitCodeError, err)
	}

	printHistory(c.stdout, runs, counts)
	return nil
}

func (c *cli) verifyCommand() *cobra.Command {
	var failFast bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check configuration, model weights and inference host reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := validation.NewValidationSuite().
				WithOutput(c.stdout).
				WithFailFast(failFast).
				Validate(cmd.Context())
			if !result.Success {
				err := result.GetFirstError()
				if err == nil {
					err = errors.New(result.Summary())
				}
				if _, ok := core.IsConfigError(err); ok {
					return err
				}
				return withCode(core.ExitCodeError, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first failed check")
	return cmd
}

// outputFormat picks the encoder from the output extension.
func outputFormat(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png":
		return "png", nil
	case ".jpg", ".jpeg":
		return "jpeg", nil
	default:
		return "", fmt.Errorf("unsupported output extension %q (want .png, .jpg or .jpeg)", ext)
	}
}

func readImage(path string) (*tensor.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	img, _, err := tensor.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// writeImage encodes img to the partial path and renames it into place, so
// an interrupted write never leaves a truncated output.
func writeImage(path string, img *tensor.Image, format string) error {
	partial := shutdown.PartialPath(path)
	f, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := tensor.Encode(f, img, format); err != nil {
		f.Close()
		os.Remove(partial)
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// progressPrinter renders restoration progress on one terminal line.
type progressPrinter struct {
	w       io.Writer
	runID   string
	started time.Time
	last    int
}

func newProgressPrinter(w io.Writer, runID string) *progressPrinter {
	color.New(color.FgCyan, color.Bold).Fprintf(w, "Restoring (run %s)\n", runID)
	return &progressPrinter{w: w, runID: runID, started: time.Now()}
}

func (p *progressPrinter) step(pr sampler.Progress) {
	p.last = pr.CurrentStep
	pct := 100 * pr.CurrentStep / pr.TotalSteps
	fmt.Fprintf(p.w, "\r  step %d/%d (%3d%%)", pr.CurrentStep, pr.TotalSteps, pct)
}

func (p *progressPrinter) finish(o restore.Outcome) {
	if p.last > 0 {
		fmt.Fprintln(p.w)
	}
	elapsed := o.Duration
	if elapsed == 0 {
		elapsed = time.Since(p.started)
	}
	switch o.Status {
	case restore.StatusSucceeded:
		color.New(color.FgGreen).Fprintf(p.w, "✓ Restored in %s\n", elapsed.Round(time.Millisecond))
	case restore.StatusCancelled:
		color.New(color.FgYellow).Fprintf(p.w, "⚠ Cancelled after %d steps\n", o.StepsCompleted)
	default:
		color.New(color.FgRed).Fprintf(p.w, "✗ Failed (%s): %v\n", o.Kind, o.Err)
	}
}

func printHistory(w io.Writer, runs []restore.RunRecord, counts map[restore.Status]int) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "%-36s  %-10s  %-9s  %-7s  %-9s  %s\n", "RUN", "STARTED", "STATUS", "STEPS", "SIZE", "DURATION")
	for _, r := range runs {
		status := string(r.Status)
		if r.ErrorKind != restore.KindNone {
			status += " (" + string(r.ErrorKind) + ")"
		}
		fmt.Fprintf(w, "%-36s  %-10s  %-9s  %-7s  %-9s  %s\n",
			r.ID,
			humanize.Time(r.StartedAt),
			statusColor(r.Status).Sprint(status),
			fmt.Sprintf("%d/%d", r.StepsCompleted, r.NumSteps),
			fmt.Sprintf("%dx%d", r.Width, r.Height),
			r.Duration().Round(time.Millisecond),
		)
	}
	fmt.Fprintf(w, "\n%s succeeded, %s cancelled, %s failed\n",
		humanize.Comma(int64(counts[restore.StatusSucceeded])),
		humanize.Comma(int64(counts[restore.StatusCancelled])),
		humanize.Comma(int64(counts[restore.StatusFailed])),
	)
}

func statusColor(s restore.Status) *color.Color {
	switch s {
	case restore.StatusSucceeded:
		return color.New(color.FgGreen)
	case restore.StatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
