// Package validation runs the startup checks behind `photorestore verify`:
// configuration, model manifest, weights checksums and inference host
// reachability, printed as a colored step list.
package validation

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"photorestore/core"
)

// ValidationStep represents a single validation step with its status.
type ValidationStep struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// StepStatus represents the status of a validation step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

// String returns the string representation of a step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SuiteResult represents the complete result of validation suite execution.
type SuiteResult struct {
	Steps       []ValidationStep
	TotalSteps  int
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// DialFunc opens a connection to addr. Tests replace it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ValidationSuite checks that a restoration could start with the current
// configuration.
type ValidationSuite struct {
	output       io.Writer
	loadConfig   func() (*core.Config, error)
	dial         DialFunc
	timeout      time.Duration
	showProgress bool
	failFast     bool
}

// NewValidationSuite creates a new ValidationSuite with default settings.
func NewValidationSuite() *ValidationSuite {
	d := &net.Dialer{}
	return &ValidationSuite{
		output:       os.Stdout,
		loadConfig:   core.LoadConfig,
		dial:         d.DialContext,
		timeout:      5 * time.Second,
		showProgress: true,
	}
}

// WithOutput sets the output writer for progress messages.
func (s *ValidationSuite) WithOutput(w io.Writer) *ValidationSuite {
	s.output = w
	return s
}

// WithConfigLoader replaces core.LoadConfig.
func (s *ValidationSuite) WithConfigLoader(fn func() (*core.Config, error)) *ValidationSuite {
	s.loadConfig = fn
	return s
}

// WithDialer replaces the TCP dialer used for host reachability.
func (s *ValidationSuite) WithDialer(dial DialFunc) *ValidationSuite {
	s.dial = dial
	return s
}

// WithTimeout sets the timeout for network operations.
func (s *ValidationSuite) WithTimeout(timeout time.Duration) *ValidationSuite {
	s.timeout = timeout
	return s
}

// WithShowProgress enables or disables progress output.
func (s *ValidationSuite) WithShowProgress(show bool) *ValidationSuite {
	s.showProgress = show
	return s
}

// WithFailFast stops validation on first failure if enabled.
func (s *ValidationSuite) WithFailFast(failFast bool) *ValidationSuite {
	s.failFast = failFast
	return s
}

// Validate runs all checks in sequence. Steps that depend on a loaded
// configuration are skipped when it fails.
func (s *ValidationSuite) Validate(ctx context.Context) SuiteResult {
	startTime := time.Now()
	steps := make([]ValidationStep, 0, 5)

	if s.showProgress {
		s.printHeader("photorestore Configuration Check")
	}

	var cfg *core.Config
	step := s.runStep("Configuration", func() (bool, string, error) {
		var err error
		cfg, err = s.loadConfig()
		if err != nil {
			return false, "environment rejected", err
		}
		return true, fmt.Sprintf("%d steps, schedule T=%d", cfg.NumSteps, cfg.ScheduleT), nil
	})
	steps = append(steps, step)

	if step.Status == StepFailed {
		for _, name := range []string{"Model Manifest", "Model Weights", "Inference Host"} {
			steps = append(steps, s.skip(name, "Skipped due to configuration errors"))
		}
		return s.finish(steps, startTime)
	}

	step = s.manifestStep(cfg)
	steps = append(steps, step)
	if s.failFast && step.Status == StepFailed {
		return s.finish(steps, startTime)
	}

	if cfg.Manifest == nil {
		steps = append(steps, s.skip("Model Weights", "No manifest, weights are managed by the host"))
	} else {
		step = s.runStep("Model Weights", func() (bool, string, error) {
			if err := cfg.Manifest.VerifyWeights(); err != nil {
				return false, "checksum verification failed", err
			}
			return true, "weights verified", nil
		})
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			return s.finish(steps, startTime)
		}
	}

	hosts := []struct{ name, addr string }{{"Inference Host", cfg.Model.Address}}
	if cfg.SplitHosts() {
		hosts = []struct{ name, addr string }{
			{"Encoder Host", cfg.Model.Address},
			{"Denoiser Host", cfg.DenoiserAddress},
		}
	}
	for _, h := range hosts {
		step = s.runStep(h.name, func() (bool, string, error) {
			latency, err := s.checkHost(ctx, h.addr)
			if err != nil {
				return false, h.addr, core.ErrHostUnreachable(h.addr, err)
			}
			return true, fmt.Sprintf("%s (latency: %v)", h.addr, latency.Round(time.Millisecond)), nil
		})
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			break
		}
	}

	return s.finish(steps, startTime)
}

func (s *ValidationSuite) manifestStep(cfg *core.Config) ValidationStep {
	if cfg.Manifest == nil {
		return s.skip("Model Manifest", "RESTORE_MANIFEST not set")
	}
	return s.runStep("Model Manifest", func() (bool, string, error) {
		return true, fmt.Sprintf("%d models in %s", len(cfg.Manifest.Models), cfg.ManifestPath), nil
	})
}

func (s *ValidationSuite) checkHost(ctx context.Context, addr string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	conn.Close()
	return latency, nil
}

func (s *ValidationSuite) skip(name, message string) ValidationStep {
	step := ValidationStep{Name: name, Status: StepSkipped, Message: message}
	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func (s *ValidationSuite) finish(steps []ValidationStep, startTime time.Time) SuiteResult {
	result := s.buildResult(steps, startTime)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

// runStep executes a validation step with timing and progress output.
func (s *ValidationSuite) runStep(name string, fn func() (bool, string, error)) ValidationStep {
	step := ValidationStep{Name: name, Status: StepRunning}

	if s.showProgress {
		s.printStepStart(name)
	}

	startTime := time.Now()
	passed, message, err := fn()
	step.Latency = time.Since(startTime)
	step.Message = message
	step.Error = err

	if passed {
		step.Status = StepPassed
	} else {
		step.Status = StepFailed
	}

	if s.showProgress {
		s.printStep(step)
	}

	return step
}

// buildResult creates a SuiteResult from completed steps.
func (s *ValidationSuite) buildResult(steps []ValidationStep, startTime time.Time) SuiteResult {
	result := SuiteResult{
		Steps:      steps,
		TotalSteps: len(steps),
		Duration:   time.Since(startTime),
		Success:    true,
	}

	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}

	return result
}

// stepStyles maps a status to its icon and color.
var stepStyles = map[StepStatus]struct {
	icon  string
	color *color.Color
}{
	StepPassed:  {"✓", color.New(color.FgGreen)},
	StepFailed:  {"✗", color.New(color.FgRed)},
	StepWarning: {"!", color.New(color.FgYellow)},
	StepSkipped: {"○", color.New(color.FgHiBlack)},
}

func (s *ValidationSuite) printHeader(title string) {
	color.New(color.FgCyan, color.Bold).Fprintf(s.output, "\n━━━ %s ━━━\n\n", title)
}

func (s *ValidationSuite) printStepStart(name string) {
	fmt.Fprintf(s.output, "  ◌ %s...", name)
}

// printStep rewrites the running line with the step's final status.
func (s *ValidationSuite) printStep(step ValidationStep) {
	style, ok := stepStyles[step.Status]
	if !ok {
		style.icon, style.color = "?", color.New(color.FgWhite)
	}

	fmt.Fprint(s.output, "\r")
	style.color.Fprintf(s.output, "  %s %s", style.icon, step.Name)
	if step.Message != "" {
		color.New(color.FgHiBlack).Fprintf(s.output, " (%s)", step.Message)
	}
	if step.Latency > 0 && step.Status == StepPassed {
		color.New(color.FgHiBlack).Fprintf(s.output, " %v", step.Latency.Round(time.Millisecond))
	}
	fmt.Fprintln(s.output)

	if step.Status == StepFailed && step.Error != nil {
		stepStyles[StepFailed].color.Fprintf(s.output, "    └─ %v\n", step.Error)
	}
}

func (s *ValidationSuite) printSummary(result SuiteResult) {
	title, c := "Ready to Restore", color.New(color.FgGreen, color.Bold)
	if !result.Success {
		title, c = "Not Ready", color.New(color.FgRed, color.Bold)
	}
	c.Fprintf(s.output, "\n━━━ %s ━━━ ", title)
	color.New(color.FgHiBlack).Fprintf(s.output, "%s\n\n", result.Summary())
}

// GetFirstError returns the first error from failed steps, or nil if all passed.
func (r SuiteResult) GetFirstError() error {
	for _, step := range r.Steps {
		if step.Error != nil {
			return step.Error
		}
	}
	return nil
}

// Summary returns a one-line count of passed, failed and warned steps.
func (r SuiteResult) Summary() string {
	parts := []string{fmt.Sprintf("%d/%d checks passed", r.PassedSteps, r.TotalSteps)}
	if r.FailedSteps > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", r.FailedSteps))
	}
	if r.Warnings > 0 {
		parts = append(parts, fmt.Sprintf("%d warnings", r.Warnings))
	}
	return fmt.Sprintf("%s in %v", strings.Join(parts, ", "), r.Duration.Round(time.Millisecond))
}
