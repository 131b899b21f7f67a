// Package restore runs a complete restoration: context extraction with the
// encoder, then reverse-SDE sampling with the denoiser, one run at a time.
//
// A run is started with Engine.Start and observed through Run.Events, a
// channel of progress events that ends with exactly one terminal Outcome
// and is then closed.
package restore

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"photorestore/core"
	"photorestore/degradation"
	"photorestore/logging"
	"photorestore/modelruntime"
	"photorestore/sampler"
	"photorestore/schedule"
	"photorestore/tensor"
)

// Models scopes access to the heavy models. *modelruntime.Manager
// implements it.
type Models interface {
	WithEncoder(ctx context.Context, fn func(modelruntime.Encoder) error) error
	WithDenoiser(ctx context.Context, fn func(modelruntime.Denoiser) error) error
	Reserve(what string, n int64) error
}

// KeepAlive keeps the process from being reclaimed while a run is active.
// *shutdown.Manager implements it.
type KeepAlive interface {
	Hold(name string) (release func(), err error)
}

// Recorder receives one record per finished run. Record must not block.
type Recorder interface {
	Record(RunRecord)
}

// ScheduleParams selects the noise schedule.
type ScheduleParams struct {
	T        int
	MaxSigma float64
	Eps      float64
}

// DefaultScheduleParams returns T=100, maxSigma=50/255, eps=0.005.
func DefaultScheduleParams() ScheduleParams {
	return ScheduleParams{T: schedule.DefaultT, MaxSigma: schedule.DefaultMaxSigma, Eps: schedule.DefaultEps}
}

// Engine owns the single-flight guard and the pipeline components.
type Engine struct {
	models    Models
	extractor *degradation.Extractor
	sampler   *sampler.Sampler
	sched     ScheduleParams
	keepAlive KeepAlive
	recorder  Recorder
	logger    *zap.Logger
	guard     *semaphore.Weighted
	newID     func() string

	mu     sync.Mutex
	active *Run
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtractor sets the context extractor.
func WithExtractor(x *degradation.Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithScheduleParams sets the noise schedule parameters.
func WithScheduleParams(p ScheduleParams) Option {
	return func(e *Engine) { e.sched = p }
}

// WithKeepAlive sets the keep-alive provider.
func WithKeepAlive(k KeepAlive) Option {
	return func(e *Engine) { e.keepAlive = k }
}

// WithRecorder sets the run history recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an Engine using models for residency and s for sampling.
func NewEngine(models Models, s *sampler.Sampler, opts ...Option) *Engine {
	e := &Engine{
		models:    models,
		sampler:   s,
		extractor: degradation.NewExtractor(modelruntime.DefaultEncoderInputSize, ""),
		sched:     DefaultScheduleParams(),
		logger:    zap.NewNop(),
		guard:     semaphore.NewWeighted(1),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run is one in-flight restoration.
type Run struct {
	ID string

	events  chan Event
	done    chan struct{}
	cancel  context.CancelFunc
	outcome Outcome
}

// Events returns the run's event stream. It yields one progress event per
// completed step in order, then the terminal outcome, then is closed. It is
// buffered for the whole run, so an idle consumer never stalls sampling.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Cancel requests cancellation. The step in progress finishes first.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed once the outcome is available.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its outcome.
func (r *Run) Wait() Outcome {
	<-r.done
	return r.outcome
}

// Start validates the request, takes the single-flight guard and runs the
// restoration on its own goroutine. A request made while another run is
// active fails immediately with KindAlreadyRunning; invalid input fails with
// KindInvalidRequest. Cancelling ctx cancels the run.
func (e *Engine) Start(ctx context.Context, img *tensor.Image, numSteps int) (*Run, error) {
	if err := e.validate(img, numSteps); err != nil {
		return nil, err
	}
	if !e.guard.TryAcquire(1) {
		return nil, &Error{Kind: KindAlreadyRunning, Err: ErrAlreadyRunning}
	}

	id := e.newID()
	releaseHold := func() {}
	if e.keepAlive != nil {
		release, err := e.keepAlive.Hold("restore/" + id)
		if err != nil {
			e.guard.Release(1)
			return nil, &Error{Kind: KindInternal, Err: fmt.Errorf("keep-alive: %w", err)}
		}
		releaseHold = release
	}

	runCtx, cancel := context.WithCancel(modelruntime.WithRunID(ctx, id))
	run := &Run{
		ID:     id,
		events: make(chan Event, numSteps+1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	e.setActive(run)

	go e.run(runCtx, run, img, numSteps, releaseHold)
	return run, nil
}

// Cancel cancels the active run, if any. It reports whether there was one.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false
	}
	e.active.cancel()
	return true
}

func (e *Engine) setActive(r *Run) {
	e.mu.Lock()
	e.active = r
	e.mu.Unlock()
}

// MaxSteps is the largest numSteps the engine accepts. Beyond 2·T the last
// steps round to timestep 0, where the cumulative sigma is 0.
func (e *Engine) MaxSteps() int {
	return min(core.MaxNumSteps, 2*e.sched.T)
}

func (e *Engine) validate(img *tensor.Image, numSteps int) error {
	if maxSteps := e.MaxSteps(); numSteps < core.MinNumSteps || numSteps > maxSteps {
		return &Error{Kind: KindInvalidRequest,
			Err: fmt.Errorf("%w: numSteps %d outside %d-%d", ErrInvalidRequest, numSteps, core.MinNumSteps, maxSteps)}
	}
	if img == nil || img.Width <= 0 || img.Height <= 0 || img.Len() == 0 {
		return &Error{Kind: KindInvalidRequest, Err: fmt.Errorf("%w: empty image", ErrInvalidRequest)}
	}
	if len(img.Data) != img.Len() {
		return &Error{Kind: KindInvalidRequest,
			Err: fmt.Errorf("%w: %d values for %dx%d", ErrInvalidRequest, len(img.Data), img.Width, img.Height)}
	}
	return nil
}

// run is the worker. Whatever happens, it releases the guard and the hold,
// records the run and delivers exactly one outcome.
func (e *Engine) run(ctx context.Context, r *Run, img *tensor.Image, numSteps int, releaseHold func()) {
	logger := e.logger.With(logging.RunID(r.ID))
	started := time.Now()
	completed := 0

	var outcome Outcome
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Restoration panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = failed(KindInternal, fmt.Errorf("panic: %v", p))
		}
		outcome.StepsCompleted = completed
		outcome.Duration = time.Since(started)

		r.cancel()
		e.setActive(nil)
		e.guard.Release(1)
		releaseHold()
		e.record(r.ID, img, numSteps, started, outcome)
		e.logOutcome(logger, r.ID, img, outcome)

		r.outcome = outcome
		r.events <- Event{Outcome: &outcome}
		close(r.events)
		close(r.done)
	}()

	logger.Info("Restoration started",
		append(logging.ImageFields(img.Width, img.Height), zap.Int("num_steps", numSteps))...)

	outcome = e.pipeline(ctx, logger, img, numSteps, func(p sampler.Progress) {
		completed = p.CurrentStep
		r.events <- Event{Progress: p}
	})
}

func (e *Engine) pipeline(ctx context.Context, logger *zap.Logger, img *tensor.Image, numSteps int, onProgress func(sampler.Progress)) Outcome {
	var embeddings degradation.Context
	err := e.models.WithEncoder(ctx, func(enc modelruntime.Encoder) error {
		var err error
		embeddings, err = e.extractor.Extract(ctx, enc, img)
		return err
	})
	if err != nil {
		return fromError(stageExtract, fmt.Errorf("extract context: %w", err))
	}
	if ctx.Err() != nil {
		return Outcome{Status: StatusCancelled}
	}

	sched := schedule.Cached(e.sched.T, e.sched.MaxSigma, e.sched.Eps)

	var result *sampler.Result
	err = e.models.WithDenoiser(ctx, func(den modelruntime.Denoiser) error {
		var err error
		result, err = e.sampler.Sample(ctx, den, sampler.Request{
			LQ:         img,
			Context:    embeddings,
			Schedule:   sched,
			NumSteps:   numSteps,
			OnProgress: onProgress,
		})
		return err
	})
	if err != nil {
		return fromError(stageSample, fmt.Errorf("sample: %w", err))
	}
	if result.NonFiniteSteps > 0 {
		logger.Warn("Restored image had non-finite intermediate values",
			zap.Int("non_finite_steps", result.NonFiniteSteps))
	}

	// 8-bit RGBA conversion done by the caller
	if err := e.models.Reserve("output image", 4*int64(img.Width)*int64(img.Height)); err != nil {
		return fromError(stageOutput, err)
	}

	return Outcome{Status: StatusSucceeded, Image: result.Image}
}

func fromError(st stage, err error) Outcome {
	kind := classify(st, err)
	if kind == KindCancelled {
		return Outcome{Status: StatusCancelled}
	}
	return failed(kind, err)
}

func failed(kind ErrorKind, err error) Outcome {
	return Outcome{Status: StatusFailed, Kind: kind, Err: &Error{Kind: kind, Err: err}}
}

func (e *Engine) record(id string, img *tensor.Image, numSteps int, started time.Time, o Outcome) {
	if e.recorder == nil {
		return
	}
	rec := RunRecord{
		ID:             id,
		StartedAt:      started,
		FinishedAt:     started.Add(o.Duration),
		Width:          img.Width,
		Height:         img.Height,
		NumSteps:       numSteps,
		StepsCompleted: o.StepsCompleted,
		Status:         o.Status,
		ErrorKind:      o.Kind,
	}
	if o.Err != nil {
		rec.ErrorMessage = o.Err.Error()
	}
	e.recorder.Record(rec)
}

func (e *Engine) logOutcome(logger *zap.Logger, id string, img *tensor.Image, o Outcome) {
	metrics := logging.RunMetrics{
		RunID:    id,
		Width:    img.Width,
		Height:   img.Height,
		Steps:    o.StepsCompleted,
		Duration: o.Duration,
	}
	switch o.Status {
	case StatusSucceeded:
		logger.Info("Restoration complete", logging.RunFields(metrics))
	case StatusCancelled:
		logger.Info("Restoration cancelled", logging.RunFields(metrics))
	default:
		logger.Error("Restoration failed",
			zap.String("kind", string(o.Kind)),
			zap.Error(o.Err),
			logging.RunFields(metrics),
		)
	}
}
