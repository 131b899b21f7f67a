// Package sampler runs the reverse-SDE denoising loop.
//
// Starting from the degraded image plus Gaussian noise, each step asks the
// denoiser for a noise prediction, converts it to a score and applies the
// reverse-SDE update. The state is only clamped to [0,1] after the last step.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"photorestore/degradation"
	"photorestore/modelruntime"
	"photorestore/schedule"
	"photorestore/tensor"
)

// Sampler errors
var (
	ErrCancelled       = errors.New("sampler: cancelled")
	ErrInvalidSteps    = errors.New("sampler: numSteps must be positive")
	ErrMissingSchedule = errors.New("sampler: schedule is required")
)

// Progress reports one completed step. CurrentStep is 1-based.
type Progress struct {
	CurrentStep int
	TotalSteps  int
}

// Budget is consulted before the sampler allocates its state.
type Budget interface {
	Reserve(what string, n int64) error
}

// Request describes one sampling run.
type Request struct {
	LQ         *tensor.Image // read-only for the whole run
	Context    degradation.Context
	Schedule   *schedule.Schedule
	NumSteps   int
	OnProgress func(Progress) // called after each completed step, may be nil
}

// Result carries the restored tensor and run statistics.
type Result struct {
	Image          *tensor.Image
	Steps          int
	NonFiniteSteps int // steps after which the state held NaN or Inf
	Duration       time.Duration
}

// Sampler executes reverse-SDE runs. A Sampler is not safe for concurrent
// use; the orchestrator runs one restoration at a time.
type Sampler struct {
	src    Source
	logger *zap.Logger
	budget Budget
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSource sets the normal noise source.
func WithSource(src Source) Option {
	return func(s *Sampler) {
		if src != nil {
			s.src = src
		}
	}
}

// WithSeed uses a PCG source seeded with seed.
func WithSeed(seed uint64) Option {
	return func(s *Sampler) {
		s.src = NewSource(seed)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sampler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBudget sets the memory budget checked before allocation.
func WithBudget(b Budget) Option {
	return func(s *Sampler) {
		s.budget = b
	}
}

// New creates a Sampler. Without WithSeed or WithSource the noise is seeded
// from crypto/rand.
func New(opts ...Option) *Sampler {
	s := &Sampler{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.src == nil {
		s.src = NewSource(RandomSeed())
	}
	return s
}

// Sample runs req.NumSteps reverse-SDE steps using den.
//
// Cancellation of ctx is checked at the top of each step. An in-flight
// denoiser call is not interrupted: it receives a context detached from
// cancellation, its step completes and reports progress, and the next step
// returns ErrCancelled.
func (s *Sampler) Sample(ctx context.Context, den modelruntime.Denoiser, req Request) (*Result, error) {
	if req.NumSteps <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSteps, req.NumSteps)
	}
	if req.Schedule == nil {
		return nil, ErrMissingSchedule
	}
	if req.LQ == nil || req.LQ.Len() == 0 {
		return nil, fmt.Errorf("%w: empty input", tensor.ErrInvalidSize)
	}

	if s.budget != nil {
		// state tensor plus the denoiser's noise prediction
		if err := s.budget.Reserve("sampler state", 2*tensor.SizeBytes(req.LQ.Width, req.LQ.Height)); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	sched := req.Schedule
	lq := req.LQ
	x := s.initialState(lq, sched.MaxSigma)

	var (
		dt        = sched.Dt
		sqrtDt    = float32(math.Sqrt(float64(dt)))
		callCtx   = context.WithoutCancel(ctx)
		nonFinite int
	)

	for step := req.NumSteps; step >= 1; step-- {
		completed := req.NumSteps - step
		if ctx.Err() != nil {
			s.logger.Info("Sampling cancelled",
				zap.Int("step", completed),
				zap.Int("total_steps", req.NumSteps),
			)
			return nil, fmt.Errorf("%w after %d of %d steps", ErrCancelled, completed, req.NumSteps)
		}

		t := sched.Index(step, req.NumSteps)
		noise, err := den.Denoise(callCtx, modelruntime.DenoiseRequest{
			Noisy:              x,
			LQ:                 lq,
			Timestep:           t,
			ImageContext:       req.Context.ImageContext,
			DegradationContext: req.Context.DegradationContext,
		})
		if err != nil {
			return nil, fmt.Errorf("denoise step %d (t=%d): %w", completed+1, t, err)
		}
		if err := x.CheckShape(noise); err != nil {
			return nil, fmt.Errorf("%w: denoiser output: %v", modelruntime.ErrDimensionMismatch, err)
		}

		s.update(x.Data, lq.Data, noise.Data, sched.Thetas[t], sched.Sigmas[t], sched.SigmaBars[t], dt, sqrtDt)

		if n := x.CountNonFinite(); n > 0 {
			nonFinite++
			s.logger.Warn("Non-finite values in sampler state",
				zap.Int("step", completed+1),
				zap.Int("timestep", t),
				zap.Int("count", n),
			)
		}

		if req.OnProgress != nil {
			req.OnProgress(Progress{CurrentStep: completed + 1, TotalSteps: req.NumSteps})
		}
	}

	x.Clamp01()

	return &Result{
		Image:          x,
		Steps:          req.NumSteps,
		NonFiniteSteps: nonFinite,
		Duration:       time.Since(start),
	}, nil
}

// initialState returns lq plus independent N(0, maxSigma²) noise.
func (s *Sampler) initialState(lq *tensor.Image, maxSigma float32) *tensor.Image {
	x := lq.Clone()
	for i := range x.Data {
		x.Data[i] += float32(s.src.NormFloat64()) * maxSigma
	}
	return x
}

// update applies one reverse-SDE step to x in place:
//
//	score      = -noise / sigmaBar
//	drift      = (theta*(lq - x) - sigma²*score) * dt
//	dispersion = sigma * N(0,1) * sqrt(dt)
//	x          = x - drift - dispersion
func (s *Sampler) update(x, lq, noise []float32, theta, sigma, sigmaBar, dt, sqrtDt float32) {
	sigma2 := sigma * sigma
	for i := range x {
		score := -noise[i] / sigmaBar
		drift := (theta*(lq[i]-x[i]) - sigma2*score) * dt
		dispersion := sigma * float32(s.src.NormFloat64()) * sqrtDt
		x[i] = x[i] - drift - dispersion
	}
}
