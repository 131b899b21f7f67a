// Package schedule builds the cosine noise schedule that drives the reverse
// SDE sampler.
//
// The schedule depends only on (T, maxSigma, eps), so callers that run many
// restorations with the same constants should use Cached instead of Generate.
package schedule

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Default schedule parameters.
const (
	DefaultT        = 100
	DefaultMaxSigma = 50.0 / 255.0
	DefaultEps      = 0.005

	// cosineOffset is the small offset s that keeps the first betas from
	// collapsing to zero.
	cosineOffset = 0.008
)

// Schedule holds the per-timestep diffusion parameters.
// All slices have length T and are read-only once generated.
type Schedule struct {
	T            int
	MaxSigma     float32
	Thetas       []float32
	ThetasCumsum []float32
	Dt           float32
	Sigmas       []float32
	SigmaBars    []float32
}

// Generate computes a deterministic cosine schedule.
// T must be positive; this is a precondition, not a checked error.
func Generate(T int, maxSigma, eps float64) *Schedule {
	thetas := cosineThetas(T)

	cumsum := make([]float64, T)
	floats.CumSum(cumsum, thetas)
	floats.AddConst(-thetas[0], cumsum)

	dt := -math.Log(eps) / cumsum[T-1]
	sigmaSq := maxSigma * maxSigma

	s := &Schedule{
		T:            T,
		MaxSigma:     float32(maxSigma),
		Thetas:       make([]float32, T),
		ThetasCumsum: make([]float32, T),
		Dt:           float32(dt),
		Sigmas:       make([]float32, T),
		SigmaBars:    make([]float32, T),
	}
	for i := 0; i < T; i++ {
		s.Thetas[i] = float32(thetas[i])
		s.ThetasCumsum[i] = float32(cumsum[i])
		s.Sigmas[i] = float32(math.Sqrt(2 * sigmaSq * thetas[i]))
		s.SigmaBars[i] = float32(math.Sqrt(sigmaSq * (1 - math.Exp(-2*cumsum[i]*dt))))
	}
	return s
}

// Default returns the schedule for the default parameters, memoized.
func Default() *Schedule {
	return Cached(DefaultT, DefaultMaxSigma, DefaultEps)
}

// cosineThetas returns thetas[i] = 1 - alphaCumprod[i+1] for i in [0, T),
// where alphaCumprod is a cosine curve over T+2 timesteps normalized by its
// first value.
func cosineThetas(T int) []float64 {
	timesteps := float64(T + 2)
	alpha := func(i int) float64 {
		c := math.Cos(((float64(i)/timesteps + cosineOffset) / (1 + cosineOffset)) * math.Pi / 2)
		return c * c
	}

	alpha0 := alpha(0)
	thetas := make([]float64, T)
	for i := range thetas {
		thetas[i] = 1 - alpha(i+1)/alpha0
	}
	return thetas
}

type cacheKey struct {
	t        int
	maxSigma float64
	eps      float64
}

var cache sync.Map // cacheKey -> *Schedule

// Cached returns a process-wide memoized schedule for the given parameters.
// The returned schedule is shared and must not be modified.
func Cached(T int, maxSigma, eps float64) *Schedule {
	key := cacheKey{t: T, maxSigma: maxSigma, eps: eps}
	if s, ok := cache.Load(key); ok {
		return s.(*Schedule)
	}
	s, _ := cache.LoadOrStore(key, Generate(T, maxSigma, eps))
	return s.(*Schedule)
}

// Index maps a sampler step (numSteps down to 1) onto a schedule index,
// subsampling the T-step schedule to numSteps model calls.
func (s *Schedule) Index(step, numSteps int) int {
	t := int(math.Round(float64(step) * float64(s.T) / float64(numSteps)))
	if t < 0 {
		return 0
	}
	if t > s.T-1 {
		return s.T - 1
	}
	return t
}
