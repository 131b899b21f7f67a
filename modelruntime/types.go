package modelruntime

import (
	"context"
	"io"

	"photorestore/tensor"
)

// Kind identifies one of the two heavy models.
type Kind string

const (
	KindEncoder  Kind = "encoder"
	KindDenoiser Kind = "denoiser"
)

// State is the residency state of a model.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Encoder produces named embeddings for an image already resized to the
// encoder's input size.
type Encoder interface {
	Encode(ctx context.Context, img *tensor.Image) (map[string][]float32, error)
}

// DenoiseRequest carries the inputs of one denoiser call.
type DenoiseRequest struct {
	Noisy              *tensor.Image
	LQ                 *tensor.Image
	Timestep           int
	ImageContext       []float32
	DegradationContext []float32
}

// Denoiser predicts the noise component of req.Noisy. The returned tensor
// has the same shape as req.Noisy.
type Denoiser interface {
	Denoise(ctx context.Context, req DenoiseRequest) (*tensor.Image, error)
}

// EncoderModel is a loaded encoder. Close unloads it.
type EncoderModel interface {
	Encoder
	io.Closer
}

// DenoiserModel is a loaded denoiser. Close unloads it.
type DenoiserModel interface {
	Denoiser
	io.Closer
}

// Loader brings heavy models into memory. Each call returns a fresh handle
// that the caller owns until it is closed.
type Loader interface {
	LoadEncoder(ctx context.Context) (EncoderModel, error)
	LoadDenoiser(ctx context.Context) (DenoiserModel, error)
}

type runIDKey struct{}

// WithRunID attaches a restoration run ID to ctx. Transports forward it to
// the inference host for correlation.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run ID attached to ctx, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// SplitLoader loads the encoder and denoiser from different loaders, for
// deployments where the two models live on separate hosts.
type SplitLoader struct {
	Encoder  Loader
	Denoiser Loader
}

// LoadEncoder loads the encoder from s.Encoder.
func (s SplitLoader) LoadEncoder(ctx context.Context) (EncoderModel, error) {
	return s.Encoder.LoadEncoder(ctx)
}

// LoadDenoiser loads the denoiser from s.Denoiser.
func (s SplitLoader) LoadDenoiser(ctx context.Context) (DenoiserModel, error) {
	return s.Denoiser.LoadDenoiser(ctx)
}
