// Package degradation derives the two conditioning vectors of a restoration
// run from a single call to the context encoder.
package degradation

import (
	"context"
	"errors"
	"fmt"

	"photorestore/modelruntime"
	"photorestore/tensor"
)

// ContextLen is the length of each context vector.
const ContextLen = 512

var (
	// ErrEncodingFailed means the encoder produced no usable output.
	ErrEncodingFailed = errors.New("degradation: encoder produced no output")

	// ErrDimensionMismatch means the combined embedding is neither
	// ContextLen nor 2*ContextLen floats wide.
	ErrDimensionMismatch = fmt.Errorf("degradation: %w", modelruntime.ErrDimensionMismatch)
)

// Context holds the conditioning vectors for the denoiser. It is not
// modified after Extract returns.
type Context struct {
	ImageContext       []float32
	DegradationContext []float32
}

// Extractor runs the context encoder on an image.
type Extractor struct {
	InputSize  int    // square edge the image is resized to
	OutputName string // combined embedding output; "" selects the sole output
}

// NewExtractor creates an Extractor for the given encoder input size.
func NewExtractor(inputSize int, outputName string) *Extractor {
	return &Extractor{InputSize: inputSize, OutputName: outputName}
}

// Extract resizes img to the encoder input, encodes it once and splits the
// combined embedding. img is not modified.
func (x *Extractor) Extract(ctx context.Context, enc modelruntime.Encoder, img *tensor.Image) (Context, error) {
	input, err := tensor.ResizeSquare(img, x.InputSize)
	if err != nil {
		return Context{}, fmt.Errorf("resize encoder input: %w", err)
	}

	outputs, err := enc.Encode(ctx, input)
	if err != nil {
		return Context{}, fmt.Errorf("encode: %w", err)
	}

	embedding, err := x.selectOutput(outputs)
	if err != nil {
		return Context{}, err
	}
	return Split(embedding)
}

func (x *Extractor) selectOutput(outputs map[string][]float32) ([]float32, error) {
	if len(outputs) == 0 {
		return nil, ErrEncodingFailed
	}

	var (
		embedding []float32
		ok        bool
	)
	if x.OutputName != "" {
		embedding, ok = outputs[x.OutputName]
		if !ok {
			return nil, fmt.Errorf("%w: missing output %q", ErrEncodingFailed, x.OutputName)
		}
	} else {
		if len(outputs) != 1 {
			return nil, fmt.Errorf("%w: %d outputs and no output name configured", ErrEncodingFailed, len(outputs))
		}
		for _, v := range outputs {
			embedding = v
		}
	}

	if len(embedding) == 0 {
		return nil, ErrEncodingFailed
	}
	return embedding, nil
}

// Split derives the context pair from a combined embedding. A 1024-float
// embedding is split into halves (image context first); a 512-float
// embedding is used for both. The returned vectors never alias e.
func Split(e []float32) (Context, error) {
	switch len(e) {
	case 2 * ContextLen:
		return Context{
			ImageContext:       append([]float32(nil), e[:ContextLen]...),
			DegradationContext: append([]float32(nil), e[ContextLen:]...),
		}, nil
	case ContextLen:
		return Context{
			ImageContext:       append([]float32(nil), e...),
			DegradationContext: append([]float32(nil), e...),
		}, nil
	default:
		return Context{}, fmt.Errorf("%w: embedding has %d floats, want %d or %d",
			ErrDimensionMismatch, len(e), ContextLen, 2*ContextLen)
	}
}
