// Package tensor provides the channel-planar float32 image representation used
// throughout the restoration pipeline, plus adapters to and from Go images.
package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Channels is the fixed channel count (RGB).
const Channels = 3

// Sentinel errors for tensor operations.
var (
	ErrInvalidSize   = errors.New("tensor: invalid dimensions")
	ErrShapeMismatch = errors.New("tensor: shape mismatch")
)

// Image is a 3×H×W float32 tensor stored channel-planar:
// Data[c*H*W + y*W + x]. Values are nominally in [0,1].
//
// An Image has a single owner at a time. Stages hand an Image to the next
// stage rather than sharing it; use Clone when a copy must be kept.
type Image struct {
	Width  int
	Height int
	Data   []float32
}

// New allocates a zeroed tensor.
func New(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrInvalidSize, width, height)
	}
	return &Image{
		Width:  width,
		Height: height,
		Data:   make([]float32, Channels*width*height),
	}, nil
}

// FromData wraps an existing planar buffer after validating its length.
func FromData(width, height int, data []float32) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrInvalidSize, width, height)
	}
	if want := Channels * width * height; len(data) != want {
		return nil, fmt.Errorf("%w: expected %d values for %dx%d, got %d",
			ErrShapeMismatch, want, width, height, len(data))
	}
	return &Image{Width: width, Height: height, Data: data}, nil
}

// Len returns the number of elements (3·W·H).
func (t *Image) Len() int {
	return len(t.Data)
}

// Plane returns the backing slice for channel c.
func (t *Image) Plane(c int) []float32 {
	n := t.Width * t.Height
	return t.Data[c*n : (c+1)*n]
}

// At returns the value of channel c at (x, y).
func (t *Image) At(c, x, y int) float32 {
	return t.Data[c*t.Width*t.Height+y*t.Width+x]
}

// Set writes the value of channel c at (x, y).
func (t *Image) Set(c, x, y int, v float32) {
	t.Data[c*t.Width*t.Height+y*t.Width+x] = v
}

// SameShape reports whether o has the same dimensions as t.
func (t *Image) SameShape(o *Image) bool {
	return o != nil && t.Width == o.Width && t.Height == o.Height && len(t.Data) == len(o.Data)
}

// CheckShape returns ErrShapeMismatch when o does not match t.
func (t *Image) CheckShape(o *Image) error {
	if o == nil {
		return fmt.Errorf("%w: nil tensor", ErrShapeMismatch)
	}
	if !t.SameShape(o) {
		return fmt.Errorf("%w: %dx%d (%d values) vs %dx%d (%d values)",
			ErrShapeMismatch, t.Width, t.Height, len(t.Data), o.Width, o.Height, len(o.Data))
	}
	return nil
}

// Clone returns a deep copy.
func (t *Image) Clone() *Image {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Image{Width: t.Width, Height: t.Height, Data: data}
}

// Clamp01 clamps every element to [0,1] in place. NaN maps to 0.
func (t *Image) Clamp01() {
	for i, v := range t.Data {
		if !(v >= 0) {
			t.Data[i] = 0
		} else if v > 1 {
			t.Data[i] = 1
		}
	}
}

// CountNonFinite returns the number of NaN or ±Inf elements.
func (t *Image) CountNonFinite() int {
	n := 0
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			n++
		}
	}
	return n
}

// SizeBytes returns the memory footprint of a W×H tensor.
func SizeBytes(width, height int) int64 {
	return int64(Channels) * int64(width) * int64(height) * 4
}
