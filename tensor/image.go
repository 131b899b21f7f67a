package tensor

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/draw"
)

// Image conversion errors
var (
	ErrEmptyImage        = errors.New("tensor: empty image data")
	ErrInvalidImage      = errors.New("tensor: invalid image data")
	ErrUnsupportedFormat = errors.New("tensor: unsupported output format")
)

// Decode reads a PNG, JPEG or GIF image and converts it to a tensor.
// Returns the tensor and the detected format name.
func Decode(r io.Reader) (*Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, "", ErrEmptyImage
		}
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	t, err := FromImage(img)
	if err != nil {
		return nil, "", err
	}
	return t, format, nil
}

// FromImage converts a Go image to a [0,1] tensor. Alpha is discarded.
func FromImage(img image.Image) (*Image, error) {
	b := img.Bounds()
	t, err := New(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}

	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// RGBA() returns values in [0, 65535]
			t.Set(0, x, y, float32(r)/65535.0)
			t.Set(1, x, y, float32(g)/65535.0)
			t.Set(2, x, y, float32(bl)/65535.0)
		}
	}
	return t, nil
}

// ToImage quantizes the tensor to an 8-bit opaque image.
// Values outside [0,1] are clamped during quantization.
func (t *Image) ToImage() *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			dst.SetNRGBA(x, y, color.NRGBA{
				R: quantize8(t.At(0, x, y)),
				G: quantize8(t.At(1, x, y)),
				B: quantize8(t.At(2, x, y)),
				A: 0xff,
			})
		}
	}
	return dst
}

// toImage16 keeps 16 bits per channel so resampling loses less precision.
func (t *Image) toImage16() *image.NRGBA64 {
	dst := image.NewNRGBA64(image.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			dst.SetNRGBA64(x, y, color.NRGBA64{
				R: quantize16(t.At(0, x, y)),
				G: quantize16(t.At(1, x, y)),
				B: quantize16(t.At(2, x, y)),
				A: 0xffff,
			})
		}
	}
	return dst
}

// ResizeSquare scales the tensor to size×size (aspect ratio is not preserved),
// matching the fixed square input of the context encoder.
func ResizeSquare(t *Image, size int) (*Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: target size %d", ErrInvalidSize, size)
	}
	if t.Width == size && t.Height == size {
		return t.Clone(), nil
	}

	src := t.toImage16()
	dst := image.NewNRGBA64(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return FromImage(dst)
}

// Encode writes the tensor in the given format ("png", "jpeg" or "jpg").
func Encode(w io.Writer, t *Image, format string) error {
	img := t.ToImage()
	switch strings.ToLower(format) {
	case "png":
		return png.Encode(w, img)
	case "jpeg", "jpg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func quantize8(v float32) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}

func quantize16(v float32) uint16 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 0xffff
	}
	return uint16(v*65535 + 0.5)
}
