package modelclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"photorestore/modelruntime"
	"photorestore/tensor"
)

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("modelclient: malformed frame")

// Frame limits. A frame exceeding these is rejected before allocation.
const (
	maxTensorEdge  = 16384
	maxVectorLen   = 1 << 20
	maxMapEntries  = 64
	maxNameLen     = 256
	frameWordBytes = 4
)

// Wire layout (all little-endian):
//
//	tensor:  u32 width, u32 height, 3*W*H f32 (channel-planar)
//	vector:  u32 n, n f32
//	map:     u32 count, count * (u32 len, name bytes, vector)
//	denoise: u32 timestep, tensor noisy, tensor lq, vector ic, vector dc

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendFloats(b []byte, v []float32) []byte {
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

func appendTensor(b []byte, t *tensor.Image) []byte {
	b = appendU32(b, uint32(t.Width))
	b = appendU32(b, uint32(t.Height))
	return appendFloats(b, t.Data)
}

func appendVector(b []byte, v []float32) []byte {
	b = appendU32(b, uint32(len(v)))
	return appendFloats(b, v)
}

// MarshalTensor encodes an image tensor frame.
func MarshalTensor(t *tensor.Image) []byte {
	b := make([]byte, 0, 2*frameWordBytes+len(t.Data)*frameWordBytes)
	return appendTensor(b, t)
}

// UnmarshalTensor decodes an image tensor frame.
func UnmarshalTensor(b []byte) (*tensor.Image, error) {
	r := frameReader{buf: b}
	t := r.tensor()
	if err := r.done(); err != nil {
		return nil, err
	}
	return t, nil
}

// MarshalEmbeddings encodes a named-vector map. Names are written in sorted
// order so identical maps produce identical frames.
func MarshalEmbeddings(m map[string][]float32) []byte {
	names := make([]string, 0, len(m))
	size := frameWordBytes
	for name, v := range m {
		names = append(names, name)
		size += 2*frameWordBytes + len(name) + len(v)*frameWordBytes
	}
	sort.Strings(names)

	b := make([]byte, 0, size)
	b = appendU32(b, uint32(len(names)))
	for _, name := range names {
		b = appendU32(b, uint32(len(name)))
		b = append(b, name...)
		b = appendVector(b, m[name])
	}
	return b
}

// UnmarshalEmbeddings decodes a named-vector map.
func UnmarshalEmbeddings(b []byte) (map[string][]float32, error) {
	r := frameReader{buf: b}
	count := r.u32()
	if r.err == nil && count > maxMapEntries {
		r.fail("map has %d entries", count)
	}

	m := make(map[string][]float32, min(int(count), maxMapEntries))
	for i := uint32(0); i < count && r.err == nil; i++ {
		name := r.name()
		m[name] = r.vector()
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalDenoiseRequest encodes the inputs of one denoiser call.
func MarshalDenoiseRequest(req modelruntime.DenoiseRequest) []byte {
	size := frameWordBytes +
		2*(2*frameWordBytes+len(req.Noisy.Data)*frameWordBytes) +
		2*frameWordBytes + (len(req.ImageContext)+len(req.DegradationContext))*frameWordBytes

	b := make([]byte, 0, size)
	b = appendU32(b, uint32(req.Timestep))
	b = appendTensor(b, req.Noisy)
	b = appendTensor(b, req.LQ)
	b = appendVector(b, req.ImageContext)
	return appendVector(b, req.DegradationContext)
}

// UnmarshalDenoiseRequest decodes the inputs of one denoiser call.
func UnmarshalDenoiseRequest(b []byte) (modelruntime.DenoiseRequest, error) {
	r := frameReader{buf: b}
	req := modelruntime.DenoiseRequest{
		Timestep: int(r.u32()),
	}
	req.Noisy = r.tensor()
	req.LQ = r.tensor()
	req.ImageContext = r.vector()
	req.DegradationContext = r.vector()
	if err := r.done(); err != nil {
		return modelruntime.DenoiseRequest{}, err
	}
	return req, nil
}

// frameReader decodes sequentially and keeps the first error.
type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
	}
}

func (r *frameReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail("need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *frameReader) u32() uint32 {
	if !r.need(frameWordBytes) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += frameWordBytes
	return v
}

func (r *frameReader) floats(n int) []float32 {
	if !r.need(n * frameWordBytes) {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.buf[r.off:]))
		r.off += frameWordBytes
	}
	return out
}

func (r *frameReader) vector() []float32 {
	n := r.u32()
	if r.err == nil && n > maxVectorLen {
		r.fail("vector length %d", n)
	}
	return r.floats(int(n))
}

func (r *frameReader) name() string {
	n := r.u32()
	if r.err == nil && n > maxNameLen {
		r.fail("name length %d", n)
	}
	if !r.need(int(n)) {
		return ""
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func (r *frameReader) tensor() *tensor.Image {
	w, h := r.u32(), r.u32()
	if r.err != nil {
		return nil
	}
	if w == 0 || h == 0 || w > maxTensorEdge || h > maxTensorEdge {
		r.fail("tensor dimensions %dx%d", w, h)
		return nil
	}
	data := r.floats(tensor.Channels * int(w) * int(h))
	if r.err != nil {
		return nil
	}
	t, err := tensor.FromData(int(w), int(h), data)
	if err != nil {
		r.fail("%v", err)
		return nil
	}
	return t
}

func (r *frameReader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(r.buf)-r.off)
	}
	return nil
}
